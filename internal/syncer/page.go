package syncer

import (
	"context"
	"fmt"
)

// Page is one page of a paginated list call.
type Page[T any] struct {
	Records    []T    `json:"records"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Walk follows cursors until the server reports no more pages or maxPages is
// reached. complete is true only when the last page fetched had HasMore
// unset; a page that claims more but carries no new cursor ends the walk
// incomplete.
func Walk[T any](ctx context.Context, maxPages int, fetch func(ctx context.Context, cursor string) (Page[T], error)) (records []T, complete bool, err error) {
	if maxPages <= 0 {
		maxPages = 50
	}
	cursor := ""
	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return records, false, err
		}
		p, err := fetch(ctx, cursor)
		if err != nil {
			return records, false, fmt.Errorf("page %d: %w", page+1, err)
		}
		records = append(records, p.Records...)
		if !p.HasMore {
			return records, true, nil
		}
		if p.NextCursor == "" || p.NextCursor == cursor {
			return records, false, nil
		}
		cursor = p.NextCursor
	}
	return records, false, nil
}
