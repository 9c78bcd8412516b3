package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FormatVersion is bumped whenever the stored layout changes; older payloads
// are ignored on load.
const FormatVersion = 1

type payload[T any] struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	Records []T       `json:"records"`
}

// Key names the snapshot of one domain mirror for one scope.
func Key(domain, scope string) string {
	return domain + ":" + scope
}

// SaveRecords stores records under key.
func SaveRecords[T any](ctx context.Context, b Backend, key string, records []T, now time.Time) error {
	if b == nil {
		return nil
	}
	if records == nil {
		records = []T{}
	}
	data, err := json.Marshal(payload[T]{Version: FormatVersion, SavedAt: now.UTC(), Records: records})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := b.Save(ctx, key, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// LoadRecords returns the records saved under key and when they were saved.
// ok is false when nothing usable is stored.
func LoadRecords[T any](ctx context.Context, b Backend, key string) (records []T, savedAt time.Time, ok bool, err error) {
	if b == nil {
		return nil, time.Time{}, false, nil
	}
	data, err := b.Load(ctx, key)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, time.Time{}, false, nil
	}
	var p payload[T]
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if p.Version != FormatVersion {
		return nil, time.Time{}, false, nil
	}
	return p.Records, p.SavedAt, true, nil
}
