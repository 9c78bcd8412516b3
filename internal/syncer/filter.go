package syncer

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Filter reports whether a record belongs in a view.
type Filter[T any] func(T) bool

// All combines filters; nil members are skipped.
func All[T any](filters ...Filter[T]) Filter[T] {
	active := make([]Filter[T], 0, len(filters))
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(rec T) bool {
		for _, f := range active {
			if !f(rec) {
				return false
			}
		}
		return true
	}
}

// Apply returns the records accepted by f, preserving order.
func Apply[T any](records []T, f Filter[T]) []T {
	if f == nil {
		return records
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		if f(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// ContainsFold reports whether needle occurs in any haystack under Unicode
// case folding. An empty needle matches.
func ContainsFold(needle string, haystacks ...string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return true
	}
	folder := cases.Fold()
	n := folder.String(needle)
	for _, h := range haystacks {
		if strings.Contains(folder.String(h), n) {
			return true
		}
	}
	return false
}

// TimeRange is an inclusive range; zero bounds are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}
