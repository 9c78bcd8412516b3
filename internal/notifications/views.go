package notifications

import (
	"sort"
	"time"

	"github.com/agentworkforce/collabsync/internal/syncer"
)

const dayLayout = "Jan 2, 2006"

// DayBucket is one calendar day of the feed.
type DayBucket struct {
	Label string         `json:"label" yaml:"label"`
	Date  time.Time      `json:"date" yaml:"date"`
	Items []Notification `json:"items" yaml:"items"`
}

// Views is everything an inbox derives per change.
type Views struct {
	Feed         []DayBucket
	Unread       int
	UnreadByType map[Type]int
}

func BuildViews(records []Notification, now time.Time, loc *time.Location) Views {
	return Views{
		Feed:         GroupByCalendarDay(records, now, loc),
		Unread:       UnreadCount(records),
		UnreadByType: UnreadByType(records),
	}
}

// GroupByCalendarDay buckets records by their creation day in loc, newest
// day first and newest record first inside a day.
func GroupByCalendarDay(records []Notification, now time.Time, loc *time.Location) []DayBucket {
	if loc == nil {
		loc = time.UTC
	}
	sorted := append([]Notification(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	today := startOfDay(now, loc)
	var buckets []DayBucket
	for _, n := range sorted {
		day := startOfDay(n.CreatedAt, loc)
		if len(buckets) == 0 || !buckets[len(buckets)-1].Date.Equal(day) {
			buckets = append(buckets, DayBucket{Label: DayLabel(day, today), Date: day})
		}
		last := &buckets[len(buckets)-1]
		last.Items = append(last.Items, n)
	}
	return buckets
}

// DayLabel names day relative to today; both are midnights in the same
// location.
func DayLabel(day, today time.Time) string {
	diff := daysBetween(day, today)
	switch {
	case diff == 0:
		return "Today"
	case diff == 1:
		return "Yesterday"
	case diff > 1 && diff < 7:
		return day.Weekday().String()
	default:
		return day.Format(dayLayout)
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days from a to b, robust to DST shifts.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

func UnreadCount(records []Notification) int {
	n := 0
	for _, rec := range records {
		if !rec.IsRead {
			n++
		}
	}
	return n
}

func UnreadByType(records []Notification) map[Type]int {
	out := map[Type]int{}
	for _, rec := range records {
		if !rec.IsRead {
			out[rec.Type]++
		}
	}
	return out
}

type Filters struct {
	UnreadOnly bool
	Types      []Type
}

func (f Filters) Predicate() syncer.Filter[Notification] {
	var preds []syncer.Filter[Notification]
	if f.UnreadOnly {
		preds = append(preds, func(n Notification) bool { return !n.IsRead })
	}
	if len(f.Types) > 0 {
		allowed := map[Type]bool{}
		for _, t := range f.Types {
			allowed[t] = true
		}
		preds = append(preds, func(n Notification) bool { return allowed[n.Type] })
	}
	return syncer.All(preds...)
}
