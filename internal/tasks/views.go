package tasks

import (
	"sort"
	"time"

	"github.com/agentworkforce/collabsync/internal/syncer"
)

// Board is the Kanban projection of the task mirror.
type Board struct {
	Todo       []Task `json:"todo" yaml:"todo"`
	InProgress []Task `json:"inProgress" yaml:"inProgress"`
	Done       []Task `json:"done" yaml:"done"`
}

func (b Board) Column(s Status) []Task {
	switch s {
	case StatusInProgress:
		return b.InProgress
	case StatusDone:
		return b.Done
	default:
		return b.Todo
	}
}

func (b Board) Total() int {
	return len(b.Todo) + len(b.InProgress) + len(b.Done)
}

// Views is everything a store derives per change.
type Views struct {
	Board Board
	// Overdue counts open tasks past their due date at build time.
	Overdue int
}

// BuildViews derives every view from the flat record list in one pass plus
// the column sorts.
func BuildViews(records []Task, now time.Time) Views {
	v := Views{Board: GroupByStatus(records)}
	for _, t := range records {
		if t.Status != StatusDone && t.DueDate != nil && t.DueDate.Before(now) {
			v.Overdue++
		}
	}
	return v
}

// GroupByStatus partitions records into columns. Every task lands in exactly
// one column; unknown statuses fall back to TODO. Columns are ordered by
// priority, then creation time, then id.
func GroupByStatus(records []Task) Board {
	var b Board
	for _, t := range records {
		switch t.Status {
		case StatusInProgress:
			b.InProgress = append(b.InProgress, t)
		case StatusDone:
			b.Done = append(b.Done, t)
		default:
			b.Todo = append(b.Todo, t)
		}
	}
	sortColumn(b.Todo)
	sortColumn(b.InProgress)
	sortColumn(b.Done)
	return b
}

func sortColumn(col []Task) {
	sort.SliceStable(col, func(i, j int) bool {
		a, b := col[i], col[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Filters narrows the board before grouping. Zero values match everything.
type Filters struct {
	Statuses   []Status
	Priorities []Priority
	AssigneeID string
	Unassigned bool
	Search     string
	Due        syncer.TimeRange
}

func (f Filters) Predicate() syncer.Filter[Task] {
	var preds []syncer.Filter[Task]
	if len(f.Statuses) > 0 {
		allowed := map[Status]bool{}
		for _, s := range f.Statuses {
			allowed[s] = true
		}
		preds = append(preds, func(t Task) bool { return allowed[t.Status] })
	}
	if len(f.Priorities) > 0 {
		allowed := map[Priority]bool{}
		for _, p := range f.Priorities {
			allowed[p] = true
		}
		preds = append(preds, func(t Task) bool { return allowed[t.Priority] })
	}
	if f.AssigneeID != "" {
		preds = append(preds, func(t Task) bool { return t.AssigneeID == f.AssigneeID })
	}
	if f.Unassigned {
		preds = append(preds, func(t Task) bool { return t.AssigneeID == "" })
	}
	if f.Search != "" {
		preds = append(preds, func(t Task) bool { return syncer.ContainsFold(f.Search, t.Title, t.Description) })
	}
	if !f.Due.IsZero() {
		preds = append(preds, func(t Task) bool { return t.DueDate != nil && f.Due.Contains(*t.DueDate) })
	}
	return syncer.All(preds...)
}
