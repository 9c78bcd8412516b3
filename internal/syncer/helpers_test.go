package syncer_test

import (
	"time"

	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/testutil"
)

type item struct {
	ID        string
	Scope     string
	Title     string
	Status    string
	Tags      []string
	UpdatedAt time.Time
}

func (i item) RecordID() string { return i.ID }
func (i item) RecordScope() string { return i.Scope }
func (i item) RecordUpdatedAt() time.Time { return i.UpdatedAt }

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func newReconciler(clk *testutil.FakeClock) (*syncer.Mirror[item], *syncer.Reconciler[item]) {
	m := syncer.NewMirror[item]()
	r := syncer.NewReconciler(m, syncer.ReconcilerOptions[item]{
		Clock:    clk,
		ClientID: "client-a",
		Match: func(draft, incoming item) bool {
			return draft.Title == incoming.Title && draft.Scope == incoming.Scope
		},
	})
	return m, r
}

func setStatus(status string) func(item) item {
	return func(i item) item {
		i.Status = status
		return i
	}
}
