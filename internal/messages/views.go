package messages

import (
	"sort"

	"github.com/agentworkforce/collabsync/internal/syncer"
)

// Thread is a root message with its replies.
type Thread struct {
	Root    Message   `json:"root" yaml:"root"`
	Replies []Message `json:"replies" yaml:"replies"`
	// Participants are distinct authors in order of first appearance.
	Participants []string `json:"participants" yaml:"participants"`
}

// Views is everything a chat store derives per change.
type Views struct {
	Roots       []Message
	Threads     map[string]Thread
	ReplyCounts map[string]int
}

// maxParentDepth bounds the walk up a parent chain for records that arrive
// without a thread id.
const maxParentDepth = 32

// threadKeys maps every message id to the id of its thread root.
func threadKeys(records []Message) map[string]string {
	byID := make(map[string]Message, len(records))
	for _, m := range records {
		byID[m.ID] = m
	}
	keys := make(map[string]string, len(records))
	for _, m := range records {
		cur := m
		for depth := 0; depth < maxParentDepth; depth++ {
			if cur.ThreadID != "" || cur.ParentID == "" {
				break
			}
			parent, ok := byID[cur.ParentID]
			if !ok {
				break
			}
			cur = parent
		}
		keys[m.ID] = cur.RootID()
	}
	return keys
}

// RootMessages returns the thread roots, newest first.
func RootMessages(records []Message) []Message {
	var roots []Message
	for _, m := range records {
		if m.IsRoot() {
			roots = append(roots, m)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if !roots[i].CreatedAt.Equal(roots[j].CreatedAt) {
			return roots[i].CreatedAt.After(roots[j].CreatedAt)
		}
		return roots[i].ID > roots[j].ID
	})
	return roots
}

// ThreadFor collects rootID and every message whose thread resolves to it,
// replies oldest first. It reports false when the root is not loaded.
func ThreadFor(rootID string, records []Message) (Thread, bool) {
	keys := threadKeys(records)
	var (
		th    Thread
		found bool
	)
	for _, m := range records {
		switch {
		case m.ID == rootID:
			th.Root, found = m, true
		case keys[m.ID] == rootID:
			th.Replies = append(th.Replies, m)
		}
	}
	if !found {
		return Thread{}, false
	}
	sortReplies(th.Replies)
	th.Participants = participants(th)
	return th, true
}

func sortReplies(replies []Message) {
	sort.SliceStable(replies, func(i, j int) bool {
		if !replies[i].CreatedAt.Equal(replies[j].CreatedAt) {
			return replies[i].CreatedAt.Before(replies[j].CreatedAt)
		}
		return replies[i].ID < replies[j].ID
	})
}

func participants(th Thread) []string {
	seen := map[string]bool{th.Root.AuthorID: true}
	out := []string{th.Root.AuthorID}
	for _, m := range th.Replies {
		if !seen[m.AuthorID] {
			seen[m.AuthorID] = true
			out = append(out, m.AuthorID)
		}
	}
	return out
}

// ReplyCounts counts live replies per root id.
func ReplyCounts(records []Message) map[string]int {
	keys := threadKeys(records)
	counts := map[string]int{}
	for _, m := range records {
		if m.IsRoot() || m.Deleted() {
			continue
		}
		counts[keys[m.ID]]++
	}
	return counts
}

// BuildViews derives roots, threads and reply counts in one pass over the
// records plus the sorts.
func BuildViews(records []Message) Views {
	keys := threadKeys(records)
	v := Views{
		Roots:       RootMessages(records),
		Threads:     map[string]Thread{},
		ReplyCounts: map[string]int{},
	}
	for _, root := range v.Roots {
		v.Threads[root.ID] = Thread{Root: root}
	}
	for _, m := range records {
		if m.IsRoot() {
			continue
		}
		rootID := keys[m.ID]
		th, ok := v.Threads[rootID]
		if !ok {
			continue
		}
		th.Replies = append(th.Replies, m)
		v.Threads[rootID] = th
		if !m.Deleted() {
			v.ReplyCounts[rootID]++
		}
	}
	for id, th := range v.Threads {
		sortReplies(th.Replies)
		th.Participants = participants(th)
		v.Threads[id] = th
	}
	return v
}

// Filters narrows messages before grouping. Zero values match everything.
type Filters struct {
	Search string
	// MentionsUserID keeps messages that mention this user.
	MentionsUserID string
	HasAttachments bool
	Created        syncer.TimeRange
	HideDeleted    bool
}

func (f Filters) Predicate() syncer.Filter[Message] {
	var preds []syncer.Filter[Message]
	if f.Search != "" {
		preds = append(preds, func(m Message) bool { return !m.Deleted() && syncer.ContainsFold(f.Search, m.Content) })
	}
	if f.MentionsUserID != "" {
		preds = append(preds, func(m Message) bool {
			for _, id := range m.Mentions {
				if id == f.MentionsUserID {
					return true
				}
			}
			return false
		})
	}
	if f.HasAttachments {
		preds = append(preds, func(m Message) bool { return len(m.Attachments) > 0 })
	}
	if !f.Created.IsZero() {
		preds = append(preds, func(m Message) bool { return f.Created.Contains(m.CreatedAt) })
	}
	if f.HideDeleted {
		preds = append(preds, func(m Message) bool { return !m.Deleted() })
	}
	return syncer.All(preds...)
}
