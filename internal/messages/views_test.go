package messages_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/syncer"
)

func TestThreadForCollectsNestedReplies(t *testing.T) {
	records := []messages.Message{
		msg("m3", "m2", "m1", "u-3", t0.Add(2*time.Minute)),
		msg("m1", "", "m1", "u-1", t0),
		msg("m2", "m1", "m1", "u-2", t0.Add(time.Minute)),
		msg("other", "", "other", "u-2", t0),
	}
	th, ok := messages.ThreadFor("m1", records)
	require.True(t, ok)
	assert.Equal(t, "m1", th.Root.ID)
	assert.Equal(t, []string{"m2", "m3"}, ids(th.Replies))
	assert.Equal(t, []string{"u-1", "u-2", "u-3"}, th.Participants)

	_, ok = messages.ThreadFor("missing", records)
	assert.False(t, ok)
}

func TestThreadForFollowsParentsWithoutThreadID(t *testing.T) {
	records := []messages.Message{
		msg("m1", "", "", "u-1", t0),
		msg("m2", "m1", "", "u-2", t0.Add(time.Minute)),
		msg("m3", "m2", "", "u-1", t0.Add(2*time.Minute)),
	}
	th, ok := messages.ThreadFor("m1", records)
	require.True(t, ok)
	assert.Equal(t, []string{"m2", "m3"}, ids(th.Replies))
	assert.Equal(t, []string{"u-1", "u-2"}, th.Participants)
}

func TestRootMessagesNewestFirst(t *testing.T) {
	records := []messages.Message{
		msg("a", "", "a", "u-1", t0),
		msg("b", "", "b", "u-1", t0.Add(time.Hour)),
		msg("r", "a", "a", "u-1", t0.Add(2*time.Hour)),
	}
	assert.Equal(t, []string{"b", "a"}, ids(messages.RootMessages(records)))
}

func TestBuildViewsCountsLiveReplies(t *testing.T) {
	deleted := msg("r2", "a", "a", "u-2", t0.Add(2*time.Minute)).Tombstone(t0.Add(3 * time.Minute))
	records := []messages.Message{
		msg("a", "", "a", "u-1", t0),
		msg("r1", "a", "a", "u-2", t0.Add(time.Minute)),
		deleted,
		msg("orphan", "gone", "gone", "u-3", t0),
		msg("b", "", "b", "u-1", t0.Add(time.Hour)),
	}
	v := messages.BuildViews(records)
	assert.Equal(t, []string{"b", "a"}, ids(v.Roots))
	assert.Equal(t, map[string]int{"a": 1}, v.ReplyCounts)
	assert.Equal(t, messages.ReplyCounts(records), map[string]int{"a": 1, "gone": 1})
	require.Contains(t, v.Threads, "a")
	assert.Equal(t, []string{"r1", "r2"}, ids(v.Threads["a"].Replies))
	assert.Empty(t, v.Threads["b"].Replies)
	assert.NotContains(t, v.Threads, "gone")
}

func TestExtractMentions(t *testing.T) {
	directory := map[string]string{"alice": "u-alice", "bob": "u-bob"}
	got := messages.ExtractMentions("hey @Bob and @alice. cc @alice, mail me@example.com @nobody", directory, []string{"u-carol", " "})
	assert.Equal(t, []string{"u-alice", "u-bob", "u-carol"}, got)

	assert.Equal(t, []string{"dave"}, messages.ExtractMentions("@dave!", nil, nil))
	assert.Nil(t, messages.ExtractMentions("no mentions here", nil, nil))
}

func TestToggleReactionIsUniquePerUserAndEmoji(t *testing.T) {
	m := msg("a", "", "a", "u-1", t0)
	m, action := m.ToggleReaction("u-2", "👍")
	assert.Equal(t, messages.ReactionAdded, action)
	m, _ = m.ToggleReaction("u-3", "👍")
	assert.Len(t, m.Reactions, 2)

	before := m
	m, action = m.ToggleReaction("u-2", "👍")
	assert.Equal(t, messages.ReactionRemoved, action)
	assert.Equal(t, []messages.Reaction{{Emoji: "👍", UserID: "u-3"}}, m.Reactions)
	assert.Len(t, before.Reactions, 2, "receiver must not be modified")
}

func TestTombstoneKeepsIdentity(t *testing.T) {
	m := msg("a", "p", "p", "u-1", t0)
	m.Mentions = []string{"u-2"}
	m.Attachments = []messages.Attachment{{Name: "a.png", URL: "https://x/a.png"}}
	gone := m.Tombstone(t0.Add(time.Minute))
	assert.Equal(t, "a", gone.ID)
	assert.Equal(t, "p", gone.ThreadID)
	assert.Equal(t, messages.DeletedContent, gone.Content)
	assert.Nil(t, gone.Mentions)
	assert.Nil(t, gone.Attachments)
	assert.True(t, gone.Deleted())
}

func TestCheckEditable(t *testing.T) {
	m := msg("a", "", "a", "u-1", t0)
	assert.NoError(t, m.CheckEditable("u-1", t0.Add(messages.EditWindow)))
	assert.ErrorIs(t, m.CheckEditable("u-1", t0.Add(messages.EditWindow+time.Second)), syncer.ErrEditWindowExpired)
	assert.ErrorIs(t, m.CheckEditable("u-2", t0), syncer.ErrUnauthorized)
	assert.ErrorIs(t, m.Tombstone(t0).CheckEditable("u-1", t0), syncer.ErrValidation)
}

func TestFiltersPredicate(t *testing.T) {
	a := msg("a", "", "a", "u-1", t0)
	a.Content = "Deploy FAILED again"
	a.Mentions = []string{"u-2"}
	b := msg("b", "", "b", "u-1", t0.Add(48*time.Hour))
	b.Attachments = []messages.Attachment{{Name: "log.txt", URL: "https://x/log.txt"}}
	c := msg("c", "", "c", "u-1", t0).Tombstone(t0)
	records := []messages.Message{a, b, c}

	cases := []struct {
		name    string
		filters messages.Filters
		want    []string
	}{
		{"all", messages.Filters{}, []string{"a", "b", "c"}},
		{"search", messages.Filters{Search: "failed"}, []string{"a"}},
		{"mentions", messages.Filters{MentionsUserID: "u-2"}, []string{"a"}},
		{"attachments", messages.Filters{HasAttachments: true}, []string{"b"}},
		{"created", messages.Filters{Created: syncer.TimeRange{From: t0.Add(time.Hour)}}, []string{"b"}},
		{"hide deleted", messages.Filters{HideDeleted: true}, []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(syncer.Apply(records, tc.filters.Predicate())))
		})
	}
}
