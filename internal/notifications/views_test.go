package notifications_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/syncer"
)

// Wednesday.
var now = time.Date(2024, 5, 8, 15, 0, 0, 0, time.UTC)

func TestGroupByCalendarDayLabels(t *testing.T) {
	records := []notifications.Notification{
		note("a", notifications.TypeMention, false, now.Add(-time.Hour)),
		note("b", notifications.TypeReply, true, now.Add(-14*time.Hour)),
		note("c", notifications.TypeReply, false, now.Add(-24*time.Hour)),
		note("d", notifications.TypeTaskAssigned, false, now.Add(-3*24*time.Hour)),
		note("e", notifications.TypeProjectInvite, true, now.Add(-10*24*time.Hour)),
	}
	feed := notifications.GroupByCalendarDay(records, now, time.UTC)

	var labels []string
	for _, b := range feed {
		labels = append(labels, b.Label)
	}
	assert.Equal(t, []string{"Today", "Yesterday", "Sunday", "Apr 28, 2024"}, labels)
	require.Len(t, feed[0].Items, 2)
	assert.Equal(t, "a", feed[0].Items[0].ID)
	assert.Equal(t, "b", feed[0].Items[1].ID)
	assert.Equal(t, "c", feed[1].Items[0].ID)
}

func TestGroupByCalendarDayUsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	morning := time.Date(2024, 5, 8, 10, 0, 0, 0, time.UTC)
	late := note("a", notifications.TypeMention, false, time.Date(2024, 5, 7, 16, 0, 0, 0, time.UTC))
	feed := notifications.GroupByCalendarDay([]notifications.Notification{late}, morning, tokyo)
	require.Len(t, feed, 1)
	// 16:00 UTC on the 7th is already the 8th in Tokyo.
	assert.Equal(t, "Today", feed[0].Label)

	feed = notifications.GroupByCalendarDay([]notifications.Notification{late}, morning, time.UTC)
	assert.Equal(t, "Yesterday", feed[0].Label)
}

func TestUnreadCounts(t *testing.T) {
	records := []notifications.Notification{
		note("a", notifications.TypeMention, false, now),
		note("b", notifications.TypeMention, false, now),
		note("c", notifications.TypeReply, true, now),
		note("d", notifications.TypeReply, false, now),
	}
	assert.Equal(t, 3, notifications.UnreadCount(records))
	assert.Equal(t, map[notifications.Type]int{
		notifications.TypeMention: 2,
		notifications.TypeReply:   1,
	}, notifications.UnreadByType(records))

	v := notifications.BuildViews(records, now, nil)
	assert.Equal(t, 3, v.Unread)
}

func TestFiltersPredicate(t *testing.T) {
	records := []notifications.Notification{
		note("a", notifications.TypeMention, false, now),
		note("b", notifications.TypeReply, true, now),
		note("c", notifications.TypeReply, false, now),
	}
	got := syncer.Apply(records, notifications.Filters{UnreadOnly: true, Types: []notifications.Type{notifications.TypeReply}}.Predicate())
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
	assert.Len(t, syncer.Apply(records, notifications.Filters{}.Predicate()), 3)
}
