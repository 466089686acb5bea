package client

import (
	"testing"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInbox(now time.Time) *Inbox {
	in := newInbox(func() int { return testGuestId })
	in.now = func() time.Time { return now }
	return in
}

func TestInbox_OnMessage(t *testing.T) {
	in := newTestInbox(baseTime)

	in.OnMessage(testMessage(1, testHostId, time.Second))
	in.OnMessage(testMessage(3, testHostId, 3*time.Second))
	in.OnMessage(testMessage(2, testGuestId, 2*time.Second))

	s, ok := in.Summary("c1")
	require.True(t, ok)
	assert.Equal(t, 2, s.UnreadCount, "expected own messages not to count")
	require.NotNil(t, s.LastMessage)
	assert.Equal(t, 3, s.LastMessage.Id, "expected the newest message regardless of arrival order")

	// the same message reported twice counts once
	in.OnMessage(testMessage(3, testHostId, 3*time.Second))
	s, _ = in.Summary("c1")
	assert.Equal(t, 2, s.UnreadCount)
}

func TestInbox_MarkRead(t *testing.T) {
	in := newTestInbox(baseTime.Add(5 * time.Second))

	changes := &recorder[Summary]{}
	in.OnChange(changes.add)

	in.OnMessage(testMessage(1, testHostId, time.Second))
	in.OnMessage(testMessage(2, testHostId, 2*time.Second))

	s := in.MarkRead("c1")
	assert.Zero(t, s.UnreadCount)
	assert.Equal(t, baseTime.Add(5*time.Second), s.LastReadAt)

	all := changes.all()
	require.Len(t, all, 3)
	assert.Zero(t, all[2].UnreadCount, "expected the zeroed count to be observable immediately")

	// messages created before the watermark are already read
	in.OnMessage(testMessage(3, testHostId, 4*time.Second))
	s, _ = in.Summary("c1")
	assert.Zero(t, s.UnreadCount)

	in.OnMessage(testMessage(4, testHostId, 6*time.Second))
	s, _ = in.Summary("c1")
	assert.Equal(t, 1, s.UnreadCount)
}

func TestInbox_openConversation(t *testing.T) {
	in := newTestInbox(baseTime)
	in.SetOpen("c1", true)

	assert.True(t, in.OnMessage(testMessage(1, testHostId, time.Second)), "expected a read to be due")
	assert.False(t, in.OnMessage(testMessage(2, testGuestId, 2*time.Second)))

	s, _ := in.Summary("c1")
	assert.Zero(t, s.UnreadCount)
	assert.Equal(t, baseTime.Add(time.Second), s.LastReadAt)

	in.SetOpen("c1", false)
	assert.False(t, in.OnMessage(testMessage(3, testHostId, 3*time.Second)))
	s, _ = in.Summary("c1")
	assert.Equal(t, 1, s.UnreadCount)
}

func TestInbox_Hydrate(t *testing.T) {
	in := newTestInbox(baseTime)

	last := testMessage(7, testHostId, 10*time.Second)
	in.Hydrate([]types.ConversationSummary{
		{
			Conversation: types.Conversation{Id: "c1", GuestId: testGuestId, HostId: testHostId},
			LastMessage:  &last,
			UnreadCount:  3,
			LastReadAt:   baseTime,
		},
		{
			Conversation: types.Conversation{Id: "c2", GuestId: testGuestId, HostId: 5, UpdatedAt: baseTime.Add(time.Hour)},
		},
	})

	s, ok := in.Summary("c1")
	require.True(t, ok)
	assert.Equal(t, 3, s.UnreadCount)

	next := testMessage(8, testHostId, 20*time.Second)
	in.OnMessage(next)
	s, _ = in.Summary("c1")
	assert.Equal(t, 4, s.UnreadCount)
	assert.Equal(t, 8, s.LastMessage.Id)

	list := in.Summaries()
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].Conversation.Id, "expected newest activity first")
	assert.Equal(t, "c1", list[1].Conversation.Id)
}

func TestInbox_Add(t *testing.T) {
	in := newTestInbox(baseTime)

	in.Add(types.Conversation{Id: "c9", GuestId: testGuestId, HostId: testHostId, PropertyId: 4})

	s, ok := in.Summary("c9")
	require.True(t, ok)
	assert.Equal(t, 4, s.Conversation.PropertyId)
	assert.Nil(t, s.LastMessage)
	assert.Zero(t, s.UnreadCount)
}

func TestInbox_snapshotIsCopy(t *testing.T) {
	in := newTestInbox(baseTime)
	in.OnMessage(testMessage(1, testHostId, time.Second))

	s, _ := in.Summary("c1")
	s.LastMessage.Content = "changed"

	again, _ := in.Summary("c1")
	assert.Equal(t, "message", again.LastMessage.Content)
}
