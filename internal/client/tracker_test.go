package client

import (
	"context"
	"net/http"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Join(t *testing.T) {
	h := newHarness(t)
	rooms := h.client.Rooms

	require.NoError(t, rooms.Join(context.Background(), "c1"))
	require.NoError(t, rooms.Join(context.Background(), "c1"))

	assert.True(t, rooms.IsJoined("c1"))
	assert.Equal(t, 1, h.server.count(isJoin), "expected a repeated join to be a no-op")

	conv, ok := rooms.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, testHostId, conv.HostId)
}

func TestTracker_Join_refused(t *testing.T) {
	h := newHarness(t)
	h.server.refuse["forbidden"] = http.StatusForbidden
	h.server.refuse["missing"] = http.StatusNotFound

	err := h.client.Rooms.Join(context.Background(), "forbidden")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)

	err = h.client.Rooms.Join(context.Background(), "missing")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	assert.Empty(t, h.client.Rooms.Joined())
}

func TestTracker_Leave(t *testing.T) {
	h := newHarness(t)
	rooms := h.client.Rooms

	require.NoError(t, rooms.Leave(context.Background(), "c1"))
	assert.Equal(t, 0, h.server.count(isLeave), "expected leaving an unjoined room to be a no-op")

	require.NoError(t, rooms.Join(context.Background(), "c1"))
	require.NoError(t, rooms.Leave(context.Background(), "c1"))
	require.NoError(t, rooms.Leave(context.Background(), "c1"))

	assert.False(t, rooms.IsJoined("c1"))
	assert.Equal(t, 1, h.server.count(isLeave))
}

func TestTracker_joinedSetIsNetEffect(t *testing.T) {
	h := newHarness(t)
	rooms := h.client.Rooms

	ops := []struct {
		join bool
		id   string
	}{
		{true, "a"}, {true, "b"}, {true, "a"}, {false, "c"}, {false, "a"},
		{true, "c"}, {false, "a"}, {true, "a"}, {true, "b"}, {false, "b"},
	}

	expected := map[string]bool{}
	for _, op := range ops {
		if op.join {
			require.NoError(t, rooms.Join(context.Background(), op.id))
			expected[op.id] = true
		} else {
			require.NoError(t, rooms.Leave(context.Background(), op.id))
			delete(expected, op.id)
		}
	}

	var want []string
	for id := range expected {
		want = append(want, id)
	}
	slices.Sort(want)
	assert.Equal(t, want, rooms.Joined())
}

func TestTracker_Leave_disconnected(t *testing.T) {
	h := newHarness(t)
	rooms := h.client.Rooms
	require.NoError(t, rooms.Join(context.Background(), "c1"))

	release := h.dialer.hold()
	defer release()
	h.dialer.current().Close()
	h.waitState(t, StateReconnecting)

	assert.NoError(t, rooms.Leave(context.Background(), "c1"), "expected leave to succeed locally")
	assert.False(t, rooms.IsJoined("c1"))
}

func TestTracker_rejoinAll(t *testing.T) {
	h := newHarness(t)
	rooms := h.client.Rooms
	require.NoError(t, rooms.Join(context.Background(), "c1"))
	require.NoError(t, rooms.Join(context.Background(), "c2"))

	// c2 became unavailable while offline
	h.server.mu.Lock()
	h.server.refuse["c2"] = http.StatusForbidden
	h.server.mu.Unlock()

	rejoined := rooms.rejoinAll(context.Background())
	assert.Equal(t, []string{"c1"}, rejoined)
	assert.Equal(t, []string{"c1"}, rooms.Joined())
	assert.Equal(t, 4, h.server.count(isJoin))
}

func TestTracker_resyncAfterReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Rooms.Join(context.Background(), "c1"))

	h.dialer.current().Close()

	require.Eventually(t, func() bool {
		return h.server.count(isJoin) == 2
	}, testWait, testTick, "expected the room to be joined again")
	assert.True(t, h.client.Rooms.IsJoined("c1"))
}
