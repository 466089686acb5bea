package database

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationToType(t *testing.T) {
	now := time.Now().UTC()
	c := Conversation{
		Id:         7,
		ExternalId: "abc123",
		GuestId:    1,
		HostId:     2,
		PropertyId: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	got := c.ToType()
	assert.Equal(t, "abc123", got.Id, "expected the external id to be exposed")
	assert.Equal(t, 1, got.GuestId)
	assert.Equal(t, 2, got.HostId)
	assert.Equal(t, 3, got.PropertyId)
}

func TestMessageToType(t *testing.T) {
	now := time.Now().UTC()
	m := Message{Id: 5, ConversationId: 7, SenderId: 1, Content: "Hi", CorrelationId: "corr", CreatedAt: now}

	got := m.ToType("abc123")
	assert.Equal(t, types.Message{
		Id:             5,
		ConversationId: "abc123",
		SenderId:       1,
		Content:        "Hi",
		CreatedAt:      now,
		CorrelationId:  "corr",
	}, got)
}

func TestBookingToType(t *testing.T) {
	b := Booking{Id: 4, GuestId: 1, HostId: 2, Status: types.BookingConfirmed, TotalAmount: 12000}
	got := b.ToType()
	assert.Equal(t, 4, got.Id)
	assert.Equal(t, types.BookingConfirmed, got.Status)
	assert.Equal(t, int64(12000), got.TotalAmount)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: uniqueViolation}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	assert.Contains(t, names, "000001_create_conversations.up.sql")
	assert.Contains(t, names, "000001_create_conversations.down.sql")
	assert.Contains(t, names, "000002_create_bookings.up.sql")
	assert.Contains(t, names, "000002_create_bookings.down.sql")
}
