package types

import (
	"time"
)

type User struct {
	Id       int    `json:"id"`
	Username string `json:"username,omitempty"`
}

type Conversation struct {
	Id         string    `json:"id"`
	GuestId    int       `json:"guest_id"`
	HostId     int       `json:"host_id"`
	PropertyId int       `json:"property_id"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// HasParticipant reports whether userId is the guest or the host.
func (c Conversation) HasParticipant(userId int) bool {
	return userId != 0 && (c.GuestId == userId || c.HostId == userId)
}

// ConversationSummary is a conversation as seen from one participant's
// conversation list.
type ConversationSummary struct {
	Conversation
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
	LastReadAt  time.Time `json:"last_read_at,omitempty"`
}

type Message struct {
	Id             int       `json:"message_id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       int       `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	CorrelationId  string    `json:"correlation_id,omitempty"`
}

// Before reports whether m sorts before o in a conversation log. Messages are
// ordered by server creation time, ties broken by message id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Id < o.Id
}

type BookingStatus string

const (
	BookingPending          BookingStatus = "pending"
	BookingConfirmed        BookingStatus = "confirmed"
	BookingCancelledByGuest BookingStatus = "cancelled_by_guest"
	BookingCancelledByHost  BookingStatus = "cancelled_by_host"
	BookingCompleted        BookingStatus = "completed"
	BookingNoShow           BookingStatus = "no_show"
)

// Valid reports whether s is one of the known booking statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingCancelledByGuest,
		BookingCancelledByHost, BookingCompleted, BookingNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCompleted, BookingCancelledByGuest, BookingCancelledByHost, BookingNoShow:
		return true
	}
	return false
}

type Booking struct {
	Id          int           `json:"id"`
	PropertyId  int           `json:"property_id"`
	GuestId     int           `json:"guest_id"`
	HostId      int           `json:"host_id"`
	Status      BookingStatus `json:"status"`
	TotalAmount int64         `json:"total_amount"`
	CheckIn     time.Time     `json:"check_in"`
	CheckOut    time.Time     `json:"check_out"`
	CreatedAt   time.Time     `json:"created_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at,omitempty"`
}
