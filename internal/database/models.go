package database

import (
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
)

type Conversation struct {
	Id              int
	ExternalId      string
	GuestId         int
	HostId          int
	PropertyId      int
	GuestLastReadAt time.Time
	HostLastReadAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c Conversation) ToType() types.Conversation {
	return types.Conversation{
		Id:         c.ExternalId,
		GuestId:    c.GuestId,
		HostId:     c.HostId,
		PropertyId: c.PropertyId,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

type ConversationSummary struct {
	Conversation
	LastReadAt  time.Time
	LastMessage *Message
	UnreadCount int
}

type Message struct {
	Id             int
	ConversationId int
	SenderId       int
	Content        string
	CorrelationId  string
	CreatedAt      time.Time
}

// ToType converts m for the wire. The external conversation id is not
// stored on the message row, so callers pass it in.
func (m Message) ToType(conversationExternalId string) types.Message {
	return types.Message{
		Id:             m.Id,
		ConversationId: conversationExternalId,
		SenderId:       m.SenderId,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		CorrelationId:  m.CorrelationId,
	}
}

type Booking struct {
	Id          int
	PropertyId  int
	GuestId     int
	HostId      int
	Status      types.BookingStatus
	TotalAmount int64
	CheckIn     time.Time
	CheckOut    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b Booking) ToType() types.Booking {
	return types.Booking{
		Id:          b.Id,
		PropertyId:  b.PropertyId,
		GuestId:     b.GuestId,
		HostId:      b.HostId,
		Status:      b.Status,
		TotalAmount: b.TotalAmount,
		CheckIn:     b.CheckIn,
		CheckOut:    b.CheckOut,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

type CreateConversationParams struct {
	ExternalId string
	GuestId    int
	HostId     int
	PropertyId int
}

type CreateMessageParams struct {
	ConversationId int
	SenderId       int
	Content        string
	CorrelationId  string
	CreatedAt      time.Time
}
