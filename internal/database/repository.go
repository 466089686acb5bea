package database

import (
	"errors"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
)

// ErrStatusConflict is returned when a conditional booking update finds the
// booking no longer in the expected status.
var ErrStatusConflict = errors.New("booking status changed concurrently")

type StayChatRepository interface {
	Ping() error
	GetConversationByExternalId(externalId string) (Conversation, error)
	GetConversationByParticipants(guestId, hostId, propertyId int) (Conversation, error)
	CreateConversation(params CreateConversationParams) (Conversation, error)
	ListConversationSummaries(userId int) ([]ConversationSummary, error)
	UpdateLastReadAt(conversationId, userId int, at time.Time) error
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageByCorrelationId(conversationId, senderId int, correlationId string) (Message, error)
	GetMessagesAfter(conversationId int, after time.Time, afterId, limit int) ([]Message, error)
	GetBooking(id int) (Booking, error)
	UpdateBookingStatus(id int, from, to types.BookingStatus, at time.Time) (Booking, error)
	ListElapsedBookings(before time.Time) ([]Booking, error)
}
