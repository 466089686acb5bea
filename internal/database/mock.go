package database

import (
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockStayChatRepository struct {
	mock.Mock
}

func (m *MockStayChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStayChatRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStayChatRepository) GetConversationByParticipants(guestId, hostId, propertyId int) (Conversation, error) {
	args := m.Called(guestId, hostId, propertyId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStayChatRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStayChatRepository) ListConversationSummaries(userId int) ([]ConversationSummary, error) {
	args := m.Called(userId)
	if summaries, ok := args.Get(0).([]ConversationSummary); ok {
		return summaries, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStayChatRepository) UpdateLastReadAt(conversationId, userId int, at time.Time) error {
	args := m.Called(conversationId, userId, at)
	return args.Error(0)
}
func (m *MockStayChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStayChatRepository) GetMessageByCorrelationId(conversationId, senderId int, correlationId string) (Message, error) {
	args := m.Called(conversationId, senderId, correlationId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStayChatRepository) GetMessagesAfter(conversationId int, after time.Time, afterId, limit int) ([]Message, error) {
	args := m.Called(conversationId, after, afterId, limit)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStayChatRepository) GetBooking(id int) (Booking, error) {
	args := m.Called(id)
	return args.Get(0).(Booking), args.Error(1)
}
func (m *MockStayChatRepository) UpdateBookingStatus(id int, from, to types.BookingStatus, at time.Time) (Booking, error) {
	args := m.Called(id, from, to, at)
	return args.Get(0).(Booking), args.Error(1)
}
func (m *MockStayChatRepository) ListElapsedBookings(before time.Time) ([]Booking, error) {
	args := m.Called(before)
	if bookings, ok := args.Get(0).([]Booking); ok {
		return bookings, args.Error(1)
	}
	return nil, args.Error(1)
}
