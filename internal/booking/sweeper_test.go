package booking

import (
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-staychat/internal/database"
	"github.com/npezzotti/go-staychat/internal/testutil"
	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type recordingNotifier struct {
	bookings []types.Booking
}

func (n *recordingNotifier) NotifyBooking(b types.Booking) {
	n.bookings = append(n.bookings, b)
}

func TestSweep(t *testing.T) {
	db := &database.MockStayChatRepository{}
	defer db.AssertExpectations(t)

	notifier := &recordingNotifier{}
	s := NewSweeper(testutil.TestLogger(t), db, notifier, time.Minute)
	s.now = func() time.Time { return now }

	elapsed := []database.Booking{
		{Id: 1, GuestId: guestId, HostId: hostId, Status: types.BookingConfirmed, CheckOut: now.Add(-time.Hour)},
		{Id: 2, GuestId: guestId, HostId: hostId, Status: types.BookingConfirmed, CheckOut: now.Add(-2 * time.Hour)},
		// not yet elapsed; the state machine rejects it even if the store returns it
		{Id: 3, GuestId: guestId, HostId: hostId, Status: types.BookingConfirmed, CheckOut: now.Add(time.Hour)},
	}

	db.On("ListElapsedBookings", now).Return(elapsed, nil).Once()
	db.On("UpdateBookingStatus", 1, types.BookingConfirmed, types.BookingCompleted, now).
		Return(database.Booking{Id: 1, GuestId: guestId, HostId: hostId, Status: types.BookingCompleted}, nil).Once()
	db.On("UpdateBookingStatus", 2, types.BookingConfirmed, types.BookingCompleted, now).
		Return(database.Booking{}, database.ErrStatusConflict).Once()

	n, err := s.Sweep()
	assert.NoError(t, err)
	assert.Equal(t, 1, n, "expected one booking to be completed")
	if assert.Len(t, notifier.bookings, 1) {
		assert.Equal(t, 1, notifier.bookings[0].Id)
		assert.Equal(t, types.BookingCompleted, notifier.bookings[0].Status)
	}
	db.AssertNotCalled(t, "UpdateBookingStatus", 3, mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepListError(t *testing.T) {
	db := &database.MockStayChatRepository{}
	defer db.AssertExpectations(t)

	s := NewSweeper(testutil.TestLogger(t), db, nil, time.Minute)
	s.now = func() time.Time { return now }

	db.On("ListElapsedBookings", now).Return(nil, errors.New("db down")).Once()

	n, err := s.Sweep()
	assert.Error(t, err)
	assert.Zero(t, n)
}
