package booking

import (
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/assert"
)

var (
	now        = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	guestId    = 1
	hostId     = 2
	strangerId = 3
)

func newBooking(status types.BookingStatus, checkOut time.Time) types.Booking {
	return types.Booking{
		Id:       10,
		GuestId:  guestId,
		HostId:   hostId,
		Status:   status,
		CheckIn:  checkOut.Add(-72 * time.Hour),
		CheckOut: checkOut,
	}
}

func TestTransition(t *testing.T) {
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tcases := []struct {
		name     string
		from     types.BookingStatus
		to       types.BookingStatus
		role     Role
		checkOut time.Time
		allowed  bool
	}{
		{name: "host confirms pending", from: types.BookingPending, to: types.BookingConfirmed, role: RoleHost, checkOut: future, allowed: true},
		{name: "guest cannot confirm", from: types.BookingPending, to: types.BookingConfirmed, role: RoleGuest, checkOut: future},
		{name: "guest cancels pending", from: types.BookingPending, to: types.BookingCancelledByGuest, role: RoleGuest, checkOut: future, allowed: true},
		{name: "guest cancels confirmed", from: types.BookingConfirmed, to: types.BookingCancelledByGuest, role: RoleGuest, checkOut: future, allowed: true},
		{name: "host cannot cancel as guest", from: types.BookingPending, to: types.BookingCancelledByGuest, role: RoleHost, checkOut: future},
		{name: "host cancels pending", from: types.BookingPending, to: types.BookingCancelledByHost, role: RoleHost, checkOut: future, allowed: true},
		{name: "host cancels confirmed", from: types.BookingConfirmed, to: types.BookingCancelledByHost, role: RoleHost, checkOut: future, allowed: true},
		{name: "guest cannot cancel as host", from: types.BookingConfirmed, to: types.BookingCancelledByHost, role: RoleGuest, checkOut: future},
		{name: "system completes after checkout", from: types.BookingConfirmed, to: types.BookingCompleted, role: RoleSystem, checkOut: past, allowed: true},
		{name: "host completes after checkout", from: types.BookingConfirmed, to: types.BookingCompleted, role: RoleHost, checkOut: past, allowed: true},
		{name: "completion before checkout", from: types.BookingConfirmed, to: types.BookingCompleted, role: RoleHost, checkOut: future},
		{name: "guest cannot complete", from: types.BookingConfirmed, to: types.BookingCompleted, role: RoleGuest, checkOut: past},
		{name: "pending cannot complete", from: types.BookingPending, to: types.BookingCompleted, role: RoleSystem, checkOut: past},
		{name: "host marks no show", from: types.BookingConfirmed, to: types.BookingNoShow, role: RoleHost, checkOut: future, allowed: true},
		{name: "guest cannot mark no show", from: types.BookingConfirmed, to: types.BookingNoShow, role: RoleGuest, checkOut: future},
		{name: "pending cannot be no show", from: types.BookingPending, to: types.BookingNoShow, role: RoleHost, checkOut: future},
		{name: "terminal stays terminal", from: types.BookingCancelledByGuest, to: types.BookingConfirmed, role: RoleHost, checkOut: future},
		{name: "no way back to pending", from: types.BookingConfirmed, to: types.BookingPending, role: RoleHost, checkOut: future},
		{name: "unknown status", from: types.BookingPending, to: types.BookingStatus("archived"), role: RoleHost, checkOut: future},
		{name: "stranger", from: types.BookingPending, to: types.BookingConfirmed, role: RoleNone, checkOut: future},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBooking(tc.from, tc.checkOut)
			got, err := Transition(b, tc.to, tc.role, now)
			if tc.allowed {
				assert.NoError(t, err)
				assert.Equal(t, tc.to, got.Status, "expected status to change")
				assert.Equal(t, now, got.UpdatedAt, "expected updated at to be set")
				assert.Equal(t, tc.from, b.Status, "expected input booking to be untouched")
				return
			}

			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tc.from, got.Status, "expected status to be unchanged")

			var te *TransitionError
			if assert.True(t, errors.As(err, &te), "expected a TransitionError") {
				assert.Equal(t, tc.from, te.From)
				assert.Equal(t, tc.to, te.To)
				assert.Equal(t, tc.role, te.Role)
			}
		})
	}
}

func TestGuestCancelThenHostConfirm(t *testing.T) {
	b := newBooking(types.BookingPending, now.Add(48*time.Hour))

	b, err := Transition(b, types.BookingCancelledByGuest, RoleOf(b, guestId), now)
	assert.NoError(t, err)
	assert.Equal(t, types.BookingCancelledByGuest, b.Status)

	b, err = Transition(b, types.BookingConfirmed, RoleOf(b, hostId), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, types.BookingCancelledByGuest, b.Status)
}

func TestRoleOf(t *testing.T) {
	b := newBooking(types.BookingPending, now)
	assert.Equal(t, RoleGuest, RoleOf(b, guestId))
	assert.Equal(t, RoleHost, RoleOf(b, hostId))
	assert.Equal(t, RoleNone, RoleOf(b, strangerId))
	assert.Equal(t, RoleNone, RoleOf(b, 0))
}

func TestActions(t *testing.T) {
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	names := func(actions []Action) []string {
		var out []string
		for _, a := range actions {
			out = append(out, a.Name+":"+string(a.Target))
		}
		return out
	}

	tcases := []struct {
		name     string
		status   types.BookingStatus
		role     Role
		checkOut time.Time
		want     []string
	}{
		{name: "host on pending", status: types.BookingPending, role: RoleHost, checkOut: future,
			want: []string{"confirm:confirmed", "cancel:cancelled_by_host"}},
		{name: "guest on pending", status: types.BookingPending, role: RoleGuest, checkOut: future,
			want: []string{"cancel:cancelled_by_guest"}},
		{name: "host on confirmed before checkout", status: types.BookingConfirmed, role: RoleHost, checkOut: future,
			want: []string{"cancel:cancelled_by_host", "mark_no_show:no_show"}},
		{name: "host on confirmed after checkout", status: types.BookingConfirmed, role: RoleHost, checkOut: past,
			want: []string{"cancel:cancelled_by_host", "complete:completed", "mark_no_show:no_show"}},
		{name: "guest on confirmed", status: types.BookingConfirmed, role: RoleGuest, checkOut: past,
			want: []string{"cancel:cancelled_by_guest"}},
		{name: "terminal", status: types.BookingCompleted, role: RoleHost, checkOut: past, want: nil},
		{name: "stranger", status: types.BookingPending, role: RoleNone, checkOut: future, want: nil},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got := Actions(newBooking(tc.status, tc.checkOut), tc.role, now)
			assert.Equal(t, tc.want, names(got))

			for _, a := range got {
				assert.NoError(t, Check(newBooking(tc.status, tc.checkOut), a.Target, tc.role, now),
					"expected offered action %s to pass Check", a.Name)
			}
		})
	}
}
