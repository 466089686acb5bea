package client

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-staychat/internal/booking"
	"github.com/npezzotti/go-staychat/internal/types"
)

type bookingAPI interface {
	Booking(ctx context.Context, id int) (types.Booking, error)
	UpdateBookingStatus(ctx context.Context, id int, status types.BookingStatus) (types.Booking, error)
}

// Bookings caches booking records from the server. Status changes are only
// requested here, never computed; the cached status drives which actions
// the UI offers.
type Bookings struct {
	api bookingAPI
	now func() time.Time

	mu        sync.Mutex
	cache     map[int]types.Booking
	listeners []func(types.Booking)
}

func newBookings(api bookingAPI) *Bookings {
	return &Bookings{
		api:   api,
		now:   time.Now,
		cache: make(map[int]types.Booking),
	}
}

// OnChange registers fn for every booking whose cached record changes.
func (b *Bookings) OnChange(fn func(types.Booking)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Get fetches the booking from the server and caches it.
func (b *Bookings) Get(ctx context.Context, id int) (types.Booking, error) {
	bk, err := b.api.Booking(ctx, id)
	if err != nil {
		return types.Booking{}, err
	}
	b.Apply(bk)
	return bk, nil
}

// Cached returns the last known record of booking id.
func (b *Bookings) Cached(id int) (types.Booking, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.cache[id]
	return bk, ok
}

// Transition asks the server to move booking id to status to. A refusal
// returns an *InvalidTransitionError after refetching the booking so the
// cache shows the authoritative status.
func (b *Bookings) Transition(ctx context.Context, id int, to types.BookingStatus) (types.Booking, error) {
	updated, err := b.api.UpdateBookingStatus(ctx, id, to)
	if err == nil {
		b.Apply(updated)
		return updated, nil
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) ||
		(statusErr.Code != http.StatusConflict && statusErr.Code != http.StatusForbidden) {
		return types.Booking{}, err
	}

	ite := &InvalidTransitionError{BookingId: id, To: to, Reason: statusErr.Message}
	current, ferr := b.Get(ctx, id)
	if ferr != nil {
		return types.Booking{}, ite
	}
	ite.Current = current.Status
	return current, ite
}

// Actions lists what viewer may request on the cached booking id.
func (b *Bookings) Actions(id, viewer int) []booking.Action {
	bk, ok := b.Cached(id)
	if !ok {
		return nil
	}
	return booking.Actions(bk, booking.RoleOf(bk, viewer), b.now())
}

// Apply stores bk unless the cache already holds a newer record.
func (b *Bookings) Apply(bk types.Booking) {
	b.mu.Lock()
	if cur, ok := b.cache[bk.Id]; ok && cur.UpdatedAt.After(bk.UpdatedAt) {
		b.mu.Unlock()
		return
	}
	b.cache[bk.Id] = bk
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(bk)
	}
}

func (b *Bookings) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.cache)
}
