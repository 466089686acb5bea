package booking

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/npezzotti/go-staychat/internal/database"
	"github.com/npezzotti/go-staychat/internal/types"
)

type Store interface {
	ListElapsedBookings(before time.Time) ([]database.Booking, error)
	UpdateBookingStatus(id int, from, to types.BookingStatus, at time.Time) (database.Booking, error)
}

type Notifier interface {
	NotifyBooking(b types.Booking)
}

// Sweeper completes confirmed bookings whose check-out date has passed.
type Sweeper struct {
	log      *log.Logger
	store    Store
	notifier Notifier
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(logger *log.Logger, store Store, notifier Notifier, interval time.Duration) *Sweeper {
	return &Sweeper{
		log:      logger,
		store:    store,
		notifier: notifier,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(); err != nil {
				s.log.Println("booking sweep:", err)
			} else if n > 0 {
				s.log.Printf("booking sweep completed %d bookings", n)
			}
		}
	}
}

// Sweep applies confirmed -> completed as the system role to every elapsed
// booking and returns how many were completed.
func (s *Sweeper) Sweep() (int, error) {
	now := s.now()
	elapsed, err := s.store.ListElapsedBookings(now)
	if err != nil {
		return 0, err
	}

	var completed int
	for _, dbBooking := range elapsed {
		b := dbBooking.ToType()
		next, err := Transition(b, types.BookingCompleted, RoleSystem, now)
		if err != nil {
			s.log.Printf("skipping booking %d: %v", b.Id, err)
			continue
		}

		updated, err := s.store.UpdateBookingStatus(b.Id, b.Status, next.Status, now)
		if err != nil {
			if errors.Is(err, database.ErrStatusConflict) {
				continue
			}
			return completed, err
		}

		completed++
		if s.notifier != nil {
			s.notifier.NotifyBooking(updated.ToType())
		}
	}

	return completed, nil
}
