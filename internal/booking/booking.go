// Package booking implements the booking lifecycle: which status transitions
// exist, who may apply them, and which actions a viewer is offered.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
)

type Role string

const (
	RoleNone   Role = ""
	RoleGuest  Role = "guest"
	RoleHost   Role = "host"
	RoleSystem Role = "system"
)

var ErrInvalidTransition = errors.New("invalid booking transition")

// TransitionError describes a rejected transition. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From   types.BookingStatus
	To     types.BookingStatus
	Role   Role
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s by %q: %s", ErrInvalidTransition, e.From, e.To, e.Role, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type rule struct {
	from   types.BookingStatus
	to     types.BookingStatus
	action string
	roles  []Role
	// afterCheckOut restricts the transition to bookings whose checkOut
	// has passed.
	afterCheckOut bool
}

var rules = []rule{
	{from: types.BookingPending, to: types.BookingConfirmed, action: "confirm", roles: []Role{RoleHost}},
	{from: types.BookingPending, to: types.BookingCancelledByGuest, action: "cancel", roles: []Role{RoleGuest}},
	{from: types.BookingConfirmed, to: types.BookingCancelledByGuest, action: "cancel", roles: []Role{RoleGuest}},
	{from: types.BookingPending, to: types.BookingCancelledByHost, action: "cancel", roles: []Role{RoleHost}},
	{from: types.BookingConfirmed, to: types.BookingCancelledByHost, action: "cancel", roles: []Role{RoleHost}},
	{from: types.BookingConfirmed, to: types.BookingCompleted, action: "complete", roles: []Role{RoleSystem, RoleHost}, afterCheckOut: true},
	{from: types.BookingConfirmed, to: types.BookingNoShow, action: "mark_no_show", roles: []Role{RoleHost}},
}

func (r rule) allows(role Role) bool {
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// RoleOf returns the role userId plays in b, or RoleNone.
func RoleOf(b types.Booking, userId int) Role {
	switch {
	case userId == 0:
		return RoleNone
	case b.HostId == userId:
		return RoleHost
	case b.GuestId == userId:
		return RoleGuest
	}
	return RoleNone
}

// Check returns nil if role may move b to status to at time now.
func Check(b types.Booking, to types.BookingStatus, role Role, now time.Time) error {
	reject := func(reason string) error {
		return &TransitionError{From: b.Status, To: to, Role: role, Reason: reason}
	}

	if !to.Valid() {
		return reject("unknown status")
	}
	if b.Status.Terminal() {
		return reject("booking is in a terminal state")
	}

	var matched bool
	for _, r := range rules {
		if r.from != b.Status || r.to != to {
			continue
		}
		matched = true
		if !r.allows(role) {
			continue
		}
		if r.afterCheckOut && !now.After(b.CheckOut) {
			return reject("check-out date has not passed")
		}
		return nil
	}

	if matched {
		return reject("role not permitted")
	}
	return reject("no such transition")
}

// Transition returns a copy of b moved to status to, or b unchanged and an
// error wrapping ErrInvalidTransition.
func Transition(b types.Booking, to types.BookingStatus, role Role, now time.Time) (types.Booking, error) {
	if err := Check(b, to, role, now); err != nil {
		return b, err
	}

	b.Status = to
	b.UpdatedAt = now
	return b, nil
}

type Action struct {
	Name   string              `json:"name"`
	Target types.BookingStatus `json:"target"`
}

// Actions lists the transitions role could request on b right now. It is a
// projection for presentation only; Check remains authoritative.
func Actions(b types.Booking, role Role, now time.Time) []Action {
	var actions []Action
	for _, r := range rules {
		if r.from != b.Status || !r.allows(role) {
			continue
		}
		if r.afterCheckOut && !now.After(b.CheckOut) {
			continue
		}
		actions = append(actions, Action{Name: r.action, Target: r.to})
	}
	return actions
}
