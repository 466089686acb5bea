package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-staychat/internal/booking"
	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/types"
)

// ErrSendTimeout marks a message whose acknowledgment did not arrive within
// the ack timeout. It affects only that message.
var ErrSendTimeout = errors.New("send timed out")

var (
	errNotConnected   = errors.New("not connected")
	errConnectionLost = errors.New("connection lost")
	errDisconnected   = errors.New("disconnected")
)

// AuthError is terminal: the token was rejected and the manager stops
// retrying until Connect is called with a new one.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type NotJoinedError struct {
	ConversationId string
}

func (e *NotJoinedError) Error() string {
	return fmt.Sprintf("conversation %q not joined", e.ConversationId)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is returned when the server refuses a booking
// transition. Current holds the authoritative status fetched afterwards, or
// is empty if the refetch failed too.
type InvalidTransitionError struct {
	BookingId int
	To        types.BookingStatus
	Current   types.BookingStatus
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("booking %d: cannot move to %s", e.BookingId, e.To)
	if e.Current != "" {
		msg += fmt.Sprintf(" from %s", e.Current)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error {
	return booking.ErrInvalidTransition
}

// StatusError is a request the server answered with a non-2xx code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// responseError converts a rejected websocket response into the matching
// client error.
func responseError(conversationId string, resp *protocol.Response) error {
	switch resp.ResponseCode {
	case http.StatusBadRequest:
		return &ValidationError{Reason: resp.Error}
	case http.StatusNotFound:
		if resp.Error == "conversation not joined" {
			return &NotJoinedError{ConversationId: conversationId}
		}
	}
	return &StatusError{Code: resp.ResponseCode, Message: resp.Error}
}
