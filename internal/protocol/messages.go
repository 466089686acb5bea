// Package protocol defines the websocket frames exchanged between the
// conversation server and its clients.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-staychat/internal/types"
)

const (
	// MaxContentLength is the longest message content accepted, in
	// characters.
	MaxContentLength = 2000
	// MaxFrameSize bounds an encoded client frame. JSON escapes some
	// characters to six bytes, so content at MaxContentLength plus the
	// envelope always fits.
	MaxFrameSize = 16 << 10
)

// ContentLength returns the length of content in characters.
func ContentLength(content string) int {
	return utf8.RuneCountInString(content)
}

// FrameSize returns the encoded size of msg, the way it is written to the
// connection.
func FrameSize(msg *ClientMessage) (int, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	// the stream encoder terminates each value with a newline
	return len(raw) + 1, nil
}

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame sent by a client. Exactly one of the payload
// fields is set.
type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join_conversation,omitempty"`
	Leave   *Leave   `json:"leave_conversation,omitempty"`
	Publish *Publish `json:"send_message,omitempty"`
	Typing  *Typing  `json:"typing,omitempty"`
	Read    *Read    `json:"read,omitempty"`
}

type Join struct {
	ConversationId string `json:"conversation_id"`
}

type Leave struct {
	ConversationId string `json:"conversation_id"`
}

type Publish struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	CorrelationId  string `json:"correlation_id"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type Read struct {
	ConversationId string `json:"conversation_id"`
}

// ServerMessage is a frame sent by the server: a response to a client
// frame, a broadcast chat message, or a notification.
type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Ok reports whether the response code is in the 2xx range.
func (r *Response) Ok() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type Notification struct {
	Typing  *Typing        `json:"typing,omitempty"`
	Booking *types.Booking `json:"booking,omitempty"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}

	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Response.Data = raw
		}
	}

	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return response(id, http.StatusAccepted, "", data)
}

func ErrInvalidMessage(id int, reason string) *ServerMessage {
	if reason == "" {
		reason = "invalid message format"
	}
	return response(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "forbidden", nil)
}

func ErrConversationNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "conversation not found", nil)
}

func ErrNotJoined(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "conversation not joined", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

// Now returns the current time as carried on the wire: UTC, millisecond
// precision.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
