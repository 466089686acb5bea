package server

import (
	"encoding/json"
	"strings"

	"github.com/npezzotti/go-staychat/internal/protocol"
)

// ClientMessage is an inbound frame annotated with the connection and user
// it arrived on.
type ClientMessage struct {
	protocol.ClientMessage
	UserId int
	client *Client
}

// fromClient reports whether the frame was sent by a peer, as opposed to one
// synthesized by the server during cleanup.
func (m *ClientMessage) fromClient() bool {
	return m.Id > 0
}

func (m *ClientMessage) conversationId() string {
	switch {
	case m.Join != nil:
		return m.Join.ConversationId
	case m.Leave != nil:
		return m.Leave.ConversationId
	case m.Publish != nil:
		return m.Publish.ConversationId
	case m.Typing != nil:
		return m.Typing.ConversationId
	case m.Read != nil:
		return m.Read.ConversationId
	}
	return ""
}

// validatePublish returns a reason the publish payload is unacceptable, or
// the empty string.
func validatePublish(p *protocol.Publish) string {
	switch {
	case strings.TrimSpace(p.Content) == "":
		return "message content is empty"
	case protocol.ContentLength(p.Content) > protocol.MaxContentLength:
		return "message content is too long"
	case p.CorrelationId == "":
		return "missing correlation id"
	}
	return ""
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
