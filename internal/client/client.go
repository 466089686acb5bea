// Package client is the conversation client library. A Client owns one
// realtime connection and composes the room tracker, typing engine, message
// pipeline, conversation list and booking cache on top of it.
package client

import (
	"context"
	"log"

	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/types"
)

type Client struct {
	log  *log.Logger
	opts Options
	rest *restClient

	Manager  *Manager
	Rooms    *Tracker
	Typing   *TypingEngine
	Messages *Pipeline
	Inbox    *Inbox
	Bookings *Bookings
}

func New(opts Options) *Client {
	opts = opts.withDefaults()

	c := &Client{
		log:     opts.Logger,
		opts:    opts,
		Manager: NewManager(opts),
	}
	c.rest = newRestClient(opts, c.token)
	c.Rooms = NewTracker(c.Manager, opts)
	c.Typing = newTypingEngine(opts, c.sendTyping, c.Rooms.IsJoined, c.userId)
	c.Messages = newPipeline(c.Manager, c.Rooms, c.rest, opts, c.userId)
	c.Inbox = newInbox(c.userId)
	c.Bookings = newBookings(c.rest)

	c.Messages.OnMessageReceived(c.messageConfirmed)
	c.Manager.setHandler(c.handle)
	c.Manager.setResync(c.resync)
	c.Manager.OnStateChange(c.stateChanged)

	return c
}

func (c *Client) token() string {
	if s := c.Manager.Session(); s != nil {
		return s.Token
	}
	return ""
}

func (c *Client) userId() int {
	if s := c.Manager.Session(); s != nil {
		return s.UserId
	}
	return 0
}

// Connect opens the connection and loads the conversation list. A failure
// to load the list is logged, not returned.
func (c *Client) Connect(ctx context.Context, token string) (*Session, error) {
	s, err := c.Manager.Connect(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := c.refreshInbox(ctx); err != nil {
		c.log.Printf("load conversations: %v", err)
	}
	return s, nil
}

func (c *Client) refreshInbox(ctx context.Context) error {
	summaries, err := c.rest.Conversations(ctx)
	if err != nil {
		return err
	}
	c.Inbox.Hydrate(summaries)
	return nil
}

// OpenConversation joins conversationId, loads its messages and marks it
// read.
func (c *Client) OpenConversation(ctx context.Context, conversationId string) error {
	if err := c.Rooms.Join(ctx, conversationId); err != nil {
		return err
	}
	if err := c.Messages.Resync(ctx, conversationId); err != nil {
		return err
	}

	c.Inbox.SetOpen(conversationId, true)
	c.Inbox.MarkRead(conversationId)
	go c.sendRead(conversationId)
	return nil
}

// CloseConversation stops typing in conversationId and leaves it.
func (c *Client) CloseConversation(ctx context.Context, conversationId string) error {
	c.Typing.closeConversation(conversationId)
	c.Inbox.SetOpen(conversationId, false)
	return c.Rooms.Leave(ctx, conversationId)
}

// StartConversation starts, or finds, the conversation with hostId about
// propertyId.
func (c *Client) StartConversation(ctx context.Context, propertyId, hostId int) (types.Conversation, error) {
	conv, err := c.rest.StartConversation(ctx, propertyId, hostId)
	if err != nil {
		return types.Conversation{}, err
	}
	c.Inbox.Add(conv)
	return conv, nil
}

// SendMessage sends content to conversationId and ends this user's typing
// indicator there.
func (c *Client) SendMessage(conversationId, content string) (string, error) {
	correlationId, err := c.Messages.SendMessage(conversationId, content)
	if err != nil {
		return "", err
	}
	c.Typing.Stop(conversationId)
	return correlationId, nil
}

func (c *Client) NotifyTyping(conversationId string) error {
	return c.Typing.NotifyTyping(conversationId)
}

// Logout closes the connection. Messages still pending become failed.
func (c *Client) Logout() {
	c.Manager.Disconnect()
	c.Inbox.reset()
	c.Bookings.reset()
}

// handle runs on the read goroutine.
func (c *Client) handle(msg *protocol.ServerMessage) {
	switch {
	case msg.Message != nil:
		c.Messages.Receive(*msg.Message)
	case msg.Notification != nil && msg.Notification.Typing != nil:
		t := msg.Notification.Typing
		c.Typing.OnRemoteTyping(t.ConversationId, t.UserId, t.IsTyping)
	case msg.Notification != nil && msg.Notification.Booking != nil:
		c.Bookings.Apply(*msg.Notification.Booking)
	default:
		c.log.Printf("unhandled frame %d", msg.Id)
	}
}

func (c *Client) messageConfirmed(msg types.Message) {
	c.Typing.ClearUser(msg.ConversationId, msg.SenderId)
	if c.Inbox.OnMessage(msg) {
		go c.sendRead(msg.ConversationId)
	}
}

func (c *Client) sendTyping(conversationId string, isTyping bool) {
	err := c.Manager.Send(&protocol.ClientMessage{
		Typing: &protocol.Typing{ConversationId: conversationId, IsTyping: isTyping},
	})
	if err != nil {
		c.log.Printf("typing %s: %v", conversationId, err)
	}
}

// sendRead tells the server conversationId has been read. It waits for the
// response, so it must not run on the read goroutine.
func (c *Client) sendRead(conversationId string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	resp, err := c.Manager.Request(ctx, &protocol.ClientMessage{
		Read: &protocol.Read{ConversationId: conversationId},
	})
	if err != nil {
		c.log.Printf("read %s: %v", conversationId, err)
		return
	}
	if !resp.Ok() {
		c.log.Printf("read %s: %v", conversationId, responseError(conversationId, resp))
	}
}

// resync runs after a reconnect: rooms are joined again, gaps in their logs
// are fetched and queued sends go out.
func (c *Client) resync(ctx context.Context) {
	for _, id := range c.Rooms.rejoinAll(ctx) {
		if err := c.Messages.Resync(ctx, id); err != nil {
			c.log.Printf("resync: %v", err)
		}
	}
	c.Messages.FlushOutbox()

	if err := c.refreshInbox(ctx); err != nil {
		c.log.Printf("refresh conversations: %v", err)
	}
}

func (c *Client) stateChanged(from, to State) {
	c.log.Printf("connection %s -> %s", from, to)
	if to != StateDisconnected {
		return
	}

	err := c.Manager.Err()
	if err == nil {
		err = &NetworkError{Op: "send", Err: errDisconnected}
	}
	c.Typing.reset()
	c.Rooms.reset()
	c.Messages.FailAllPending(err)
}
