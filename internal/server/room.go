package server

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-staychat/internal/database"
	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/stats"
	"github.com/npezzotti/go-staychat/internal/types"
)

type exitReq struct {
	idle   bool
	result chan bool
}

type typingExpiry struct {
	userId int
	gen    int
}

type typingEntry struct {
	timer *time.Timer
	gen   int
}

// Room is the broadcast scope of one conversation. All of its state is owned
// by the start goroutine; clientLock only guards the client sets, which
// tests and cleanup read from other goroutines.
type Room struct {
	id            int
	externalId    string
	conv          types.Conversation
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	typingExpired chan typingExpiry
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	typing        map[int]*typingEntry
	log           *log.Logger
	idleTimeout   time.Duration
	typingTimeout time.Duration
	// killTimer unloads the room once it has had no clients for idleTimeout.
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(r.idleTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Publish != nil:
				r.handlePublish(msg)
			case msg.Typing != nil:
				r.handleTyping(msg)
			case msg.Read != nil:
				r.handleRead(msg)
			}
		case exp := <-r.typingExpired:
			r.handleTypingExpired(exp)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				close(r.done)
				return
			}
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId, idle: true}:
	default:
		r.log.Printf("unload channel full, retrying later for room %q", r.externalId)
		r.killTimer.Reset(r.idleTimeout)
	}
}

// handleRoomExit reports whether the room shut down. An idle exit is refused
// if clients joined after the kill timer fired.
func (r *Room) handleRoomExit(e exitReq) bool {
	if e.idle && (len(r.clients) > 0 || len(r.joinChan) > 0) {
		e.result <- false
		return false
	}

	r.log.Printf("room %q is exiting", r.externalId)
	for userId, entry := range r.typing {
		entry.timer.Stop()
		delete(r.typing, userId)
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[int]map[*Client]struct{})
	r.clientLock.Unlock()

	for {
		select {
		case join := <-r.joinChan:
			join.client.queueMessage(protocol.ErrServiceUnavailable(join.Id))
			continue
		default:
		}
		break
	}

	e.result <- true
	return true
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client
	if !r.conv.HasParticipant(c.user.Id) {
		c.queueMessage(protocol.ErrForbidden(join.Id))
		r.resetKillTimerIfEmpty()
		return
	}

	r.killTimer.Stop()

	if _, ok := r.getClient(c); !ok {
		r.addClient(c)
		r.log.Printf("user %d joined room %q", c.user.Id, r.externalId)
	}

	c.queueMessage(protocol.NoErrOK(join.Id, r.conv))

	// catch the joiner up on who is typing right now
	for userId := range r.typing {
		if userId == c.user.Id {
			continue
		}
		c.queueMessage(r.typingMessage(userId, true))
	}
}

func (r *Room) handleLeave(leave *ClientMessage) {
	c := leave.client
	if _, ok := r.getClient(c); ok {
		r.removeClient(c)
		r.log.Printf("user %d left room %q", c.user.Id, r.externalId)

		if !r.userPresent(c.user.Id) {
			r.clearTyping(c.user.Id)
		}
	}

	if leave.fromClient() {
		c.queueMessage(protocol.NoErrOK(leave.Id, nil))
	}
}

func (r *Room) handlePublish(msg *ClientMessage) {
	c := msg.client
	if _, ok := r.getClient(c); !ok {
		c.queueMessage(protocol.ErrNotJoined(msg.Id))
		return
	}

	if reason := validatePublish(msg.Publish); reason != "" {
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id, reason))
		return
	}

	// a retried send reuses its correlation id; acknowledge the stored copy
	existing, err := r.cs.db.GetMessageByCorrelationId(r.id, c.user.Id, msg.Publish.CorrelationId)
	if err == nil {
		c.queueMessage(protocol.NoErrAccepted(msg.Id, existing.ToType(r.externalId)))
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.log.Println("GetMessageByCorrelationId:", err)
		c.queueMessage(protocol.ErrInternalError(msg.Id))
		return
	}

	saved, err := r.cs.db.CreateMessage(database.CreateMessageParams{
		ConversationId: r.id,
		SenderId:       c.user.Id,
		Content:        msg.Publish.Content,
		CorrelationId:  msg.Publish.CorrelationId,
		CreatedAt:      protocol.Now(),
	})
	if err != nil {
		r.log.Println("CreateMessage:", err)
		c.queueMessage(protocol.ErrInternalError(msg.Id))
		return
	}

	message := saved.ToType(r.externalId)
	c.queueMessage(protocol.NoErrAccepted(msg.Id, message))
	r.cs.stats.Incr(stats.NumMessagesSent)

	broadcast := &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{
			Timestamp: protocol.Now(),
		},
		Message: &message,
	}
	r.broadcast(broadcast, nil)

	// participants without a connection in the room still need the message
	// for their conversation list
	var absent []int
	for _, userId := range []int{r.conv.GuestId, r.conv.HostId} {
		if !r.userPresent(userId) {
			absent = append(absent, userId)
		}
	}
	if len(absent) > 0 {
		r.cs.sendToUsers(broadcast, absent...)
	}

	r.clearTyping(c.user.Id)
}

func (r *Room) handleTyping(msg *ClientMessage) {
	c := msg.client
	if _, ok := r.getClient(c); !ok {
		return
	}

	r.cs.stats.Incr(stats.NumTypingSignals)
	if msg.Typing.IsTyping {
		r.setTyping(c.user.Id)
	} else {
		r.clearTyping(c.user.Id)
	}
}

func (r *Room) handleRead(msg *ClientMessage) {
	if err := r.cs.db.UpdateLastReadAt(r.id, msg.UserId, msg.Timestamp); err != nil {
		r.log.Println("UpdateLastReadAt:", err)
		msg.client.queueMessage(protocol.ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(protocol.NoErrOK(msg.Id, nil))
}

// setTyping marks userId as typing and re-arms its watchdog. Only the
// transition into typing is broadcast.
func (r *Room) setTyping(userId int) {
	entry, ok := r.typing[userId]
	if ok {
		entry.timer.Stop()
		entry.gen++
	} else {
		entry = &typingEntry{}
		r.typing[userId] = entry
		r.broadcast(r.typingMessage(userId, true), func(c *Client) bool { return c.user.Id == userId })
	}

	exp := typingExpiry{userId: userId, gen: entry.gen}
	entry.timer = time.AfterFunc(r.typingTimeout, func() {
		select {
		case r.typingExpired <- exp:
		case <-r.done:
		}
	})
}

func (r *Room) clearTyping(userId int) {
	entry, ok := r.typing[userId]
	if !ok {
		return
	}

	entry.timer.Stop()
	delete(r.typing, userId)
	r.broadcast(r.typingMessage(userId, false), func(c *Client) bool { return c.user.Id == userId })
}

func (r *Room) handleTypingExpired(exp typingExpiry) {
	entry, ok := r.typing[exp.userId]
	if !ok || entry.gen != exp.gen {
		// refreshed or cleared after the timer fired
		return
	}

	r.log.Printf("typing watchdog expired for user %d in room %q", exp.userId, r.externalId)
	r.clearTyping(exp.userId)
}

func (r *Room) typingMessage(userId int, isTyping bool) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{
			Timestamp: protocol.Now(),
		},
		Notification: &protocol.Notification{
			Typing: &protocol.Typing{
				ConversationId: r.externalId,
				UserId:         userId,
				IsTyping:       isTyping,
			},
		},
	}
}

func (r *Room) resetKillTimerIfEmpty() {
	if len(r.clients) == 0 {
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return c, ok
}

func (r *Room) userPresent(userId int) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.userMap[userId]) > 0
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		if r.killTimer != nil {
			r.killTimer.Reset(r.idleTimeout)
		}
	}
}

// broadcast queues msg for every client in the room for which skip returns
// false. A nil skip sends to everyone.
func (r *Room) broadcast(msg *protocol.ServerMessage, skip func(*Client) bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if skip != nil && skip(client) {
			continue
		}

		client.queueMessage(msg)
	}
}
