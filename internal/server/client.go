package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *protocol.ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *protocol.ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for user %d", c.user.Id)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for user %d", c.user.Id)
	}()

	c.conn.SetReadLimit(protocol.MaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg.ClientMessage); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(protocol.ErrInvalidMessage(-1, ""))
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	msg.client = c
	msg.UserId = c.user.Id
	msg.Timestamp = protocol.Now()

	if msg.conversationId() == "" {
		if msg.Typing == nil {
			c.queueMessage(protocol.ErrInvalidMessage(msg.Id, "missing conversation id"))
		}
		return
	}

	switch {
	case msg.Join != nil:
		c.joinRoom(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Typing != nil:
		// typing signals are best effort and never answered
		if r := c.getRoom(msg.Typing.ConversationId); r != nil {
			select {
			case r.clientMsgChan <- msg:
			default:
				c.log.Printf("clientMsgChan full for room %q, dropping typing signal", r.externalId)
			}
		}
	case msg.Publish != nil, msg.Read != nil:
		r := c.getRoom(msg.conversationId())
		if r == nil {
			c.queueMessage(protocol.ErrNotJoined(msg.Id))
			return
		}

		select {
		case r.clientMsgChan <- msg:
		default:
			c.queueMessage(protocol.ErrServiceUnavailable(msg.Id))
			c.log.Printf("clientMsgChan full for room %q", r.externalId)
		}
	default:
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id, "unknown message type"))
	}
}

func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for user %d, dropping message", c.user.Id)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient is called both on shutdown and when the read pump exits.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deregisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		select {
		case room.leaveChan <- &ClientMessage{
			ClientMessage: protocol.ClientMessage{
				Leave: &protocol.Leave{ConversationId: room.externalId},
			},
			UserId: c.user.Id,
			client: c,
		}:
		case <-room.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(protocol.ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.ConversationId)
	if r == nil {
		// leaving a conversation that was never joined is a no-op
		c.queueMessage(protocol.NoErrOK(msg.Id, nil))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for room %q", r.externalId)
		c.queueMessage(protocol.ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if _, ok := c.rooms[id]; ok {
		delete(c.rooms, id)
		c.log.Printf("removed room %q from rooms of user %d", id, c.user.Id)
	}
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
	c.log.Printf("added user %d to room %q", c.user.Id, r.externalId)
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
