package server

import (
	"context"
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

const (
	defaultIdleRoomTimeout = 5 * time.Second
	// DefaultTypingTimeout is how long a typing signal stays valid without
	// a refresh.
	DefaultTypingTimeout = 3 * time.Second
)

type unloadRoomRequest struct {
	roomId string
	// idle requests are refused by rooms that picked up new clients.
	idle bool
}

type userBroadcast struct {
	userIds []int
	msg     *protocol.ServerMessage
}

type ChatServer struct {
	log             *log.Logger
	db              database.StayChatRepository
	stats           stats.StatsProvider
	clients         map[*Client]struct{}
	userMap         map[int]map[*Client]struct{}
	clientsLock     sync.RWMutex
	rooms           map[string]*Room
	joinChan        chan *ClientMessage
	registerChan    chan *Client
	deregisterChan  chan *Client
	unloadRoomChan  chan unloadRoomRequest
	broadcastChan   chan userBroadcast
	stop            chan struct{}
	done            chan struct{}
	idleRoomTimeout time.Duration
	typingTimeout   time.Duration
}

func NewChatServer(logger *log.Logger, db database.StayChatRepository, su stats.StatsProvider) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("nil repository")
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumMessagesSent)
	su.RegisterMetric(stats.NumTypingSignals)

	return &ChatServer{
		log:             logger,
		db:              db,
		stats:           su,
		clients:         make(map[*Client]struct{}),
		userMap:         make(map[int]map[*Client]struct{}),
		rooms:           make(map[string]*Room),
		joinChan:        make(chan *ClientMessage, 256),
		registerChan:    make(chan *Client, 64),
		deregisterChan:  make(chan *Client, 64),
		unloadRoomChan:  make(chan unloadRoomRequest, 64),
		broadcastChan:   make(chan userBroadcast, 256),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		idleRoomTimeout: defaultIdleRoomTimeout,
		typingTimeout:   DefaultTypingTimeout,
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection for user %d", client.user.Id)
			cs.addClient(client)
		case client := <-cs.deregisterChan:
			cs.log.Printf("removing connection for user %d", client.user.Id)
			cs.removeClient(client)
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req.roomId, req.idle)
		case b := <-cs.broadcastChan:
			cs.broadcastToUsers(b)
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for id := range cs.rooms {
				cs.unloadRoom(id, false)
			}

			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	if room, ok := cs.rooms[joinMsg.Join.ConversationId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			joinMsg.client.queueMessage(protocol.ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	conv, err := cs.db.GetConversationByExternalId(joinMsg.Join.ConversationId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			joinMsg.client.queueMessage(protocol.ErrConversationNotFound(joinMsg.Id))
		} else {
			cs.log.Println("GetConversationByExternalId:", err)
			joinMsg.client.queueMessage(protocol.ErrInternalError(joinMsg.Id))
		}
		return
	}

	if !conv.ToType().HasParticipant(joinMsg.UserId) {
		joinMsg.client.queueMessage(protocol.ErrForbidden(joinMsg.Id))
		return
	}

	room := cs.newRoom(conv)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(stats.NumActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

func (cs *ChatServer) newRoom(conv database.Conversation) *Room {
	return &Room{
		id:            conv.Id,
		externalId:    conv.ExternalId,
		conv:          conv.ToType(),
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		typingExpired: make(chan typingExpiry, 64),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		typing:        make(map[int]*typingEntry),
		log:           cs.log,
		idleTimeout:   cs.idleRoomTimeout,
		typingTimeout: cs.typingTimeout,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (cs *ChatServer) unloadRoom(roomId string, idle bool) {
	r, ok := cs.rooms[roomId]
	if !ok {
		return
	}

	result := make(chan bool, 1)
	r.exit <- exitReq{idle: idle, result: result}
	if !<-result {
		cs.log.Printf("room %q is active again, keeping it loaded", roomId)
		return
	}

	<-r.done
	cs.log.Printf("unloaded room %q", roomId)
	delete(cs.rooms, roomId)
	cs.stats.Decr(stats.NumActiveRooms)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(stats.NumActiveClients)
}

func (cs *ChatServer) broadcastToUsers(b userBroadcast) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for _, userId := range b.userIds {
		for c := range cs.userMap[userId] {
			c.queueMessage(b.msg)
		}
	}
}

// sendToUsers queues msg for every connection of the given users without
// blocking the caller.
func (cs *ChatServer) sendToUsers(msg *protocol.ServerMessage, userIds ...int) {
	select {
	case cs.broadcastChan <- userBroadcast{userIds: userIds, msg: msg}:
	default:
		cs.log.Println("broadcast channel full, dropping user notification")
	}
}

// RegisterClient adds a new connection to the server.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

// NotifyBooking pushes a booking status change to the guest and host.
func (cs *ChatServer) NotifyBooking(b types.Booking) {
	cs.sendToUsers(&protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{
			Timestamp: protocol.Now(),
		},
		Notification: &protocol.Notification{
			Booking: &b,
		},
	}, b.GuestId, b.HostId)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
