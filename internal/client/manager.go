package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/npezzotti/go-staychat/internal/auth"
	"github.com/npezzotti/go-staychat/internal/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is the authenticated identity behind a connection.
type Session struct {
	UserId int
	Token  string

	mgr *Manager
}

func (s *Session) State() State {
	return s.mgr.State()
}

type backoffPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64
}

// delay returns the wait before reconnect attempt n (zero based).
func (b backoffPolicy) delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	if b.jitter > 0 {
		d = time.Duration(float64(d) * (1 + b.jitter*(2*b.rand()-1)))
	}
	return d
}

// Manager owns the single realtime connection of a session. It reconnects
// with backoff after transport failures and correlates responses with the
// requests that caused them.
type Manager struct {
	log     *log.Logger
	dialer  Dialer
	url     string
	backoff backoffPolicy

	mu         sync.Mutex
	state      State
	session    *Session
	conn       Conn
	gen        int
	nextId     int
	pending    map[int]chan *protocol.Response
	ctx        context.Context
	cancel     context.CancelFunc
	connecting chan struct{}
	connectErr error
	lastErr    error
	listeners  []func(from, to State)
	handler    func(*protocol.ServerMessage)
	resync     func(ctx context.Context)

	wmu sync.Mutex
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		log:    opts.Logger,
		dialer: opts.Dialer,
		url:    opts.ServerURL,
		backoff: backoffPolicy{
			base:   opts.BackoffBase,
			max:    opts.BackoffMax,
			jitter: opts.BackoffJitter,
			rand:   rand.Float64,
		},
		pending: make(map[int]chan *protocol.Response),
	}
}

// OnStateChange registers fn to be called after every state transition.
// Listeners run on the goroutine that caused the transition and must not
// block.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// setHandler sets the receiver of frames that are not responses. It runs on
// the read goroutine, so it must not wait on a request.
func (m *Manager) setHandler(fn func(*protocol.ServerMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// setResync sets the hook run after a reconnect succeeds.
func (m *Manager) setResync(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resync = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session, or nil when disconnected.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Err returns the error that last moved the manager to disconnected, such
// as a rejected token during reconnect.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect opens the connection for token. While a connection exists, or is
// being opened, it returns that session instead of dialing again.
func (m *Manager) Connect(ctx context.Context, token string) (*Session, error) {
	userId, err := auth.UserIdFromToken(token)
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected, StateReconnecting:
		s := m.session
		m.mu.Unlock()
		return s, nil
	case StateConnecting:
		wait := m.connecting
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session == nil {
			return nil, m.connectErr
		}
		return m.session, nil
	}

	attempt := make(chan struct{})
	m.connecting = attempt
	m.connectErr = nil
	m.lastErr = nil
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	conn, err := m.dialer.Dial(ctx, m.url, token)

	m.mu.Lock()
	defer close(attempt)
	if m.connecting != attempt || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil, &NetworkError{Op: "connect", Err: errDisconnected}
	}

	if err != nil {
		m.connectErr = err
		m.lastErr = err
		notify = m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		notify()
		return nil, err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.session = &Session{UserId: userId, Token: token, mgr: m}
	m.attachLocked(conn)
	notify = m.setStateLocked(StateConnected)
	s := m.session
	m.mu.Unlock()
	notify()

	m.log.Printf("connected as user %d", userId)
	return s, nil
}

// Disconnect closes the connection and stops reconnecting. Requests still
// waiting for a response fail with a NetworkError.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.session = nil
	m.connectErr = &NetworkError{Op: "connect", Err: errDisconnected}
	m.failPendingLocked()
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()
}

// Request sends msg and waits for the response carrying the same id.
func (m *Manager) Request(ctx context.Context, msg *protocol.ClientMessage) (*protocol.Response, error) {
	ch, release, err := m.transmit(msg)
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &NetworkError{Op: "request", Err: errConnectionLost}
		}
		return resp, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Send writes msg without expecting a response.
func (m *Manager) Send(msg *protocol.ClientMessage) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()
	if !connected {
		return &NetworkError{Op: "send", Err: errNotConnected}
	}

	msg.Id = 0
	msg.Timestamp = protocol.Now()
	if err := m.write(conn, msg); err != nil {
		return &NetworkError{Op: "send", Err: err}
	}
	return nil
}

// transmit assigns msg an id, writes it and returns the channel its response
// arrives on. The write has happened when transmit returns. The channel is
// closed if the connection goes away first. release stops tracking the
// request.
func (m *Manager) transmit(msg *protocol.ClientMessage) (<-chan *protocol.Response, func(), error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, nil, &NetworkError{Op: "send", Err: errNotConnected}
	}
	m.nextId++
	id := m.nextId
	msg.Id = id
	msg.Timestamp = protocol.Now()
	ch := make(chan *protocol.Response, 1)
	m.pending[id] = ch
	conn := m.conn
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}

	if err := m.write(conn, msg); err != nil {
		release()
		return nil, nil, &NetworkError{Op: "send", Err: err}
	}

	return ch, release, nil
}

func (m *Manager) write(conn Conn, v any) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteJSON(v)
}

// attachLocked installs conn and starts reading from it.
func (m *Manager) attachLocked(conn Conn) {
	m.conn = conn
	m.gen++
	go m.readLoop(conn, m.gen)
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			m.connectionLost(gen, err)
			return
		}

		if msg.Response != nil {
			m.mu.Lock()
			ch, ok := m.pending[msg.Id]
			delete(m.pending, msg.Id)
			m.mu.Unlock()
			if ok {
				ch <- msg.Response
			} else {
				m.log.Printf("unsolicited response %d: %d %s", msg.Id, msg.Response.ResponseCode, msg.Response.Error)
			}
			continue
		}

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			h(&msg)
		}
	}
}

func (m *Manager) connectionLost(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	m.log.Printf("connection lost: %v", err)
	m.conn.Close()
	m.conn = nil
	m.failPendingLocked()
	notify := m.setStateLocked(StateReconnecting)
	ctx, token := m.ctx, m.session.Token
	m.mu.Unlock()
	notify()

	go m.reconnect(ctx, token)
}

func (m *Manager) reconnect(ctx context.Context, token string) {
	for attempt := 0; ; attempt++ {
		t := time.NewTimer(m.backoff.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		conn, err := m.dialer.Dial(ctx, m.url, token)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				m.reconnectRejected(ctx, err)
				return
			}
			m.log.Printf("reconnect attempt %d: %v", attempt+1, err)
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil || m.state != StateReconnecting {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.attachLocked(conn)
		notify := m.setStateLocked(StateConnected)
		resync := m.resync
		m.mu.Unlock()
		notify()

		m.log.Printf("reconnected after %d attempts", attempt+1)
		if resync != nil {
			resync(ctx)
		}
		return
	}
}

func (m *Manager) reconnectRejected(ctx context.Context, err error) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.log.Printf("reconnect rejected: %v", err)
	m.lastErr = err
	m.cancel()
	m.cancel = nil
	m.session = nil
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()
}

func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

// setStateLocked moves to state to and returns a func that notifies
// listeners. Call it after releasing the lock.
func (m *Manager) setStateLocked(to State) func() {
	from := m.state
	m.state = to
	if from == to {
		return func() {}
	}

	listeners := make([]func(from, to State), len(m.listeners))
	copy(listeners, m.listeners)
	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}
