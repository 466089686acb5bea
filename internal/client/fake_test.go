package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-staychat/internal/auth"
	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/testutil"
	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/stretchr/testify/require"
)

const (
	testGuestId = 1
	testHostId  = 2

	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

var errClosed = errors.New("use of closed connection")

// fakeConn is an in-memory connection. Frames round-trip through JSON like
// they would on the wire.
type fakeConn struct {
	in     chan *protocol.ServerMessage
	out    chan protocol.ClientMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *protocol.ServerMessage, 64),
		out:    make(chan protocol.ClientMessage, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case <-c.closed:
		return io.EOF
	case msg := <-c.in:
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return errClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(msg *protocol.ServerMessage) {
	c.in <- msg
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out scripted results, then fresh connections served by
// server.
type fakeDialer struct {
	server *fakeServer

	mu      sync.Mutex
	results []dialResult
	gate    chan struct{}
	dials   int
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &NetworkError{Op: "dial", Err: ctx.Err()}
		}
	}

	d.mu.Lock()
	d.dials++
	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	}
	if r.err != nil {
		d.mu.Unlock()
		return nil, r.err
	}
	if r.conn == nil {
		r.conn = newFakeConn()
	}
	d.conns = append(d.conns, r.conn)
	d.mu.Unlock()

	if d.server != nil {
		go d.server.serve(r.conn)
	}
	return r.conn, nil
}

// hold makes dials wait until the returned func is called.
func (d *fakeDialer) hold() func() {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.gate = nil
		d.mu.Unlock()
		close(gate)
	}
}

func (d *fakeDialer) script(results ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// current returns the most recent connection.
func (d *fakeDialer) current() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeServer answers client frames the way the conversation server does.
type fakeServer struct {
	userId int

	mu        sync.Mutex
	nextMsgId int
	stored    map[string]types.Message
	frames    []protocol.ClientMessage
	holdAcks  bool
	// dropPublishes closes the connection on every publish, the way the
	// server does with a frame over its read limit.
	dropPublishes bool
	refuse        map[string]int
}

func newFakeServer(userId int) *fakeServer {
	return &fakeServer{
		userId:    userId,
		nextMsgId: 100,
		stored:    make(map[string]types.Message),
		refuse:    make(map[string]int),
	}
}

func (s *fakeServer) serve(conn *fakeConn) {
	for {
		select {
		case <-conn.closed:
			return
		case msg := <-conn.out:
			if s.drops(msg) {
				conn.Close()
				return
			}
			if reply := s.reply(msg); reply != nil {
				select {
				case conn.in <- reply:
				case <-conn.closed:
					return
				}
			}
		}
	}
}

func (s *fakeServer) reply(msg protocol.ClientMessage) *protocol.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)

	switch {
	case msg.Join != nil:
		if code, ok := s.refuse[msg.Join.ConversationId]; ok {
			if code == http.StatusForbidden {
				return protocol.ErrForbidden(msg.Id)
			}
			return protocol.ErrConversationNotFound(msg.Id)
		}
		return protocol.NoErrOK(msg.Id, types.Conversation{
			Id:      msg.Join.ConversationId,
			GuestId: testGuestId,
			HostId:  testHostId,
		})
	case msg.Leave != nil, msg.Read != nil:
		return protocol.NoErrOK(msg.Id, nil)
	case msg.Publish != nil:
		if s.holdAcks {
			return nil
		}
		stored, ok := s.stored[msg.Publish.CorrelationId]
		if !ok {
			s.nextMsgId++
			stored = types.Message{
				Id:             s.nextMsgId,
				ConversationId: msg.Publish.ConversationId,
				SenderId:       s.userId,
				Content:        msg.Publish.Content,
				CreatedAt:      protocol.Now(),
				CorrelationId:  msg.Publish.CorrelationId,
			}
			s.stored[msg.Publish.CorrelationId] = stored
		}
		return protocol.NoErrAccepted(msg.Id, stored)
	}
	return nil
}

func (s *fakeServer) drops(msg protocol.ClientMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Publish == nil || !s.dropPublishes {
		return false
	}
	s.frames = append(s.frames, msg)
	return true
}

func (s *fakeServer) setDropPublishes(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPublishes = drop
}

func (s *fakeServer) setHoldAcks(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdAcks = hold
}

// count returns how many received frames match.
func (s *fakeServer) count(match func(protocol.ClientMessage) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, f := range s.frames {
		if match(f) {
			n++
		}
	}
	return n
}

func isJoin(f protocol.ClientMessage) bool    { return f.Join != nil }
func isLeave(f protocol.ClientMessage) bool   { return f.Leave != nil }
func isPublish(f protocol.ClientMessage) bool { return f.Publish != nil }
func isRead(f protocol.ClientMessage) bool    { return f.Read != nil }

func isTyping(typing bool) func(protocol.ClientMessage) bool {
	return func(f protocol.ClientMessage) bool {
		return f.Typing != nil && f.Typing.IsTyping == typing
	}
}

// fakeAPI serves the REST endpoints the client uses from memory.
type fakeAPI struct {
	mu        sync.Mutex
	messages  map[string][]types.Message
	summaries []types.ConversationSummary
	fetches   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[string][]types.Message)}
}

func (a *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		writeTestJson(w, http.StatusOK, append([]types.ConversationSummary{}, a.summaries...))
	})
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var after time.Time
		if s := r.URL.Query().Get("after"); s != "" {
			after, _ = time.Parse(time.RFC3339Nano, s)
		}
		afterId, _ := strconv.Atoi(r.URL.Query().Get("after_id"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		cursor := types.Message{Id: afterId, CreatedAt: after}

		a.mu.Lock()
		defer a.mu.Unlock()
		a.fetches++
		resp := []types.Message{}
		for _, m := range a.messages[r.PathValue("id")] {
			if cursor.Before(m) {
				resp = append(resp, m)
			}
		}
		slices.SortFunc(resp, func(x, y types.Message) int {
			switch {
			case x.Before(y):
				return -1
			case y.Before(x):
				return 1
			}
			return 0
		})
		if limit > 0 && len(resp) > limit {
			resp = resp[:limit]
		}
		writeTestJson(w, http.StatusOK, resp)
	})
	return mux
}

func (a *fakeAPI) setMessages(conversationId string, msgs ...types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[conversationId] = msgs
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// newAPIServer serves api over HTTP and returns its base URL.
func newAPIServer(t *testing.T, api *fakeAPI) string {
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeTestJson(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Logger = testutil.TestLogger(t)
	opts.BackoffBase = 5 * time.Millisecond
	opts.BackoffMax = 20 * time.Millisecond
	opts.BackoffJitter = 0
	opts.TypingDebounce = 50 * time.Millisecond
	opts.TypingQuiet = 150 * time.Millisecond
	opts.TypingWatchdog = 150 * time.Millisecond
	opts.AckTimeout = 200 * time.Millisecond
	opts.RequestTimeout = time.Second
	return opts
}

func testToken(t *testing.T, userId int) string {
	t.Helper()
	token, err := auth.NewToken([]byte("client-test-key"), userId, time.Hour)
	require.NoError(t, err)
	return token
}

type testHarness struct {
	client *Client
	dialer *fakeDialer
	server *fakeServer
	api    *fakeAPI
}

// newHarness builds a client for the guest backed by a fake server and a
// fake REST API, and connects it.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		server: newFakeServer(testGuestId),
		api:    newFakeAPI(),
	}
	h.dialer = &fakeDialer{server: h.server}

	opts := testOptions(t)
	opts.Dialer = h.dialer
	opts.APIBaseURL = newAPIServer(t, h.api)
	h.client = New(opts)
	t.Cleanup(h.client.Logout)

	_, err := h.client.Connect(context.Background(), testToken(t, testGuestId))
	require.NoError(t, err)
	return h
}

func (h *testHarness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.client.Manager.State() == want
	}, testWait, testTick, "expected state %s", want)
}

// recorder collects listener callbacks.
type recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
