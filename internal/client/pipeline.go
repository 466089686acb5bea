package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/types"
)

const (
	resyncPageSize = 100
	// maxRequeues is how many connection losses a single send survives
	// before it is failed.
	maxRequeues = 3
)

// DeliveryState is one of Pending, Sent or Failed.
type DeliveryState interface {
	deliveryState()
}

// Pending messages are waiting for the server to acknowledge them.
type Pending struct{}

// Sent messages carry their authoritative id and creation time.
type Sent struct{}

// Failed messages can be retried with the same correlation id.
type Failed struct {
	Err error
}

func (Pending) deliveryState() {}
func (Sent) deliveryState()    {}
func (Failed) deliveryState()  {}

// Entry is one rendered message in a conversation log.
type Entry struct {
	Message types.Message
	State   DeliveryState
}

// Provisional reports whether the entry is still waiting for its
// authoritative id.
func (e Entry) Provisional() bool {
	return e.Message.Id == 0
}

type historyFetcher interface {
	MessagesAfter(ctx context.Context, conversationId string, after time.Time, afterId, limit int) ([]types.Message, error)
}

type conversationLog struct {
	// confirmed is kept sorted by (CreatedAt, Id).
	confirmed []Entry
	ids       map[int]struct{}
	// provisional entries render after confirmed ones, in send order.
	provisional []*Entry
}

// Pipeline owns every conversation log. It appends provisional messages on
// send, reconciles them with server acknowledgments by correlation id and
// merges received messages in server order without duplicates.
type Pipeline struct {
	mgr        *Manager
	rooms      *Tracker
	history    historyFetcher
	log        *log.Logger
	ackTimeout time.Duration
	self       func() int

	mu        sync.Mutex
	logs      map[string]*conversationLog
	outbox    []*Entry
	requeues  map[*Entry]int
	onEntry   []func(Entry)
	onConfirm []func(types.Message)
}

func newPipeline(mgr *Manager, rooms *Tracker, history historyFetcher, opts Options, self func() int) *Pipeline {
	return &Pipeline{
		mgr:        mgr,
		rooms:      rooms,
		history:    history,
		log:        opts.Logger,
		ackTimeout: opts.AckTimeout,
		self:       self,
		logs:       make(map[string]*conversationLog),
		requeues:   make(map[*Entry]int),
	}
}

// OnEntry registers fn for every entry that is added or changes state.
func (p *Pipeline) OnEntry(fn func(Entry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEntry = append(p.onEntry, fn)
}

// OnMessageReceived registers fn for every message that enters a log with
// its authoritative id, whether received or acknowledged. Duplicates are
// not reported.
func (p *Pipeline) OnMessageReceived(fn func(types.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConfirm = append(p.onConfirm, fn)
}

// SendMessage appends a pending message to conversationId and transmits it.
// It returns the correlation id that identifies the message until the
// server assigns its id.
func (p *Pipeline) SendMessage(conversationId, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", &ValidationError{Field: "content", Reason: "message cannot be empty"}
	}
	if protocol.ContentLength(content) > protocol.MaxContentLength {
		return "", &ValidationError{Field: "content", Reason: fmt.Sprintf("message exceeds %d characters", protocol.MaxContentLength)}
	}
	if !p.rooms.IsJoined(conversationId) {
		return "", &NotJoinedError{ConversationId: conversationId}
	}
	if err := checkFrameSize(conversationId, content); err != nil {
		return "", err
	}

	e := &Entry{
		Message: types.Message{
			ConversationId: conversationId,
			SenderId:       p.self(),
			Content:        content,
			CreatedAt:      protocol.Now(),
			CorrelationId:  uuid.NewString(),
		},
		State: Pending{},
	}

	p.mu.Lock()
	l := p.logLocked(conversationId)
	l.provisional = append(l.provisional, e)
	snapshot, listeners := *e, slices.Clone(p.onEntry)
	p.mu.Unlock()

	notifyEntry(listeners, snapshot)
	p.dispatch(e)
	return e.Message.CorrelationId, nil
}

// checkFrameSize rejects a message whose encoded frame the server would
// refuse to read, since that drops the whole connection.
func checkFrameSize(conversationId, content string) error {
	size, err := protocol.FrameSize(&protocol.ClientMessage{
		// the manager assigns the real id and timestamp
		BaseMessage: protocol.BaseMessage{Id: math.MaxInt, Timestamp: protocol.Now()},
		Publish: &protocol.Publish{
			ConversationId: conversationId,
			Content:        content,
			CorrelationId:  uuid.NewString(),
		},
	})
	if err != nil {
		return &ValidationError{Field: "content", Reason: err.Error()}
	}
	if size > protocol.MaxFrameSize {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("message encodes to %d bytes, more than %d", size, protocol.MaxFrameSize)}
	}
	return nil
}

// Retry sends a failed message again under its original correlation id, so
// the server stores it at most once.
func (p *Pipeline) Retry(conversationId, correlationId string) error {
	if !p.rooms.IsJoined(conversationId) {
		return &NotJoinedError{ConversationId: conversationId}
	}

	p.mu.Lock()
	e := p.provisionalLocked(conversationId, correlationId)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("no unsent message %q in %s", correlationId, conversationId)
	}
	if _, failed := e.State.(Failed); !failed {
		p.mu.Unlock()
		return nil
	}
	e.State = Pending{}
	snapshot, listeners := *e, slices.Clone(p.onEntry)
	p.mu.Unlock()

	notifyEntry(listeners, snapshot)
	p.dispatch(e)
	return nil
}

// dispatch transmits e now if connected, or queues it until the next
// resync.
func (p *Pipeline) dispatch(e *Entry) {
	if p.mgr.State() != StateConnected {
		p.enqueue(e)
		return
	}
	p.transmit(e)
}

func (p *Pipeline) enqueue(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, pending := e.State.(Pending); pending && !slices.Contains(p.outbox, e) {
		p.outbox = append(p.outbox, e)
	}
}

func (p *Pipeline) transmit(e *Entry) {
	p.mu.Lock()
	msg := e.Message
	p.mu.Unlock()

	ch, release, err := p.mgr.transmit(&protocol.ClientMessage{
		Publish: &protocol.Publish{
			ConversationId: msg.ConversationId,
			Content:        msg.Content,
			CorrelationId:  msg.CorrelationId,
		},
	})
	if err != nil {
		p.transmitFailed(e, err)
		return
	}

	go p.awaitAck(e, ch, release)
}

// awaitAck waits for the acknowledgment of e. The ack timer starts once the
// frame has been written.
func (p *Pipeline) awaitAck(e *Entry, ch <-chan *protocol.Response, release func()) {
	timer := time.NewTimer(p.ackTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			p.transmitFailed(e, &NetworkError{Op: "send", Err: errConnectionLost})
			return
		}
		if !resp.Ok() {
			p.fail(e, responseError(e.Message.ConversationId, resp))
			return
		}
		var msg types.Message
		if err := resp.Decode(&msg); err != nil || msg.Id == 0 {
			p.fail(e, fmt.Errorf("invalid acknowledgment: %v", err))
			return
		}
		p.Receive(msg)
	case <-timer.C:
		release()
		p.fail(e, ErrSendTimeout)
	}
}

// transmitFailed keeps e pending for the next resync if the connection is
// being restored, and fails it otherwise. A message that keeps losing the
// connection is failed after maxRequeues attempts.
func (p *Pipeline) transmitFailed(e *Entry, err error) {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		switch p.mgr.State() {
		case StateReconnecting, StateConnecting:
			if n, ok := p.requeue(e); !ok {
				err = &NetworkError{Op: "send", Err: fmt.Errorf("%w %d times", errConnectionLost, n)}
				break
			}
			return
		}
	}
	p.fail(e, err)
}

// requeue puts e back in the outbox and reports whether it was still
// allowed another attempt.
func (p *Pipeline) requeue(e *Entry) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requeues[e]++
	n := p.requeues[e]
	if n > maxRequeues {
		return n, false
	}
	if _, pending := e.State.(Pending); pending && !slices.Contains(p.outbox, e) {
		p.outbox = append(p.outbox, e)
	}
	return n, true
}

func (p *Pipeline) fail(e *Entry, err error) {
	p.mu.Lock()
	l, ok := p.logs[e.Message.ConversationId]
	if !ok || !slices.Contains(l.provisional, e) {
		p.mu.Unlock()
		return
	}
	if _, pending := e.State.(Pending); !pending {
		p.mu.Unlock()
		return
	}
	e.State = Failed{Err: err}
	p.outbox = slices.DeleteFunc(p.outbox, func(o *Entry) bool { return o == e })
	delete(p.requeues, e)
	snapshot, listeners := *e, slices.Clone(p.onEntry)
	p.mu.Unlock()

	p.log.Printf("send %s in %s failed: %v", e.Message.CorrelationId, e.Message.ConversationId, err)
	notifyEntry(listeners, snapshot)
}

// Receive merges an authoritative message into its conversation log. A
// message already present is ignored. A provisional entry with the same
// correlation id from this user is replaced by it.
func (p *Pipeline) Receive(msg types.Message) {
	p.mu.Lock()
	l := p.logLocked(msg.ConversationId)
	p.dropProvisionalLocked(l, msg)

	if _, dup := l.ids[msg.Id]; dup {
		p.mu.Unlock()
		return
	}

	entry := Entry{Message: msg, State: Sent{}}
	i := sort.Search(len(l.confirmed), func(i int) bool {
		return msg.Before(l.confirmed[i].Message)
	})
	l.confirmed = slices.Insert(l.confirmed, i, entry)
	l.ids[msg.Id] = struct{}{}
	onEntry, onConfirm := slices.Clone(p.onEntry), slices.Clone(p.onConfirm)
	p.mu.Unlock()

	notifyEntry(onEntry, entry)
	for _, fn := range onConfirm {
		fn(msg)
	}
}

func (p *Pipeline) dropProvisionalLocked(l *conversationLog, msg types.Message) {
	if msg.CorrelationId == "" || msg.SenderId != p.self() {
		return
	}
	i := slices.IndexFunc(l.provisional, func(e *Entry) bool {
		return e.Message.CorrelationId == msg.CorrelationId
	})
	if i < 0 {
		return
	}
	e := l.provisional[i]
	l.provisional = slices.Delete(l.provisional, i, i+1)
	p.outbox = slices.DeleteFunc(p.outbox, func(o *Entry) bool { return o == e })
	delete(p.requeues, e)
}

// Resync fetches the messages of conversationId created at or after the
// newest one held and merges them. Later pages continue from the
// (CreatedAt, Id) of the last message fetched.
func (p *Pipeline) Resync(ctx context.Context, conversationId string) error {
	after, afterId := p.lastCreatedAt(conversationId), 0
	for {
		msgs, err := p.history.MessagesAfter(ctx, conversationId, after, afterId, resyncPageSize)
		if err != nil {
			return fmt.Errorf("resync %s: %w", conversationId, err)
		}
		for _, msg := range msgs {
			p.Receive(msg)
		}

		if len(msgs) < resyncPageSize {
			return nil
		}
		last := msgs[len(msgs)-1]
		if last.CreatedAt.Before(after) || (last.CreatedAt.Equal(after) && last.Id <= afterId) {
			return fmt.Errorf("resync %s: history did not advance past message %d", conversationId, afterId)
		}
		after, afterId = last.CreatedAt, last.Id
	}
}

func (p *Pipeline) lastCreatedAt(conversationId string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.logs[conversationId]
	if !ok || len(l.confirmed) == 0 {
		return time.Time{}
	}
	return l.confirmed[len(l.confirmed)-1].Message.CreatedAt
}

// FlushOutbox transmits queued messages in the order they were sent.
func (p *Pipeline) FlushOutbox() {
	p.mu.Lock()
	var queued []*Entry
	for _, e := range p.outbox {
		if _, pending := e.State.(Pending); pending {
			queued = append(queued, e)
		}
	}
	p.outbox = nil
	p.mu.Unlock()

	for _, e := range queued {
		p.transmit(e)
	}
}

// FailAllPending fails every message still waiting for the server.
func (p *Pipeline) FailAllPending(err error) {
	p.mu.Lock()
	var changed []Entry
	for _, l := range p.logs {
		for _, e := range l.provisional {
			if _, pending := e.State.(Pending); pending {
				e.State = Failed{Err: err}
				changed = append(changed, *e)
			}
		}
	}
	p.outbox = nil
	clear(p.requeues)
	listeners := slices.Clone(p.onEntry)
	p.mu.Unlock()

	for _, e := range changed {
		notifyEntry(listeners, e)
	}
}

// Messages returns the log of conversationId in render order: confirmed
// messages sorted by (CreatedAt, Id), then provisional ones in send order.
// An acknowledged message leaves the provisional tail and takes its sorted
// place among the confirmed ones, which may not be the slot it was shown in.
func (p *Pipeline) Messages(conversationId string) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.logs[conversationId]
	if !ok {
		return nil
	}
	entries := make([]Entry, 0, len(l.confirmed)+len(l.provisional))
	entries = append(entries, l.confirmed...)
	for _, e := range l.provisional {
		entries = append(entries, *e)
	}
	return entries
}

// Lookup returns the entry sent under correlationId.
func (p *Pipeline) Lookup(conversationId, correlationId string) (Entry, bool) {
	for _, e := range p.Messages(conversationId) {
		if e.Message.CorrelationId == correlationId {
			return e, true
		}
	}
	return Entry{}, false
}

func (p *Pipeline) provisionalLocked(conversationId, correlationId string) *Entry {
	l, ok := p.logs[conversationId]
	if !ok {
		return nil
	}
	for _, e := range l.provisional {
		if e.Message.CorrelationId == correlationId {
			return e
		}
	}
	return nil
}

func (p *Pipeline) logLocked(conversationId string) *conversationLog {
	l, ok := p.logs[conversationId]
	if !ok {
		l = &conversationLog{ids: make(map[int]struct{})}
		p.logs[conversationId] = l
	}
	return l
}

func notifyEntry(listeners []func(Entry), e Entry) {
	for _, fn := range listeners {
		fn(e)
	}
}
