package client

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-staychat/internal/protocol"
	"github.com/npezzotti/go-staychat/internal/types"
)

// Tracker records which conversations this session has joined. Sends are
// only allowed into joined conversations.
type Tracker struct {
	mgr     *Manager
	log     *log.Logger
	timeout time.Duration

	mu     sync.Mutex
	joined map[string]types.Conversation
}

func NewTracker(mgr *Manager, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		mgr:     mgr,
		log:     opts.Logger,
		timeout: opts.RequestTimeout,
		joined:  make(map[string]types.Conversation),
	}
}

// Join joins conversationId. Joining a joined conversation does nothing.
func (t *Tracker) Join(ctx context.Context, conversationId string) error {
	if t.IsJoined(conversationId) {
		return nil
	}

	conv, err := t.join(ctx, conversationId)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.joined[conversationId] = conv
	t.mu.Unlock()
	return nil
}

func (t *Tracker) join(ctx context.Context, conversationId string) (types.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.mgr.Request(ctx, &protocol.ClientMessage{
		Join: &protocol.Join{ConversationId: conversationId},
	})
	if err != nil {
		return types.Conversation{}, err
	}
	if !resp.Ok() {
		return types.Conversation{}, responseError(conversationId, resp)
	}

	var conv types.Conversation
	if err := resp.Decode(&conv); err != nil {
		return types.Conversation{}, err
	}
	if conv.Id == "" {
		conv.Id = conversationId
	}
	return conv, nil
}

// Leave leaves conversationId. The local membership is dropped even if the
// server cannot be told, since a lost connection leaves every room anyway.
func (t *Tracker) Leave(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	_, ok := t.joined[conversationId]
	delete(t.joined, conversationId)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.mgr.Request(ctx, &protocol.ClientMessage{
		Leave: &protocol.Leave{ConversationId: conversationId},
	})
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return nil
		}
		return err
	}
	if !resp.Ok() {
		return responseError(conversationId, resp)
	}
	return nil
}

func (t *Tracker) IsJoined(conversationId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[conversationId]
	return ok
}

// Conversation returns the conversation record received when joining.
func (t *Tracker) Conversation(conversationId string) (types.Conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conv, ok := t.joined[conversationId]
	return conv, ok
}

// Joined returns the joined conversation ids in sorted order.
func (t *Tracker) Joined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.joined))
	for id := range t.joined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// rejoinAll joins every tracked conversation again on a new connection and
// returns the ones that succeeded. Conversations the server now refuses are
// dropped.
func (t *Tracker) rejoinAll(ctx context.Context) []string {
	var rejoined []string
	for _, id := range t.Joined() {
		conv, err := t.join(ctx, id)
		if err != nil {
			var netErr *NetworkError
			if errors.As(err, &netErr) || errors.Is(err, context.Canceled) {
				// the connection dropped again; the next resync retries
				return rejoined
			}
			t.log.Printf("rejoin %s: %v", id, err)
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			t.mu.Lock()
			delete(t.joined, id)
			t.mu.Unlock()
			continue
		}

		t.mu.Lock()
		if _, ok := t.joined[id]; ok {
			t.joined[id] = conv
		}
		t.mu.Unlock()
		rejoined = append(rejoined, id)
	}
	return rejoined
}

func (t *Tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.joined)
}
