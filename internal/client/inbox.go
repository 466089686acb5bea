package client

import (
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
)

// Summary is one row of the conversation list.
type Summary struct {
	Conversation types.Conversation
	LastMessage  *types.Message
	UnreadCount  int
	LastReadAt   time.Time
}

func (s Summary) lastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	if !s.Conversation.UpdatedAt.IsZero() {
		return s.Conversation.UpdatedAt
	}
	return s.Conversation.CreatedAt
}

type inboxEntry struct {
	summary Summary
	// base is the unread count reported by the server at hydration.
	base   int
	unread map[int]struct{}
}

func (e *inboxEntry) snapshot() Summary {
	s := e.summary
	s.UnreadCount = e.base + len(e.unread)
	if s.LastMessage != nil {
		msg := *s.LastMessage
		s.LastMessage = &msg
	}
	return s
}

// Inbox derives the conversation list from the message stream: the latest
// message of each conversation and how many messages from others arrived
// after the viewer's read watermark.
type Inbox struct {
	viewer func() int
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*inboxEntry
	open      map[string]bool
	listeners []func(Summary)
}

func newInbox(viewer func() int) *Inbox {
	return &Inbox{
		viewer:  viewer,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*inboxEntry),
		open:    make(map[string]bool),
	}
}

// OnChange registers fn for every summary that changes.
func (in *Inbox) OnChange(fn func(Summary)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.listeners = append(in.listeners, fn)
}

// Hydrate replaces the list with the summaries returned by the server.
func (in *Inbox) Hydrate(summaries []types.ConversationSummary) {
	in.mu.Lock()
	clear(in.entries)
	var changed []Summary
	for _, s := range summaries {
		e := &inboxEntry{
			summary: Summary{
				Conversation: s.Conversation,
				LastMessage:  s.LastMessage,
				LastReadAt:   s.LastReadAt,
			},
			base:   s.UnreadCount,
			unread: make(map[int]struct{}),
		}
		if in.open[s.Id] {
			e.base = 0
		}
		in.entries[s.Id] = e
		changed = append(changed, e.snapshot())
	}
	listeners := slices.Clone(in.listeners)
	in.mu.Unlock()

	notifySummaries(listeners, changed...)
}

// Add inserts a conversation that has no messages yet.
func (in *Inbox) Add(conv types.Conversation) {
	in.mu.Lock()
	e := in.entryLocked(conv.Id)
	e.summary.Conversation = conv
	s, listeners := e.snapshot(), slices.Clone(in.listeners)
	in.mu.Unlock()

	notifySummaries(listeners, s)
}

// OnMessage folds msg into its conversation's summary. It reports whether
// the conversation is open and the message advanced the read watermark, in
// which case the server should be told.
func (in *Inbox) OnMessage(msg types.Message) bool {
	in.mu.Lock()
	e := in.entryLocked(msg.ConversationId)
	if e.summary.LastMessage == nil || e.summary.LastMessage.Before(msg) {
		last := msg
		e.summary.LastMessage = &last
	}

	var read bool
	if msg.SenderId != in.viewer() && msg.CreatedAt.After(e.summary.LastReadAt) {
		if in.open[msg.ConversationId] {
			e.summary.LastReadAt = msg.CreatedAt
			read = true
		} else {
			e.unread[msg.Id] = struct{}{}
		}
	}
	s, listeners := e.snapshot(), slices.Clone(in.listeners)
	in.mu.Unlock()

	notifySummaries(listeners, s)
	return read
}

// MarkRead advances the watermark of conversationId to now and zeroes its
// unread count.
func (in *Inbox) MarkRead(conversationId string) Summary {
	in.mu.Lock()
	e := in.entryLocked(conversationId)
	if now := in.now(); now.After(e.summary.LastReadAt) {
		e.summary.LastReadAt = now
	}
	e.base = 0
	clear(e.unread)
	s, listeners := e.snapshot(), slices.Clone(in.listeners)
	in.mu.Unlock()

	notifySummaries(listeners, s)
	return s
}

// SetOpen marks whether conversationId is on screen. Messages arriving in
// an open conversation are read on arrival.
func (in *Inbox) SetOpen(conversationId string, open bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if open {
		in.open[conversationId] = true
	} else {
		delete(in.open, conversationId)
	}
}

func (in *Inbox) Summary(conversationId string) (Summary, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[conversationId]
	if !ok {
		return Summary{}, false
	}
	return e.snapshot(), true
}

// Summaries returns the list ordered by latest activity, newest first.
func (in *Inbox) Summaries() []Summary {
	in.mu.Lock()
	list := make([]Summary, 0, len(in.entries))
	for _, e := range in.entries {
		list = append(list, e.snapshot())
	}
	in.mu.Unlock()

	slices.SortFunc(list, func(a, b Summary) int {
		if c := b.lastActivity().Compare(a.lastActivity()); c != 0 {
			return c
		}
		if a.Conversation.Id < b.Conversation.Id {
			return -1
		}
		if a.Conversation.Id > b.Conversation.Id {
			return 1
		}
		return 0
	})
	return list
}

func (in *Inbox) reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	clear(in.entries)
	clear(in.open)
}

func (in *Inbox) entryLocked(conversationId string) *inboxEntry {
	e, ok := in.entries[conversationId]
	if !ok {
		e = &inboxEntry{
			summary: Summary{Conversation: types.Conversation{Id: conversationId}},
			unread:  make(map[int]struct{}),
		}
		in.entries[conversationId] = e
	}
	return e
}

func notifySummaries(listeners []func(Summary), summaries ...Summary) {
	for _, s := range summaries {
		for _, fn := range listeners {
			fn(s)
		}
	}
}
