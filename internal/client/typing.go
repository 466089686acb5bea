package client

import (
	"slices"
	"sync"
	"time"
)

// TypingPhase is the local typing state of one conversation.
//
//	idle --keystroke--> typing          (sends typing=true)
//	typing --debounce elapsed--> coolingDown
//	coolingDown --keystroke--> typing   (sends typing=true again)
//	typing|coolingDown --quiet elapsed or sent--> idle (sends typing=false)
type TypingPhase int

const (
	TypingIdle TypingPhase = iota
	TypingActive
	TypingCoolingDown
)

func (p TypingPhase) String() string {
	switch p {
	case TypingActive:
		return "typing"
	case TypingCoolingDown:
		return "cooling-down"
	}
	return "idle"
}

type localTyping struct {
	phase    TypingPhase
	pause    *time.Timer
	pauseGen int
	quiet    *time.Timer
	quietGen int
}

func (lt *localTyping) stop() {
	if lt.pause != nil {
		lt.pause.Stop()
	}
	if lt.quiet != nil {
		lt.quiet.Stop()
	}
}

type remoteKey struct {
	conversationId string
	userId         int
}

type remoteTyping struct {
	timer *time.Timer
	gen   int
}

type typingListener func(conversationId string, userId int, isTyping bool)

// TypingEngine debounces this user's typing signals and tracks who else is
// typing, clearing remote indicators that are not refreshed in time.
type TypingEngine struct {
	debounce time.Duration
	quiet    time.Duration
	watchdog time.Duration

	// emit transmits a typing signal for this user.
	emit     func(conversationId string, isTyping bool)
	isJoined func(conversationId string) bool
	self     func() int

	mu        sync.Mutex
	local     map[string]*localTyping
	remote    map[remoteKey]*remoteTyping
	listeners []typingListener
}

func newTypingEngine(opts Options, emit func(string, bool), isJoined func(string) bool, self func() int) *TypingEngine {
	return &TypingEngine{
		debounce: opts.TypingDebounce,
		quiet:    opts.TypingQuiet,
		watchdog: opts.TypingWatchdog,
		emit:     emit,
		isJoined: isJoined,
		self:     self,
		local:    make(map[string]*localTyping),
		remote:   make(map[remoteKey]*remoteTyping),
	}
}

// OnTypingChanged registers fn for changes to remote typing indicators.
func (e *TypingEngine) OnTypingChanged(fn func(conversationId string, userId int, isTyping bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// NotifyTyping records a keystroke in conversationId.
func (e *TypingEngine) NotifyTyping(conversationId string) error {
	if !e.isJoined(conversationId) {
		return &NotJoinedError{ConversationId: conversationId}
	}

	e.mu.Lock()
	lt, ok := e.local[conversationId]
	if !ok {
		lt = &localTyping{}
		e.local[conversationId] = lt
	}

	send := e.keystroke(conversationId, lt)
	e.mu.Unlock()

	if send {
		e.emit(conversationId, true)
	}
	return nil
}

// keystroke applies one keystroke and reports whether typing=true is due.
func (e *TypingEngine) keystroke(conversationId string, lt *localTyping) bool {
	var send bool
	switch lt.phase {
	case TypingIdle, TypingCoolingDown:
		lt.phase = TypingActive
		e.armPause(conversationId, lt)
		send = true
	}
	e.armQuiet(conversationId, lt)
	return send
}

func (e *TypingEngine) armPause(conversationId string, lt *localTyping) {
	if lt.pause != nil {
		lt.pause.Stop()
	}
	lt.pauseGen++
	gen := lt.pauseGen
	lt.pause = time.AfterFunc(e.debounce, func() { e.debounceElapsed(conversationId, gen) })
}

func (e *TypingEngine) armQuiet(conversationId string, lt *localTyping) {
	if lt.quiet != nil {
		lt.quiet.Stop()
	}
	lt.quietGen++
	gen := lt.quietGen
	lt.quiet = time.AfterFunc(e.quiet, func() { e.quietElapsed(conversationId, gen) })
}

func (e *TypingEngine) debounceElapsed(conversationId string, gen int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lt, ok := e.local[conversationId]
	if !ok || lt.pauseGen != gen || lt.phase != TypingActive {
		return
	}
	lt.phase = TypingCoolingDown
}

func (e *TypingEngine) quietElapsed(conversationId string, gen int) {
	e.mu.Lock()
	lt, ok := e.local[conversationId]
	if !ok || lt.quietGen != gen {
		e.mu.Unlock()
		return
	}
	lt.stop()
	delete(e.local, conversationId)
	e.mu.Unlock()

	e.emit(conversationId, false)
}

// Stop ends local typing in conversationId immediately, sending
// typing=false if typing=true was sent. It is called when a message is sent
// and when the conversation is closed.
func (e *TypingEngine) Stop(conversationId string) {
	e.mu.Lock()
	lt, ok := e.local[conversationId]
	if ok {
		lt.stop()
		delete(e.local, conversationId)
	}
	e.mu.Unlock()

	if ok {
		e.emit(conversationId, false)
	}
}

// Phase returns the local typing phase of conversationId.
func (e *TypingEngine) Phase(conversationId string) TypingPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lt, ok := e.local[conversationId]; ok {
		return lt.phase
	}
	return TypingIdle
}

// OnRemoteTyping applies a typing signal received for another user. Signals
// about this session's own user are ignored.
func (e *TypingEngine) OnRemoteTyping(conversationId string, userId int, isTyping bool) {
	if userId == e.self() {
		return
	}
	if isTyping {
		e.remoteStarted(remoteKey{conversationId, userId})
		return
	}
	e.ClearUser(conversationId, userId)
}

func (e *TypingEngine) remoteStarted(key remoteKey) {
	e.mu.Lock()
	rt, ok := e.remote[key]
	if ok {
		rt.timer.Stop()
	} else {
		rt = &remoteTyping{}
		e.remote[key] = rt
	}
	rt.gen++
	gen := rt.gen
	rt.timer = time.AfterFunc(e.watchdog, func() { e.remoteExpired(key, gen) })
	listeners := e.listenersLocked()
	e.mu.Unlock()

	if !ok {
		notifyTyping(listeners, key, true)
	}
}

func (e *TypingEngine) remoteExpired(key remoteKey, gen int) {
	e.mu.Lock()
	rt, ok := e.remote[key]
	if !ok || rt.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.remote, key)
	listeners := e.listenersLocked()
	e.mu.Unlock()

	notifyTyping(listeners, key, false)
}

// ClearUser drops the typing indicator of userId in conversationId, as when
// a message from that user arrives.
func (e *TypingEngine) ClearUser(conversationId string, userId int) {
	key := remoteKey{conversationId, userId}

	e.mu.Lock()
	rt, ok := e.remote[key]
	if ok {
		rt.timer.Stop()
		delete(e.remote, key)
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	if ok {
		notifyTyping(listeners, key, false)
	}
}

// IsTyping reports whether userId is shown as typing in conversationId.
func (e *TypingEngine) IsTyping(conversationId string, userId int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.remote[remoteKey{conversationId, userId}]
	return ok
}

// TypingUsers returns the users shown as typing in conversationId.
func (e *TypingEngine) TypingUsers(conversationId string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var users []int
	for key := range e.remote {
		if key.conversationId == conversationId {
			users = append(users, key.userId)
		}
	}
	slices.Sort(users)
	return users
}

// closeConversation stops local typing and clears every remote indicator of
// conversationId.
func (e *TypingEngine) closeConversation(conversationId string) {
	e.Stop(conversationId)

	e.mu.Lock()
	var cleared []remoteKey
	for key, rt := range e.remote {
		if key.conversationId == conversationId {
			rt.timer.Stop()
			delete(e.remote, key)
			cleared = append(cleared, key)
		}
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	for _, key := range cleared {
		notifyTyping(listeners, key, false)
	}
}

// reset drops all typing state without sending anything. The connection is
// gone, so the server has already cleared it.
func (e *TypingEngine) reset() {
	e.mu.Lock()
	for id, lt := range e.local {
		lt.stop()
		delete(e.local, id)
	}
	var cleared []remoteKey
	for key, rt := range e.remote {
		rt.timer.Stop()
		delete(e.remote, key)
		cleared = append(cleared, key)
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	for _, key := range cleared {
		notifyTyping(listeners, key, false)
	}
}

func (e *TypingEngine) listenersLocked() []typingListener {
	return slices.Clone(e.listeners)
}

func notifyTyping(listeners []typingListener, key remoteKey, isTyping bool) {
	for _, fn := range listeners {
		fn(key.conversationId, key.userId, isTyping)
	}
}
