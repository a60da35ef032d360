// Package conferencetest provides an in-memory conferencing client for tests.
//
// Notifications are delivered synchronously on the goroutine that triggers
// them, the same way the real client delivers them on its dispatch thread.
package conferencetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/victortrac/kioskanswer/internal/conference"
)

// subscribers is a small ordered set of callbacks with unsubscribe support.
type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers[T]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *subscribers[T]) fire(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.fns))
	// Deliver in subscription order.
	for i := 0; i < s.next; i++ {
		if fn, ok := s.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Registry is a fake conference.Registry.
type Registry struct {
	mu            sync.Mutex
	conversations []*Conversation
	unavailable   bool
	added         subscribers[conference.Conversation]
}

func NewRegistry(existing ...*Conversation) *Registry {
	return &Registry{conversations: existing}
}

// SetUnavailable makes Conversations return ErrClientUnavailable.
func (r *Registry) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

func (r *Registry) Conversations() ([]conference.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return nil, conference.ErrClientUnavailable
	}
	out := make([]conference.Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, c)
	}
	return out, nil
}

func (r *Registry) OnConversationAdded(fn func(conference.Conversation)) func() {
	return r.added.add(fn)
}

// Add registers a new conversation and delivers the "added" notification.
func (r *Registry) Add(c *Conversation) {
	r.mu.Lock()
	r.conversations = append(r.conversations, c)
	r.mu.Unlock()
	r.added.fire(c)
}

// Subscribers reports how many "added" subscriptions are live.
func (r *Registry) Subscribers() int { return r.added.count() }

// Conversation is a fake conference.Conversation with AV and sharing
// modalities.
type Conversation struct {
	id           string
	participants []string

	mu         sync.Mutex
	state      conference.ConversationState
	modalities map[conference.ModalityType]conference.Modality
	lookups    map[conference.ModalityType]int
	changed    subscribers[conference.ConversationState]

	av      *AVModality
	sharing *Modality
}

func NewConversation(id string, participants ...string) *Conversation {
	av := &AVModality{Modality: newModality(conference.AudioVideo), video: NewVideoChannel()}
	sharing := newModality(conference.ApplicationSharing)
	return &Conversation{
		id:           id,
		participants: participants,
		state:        conference.ConversationActive,
		av:           av,
		sharing:      sharing,
		modalities: map[conference.ModalityType]conference.Modality{
			conference.AudioVideo:         av,
			conference.ApplicationSharing: sharing,
		},
		lookups: make(map[conference.ModalityType]int),
	}
}

func (c *Conversation) ID() string             { return c.id }
func (c *Conversation) Participants() []string { return append([]string(nil), c.participants...) }
func (c *Conversation) AV() *AVModality        { return c.av }
func (c *Conversation) Sharing() *Modality     { return c.sharing }

func (c *Conversation) State() conference.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState changes the conversation state and notifies subscribers.
func (c *Conversation) SetState(s conference.ConversationState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.changed.fire(s)
}

func (c *Conversation) OnStateChanged(fn func(conference.ConversationState)) func() {
	return c.changed.add(fn)
}

// RemoveModality makes Modality(t) fail with ErrModalityUnavailable.
func (c *Conversation) RemoveModality(t conference.ModalityType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modalities, t)
}

func (c *Conversation) Modality(t conference.ModalityType) (conference.Modality, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[t]++
	m, ok := c.modalities[t]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %s: %w", c.id, t, conference.ErrModalityUnavailable)
	}
	return m, nil
}

// Modality is a fake conference.Modality. New modalities are Idle with
// Connect and Accept invokable.
type Modality struct {
	typ conference.ModalityType

	mu        sync.Mutex
	state     conference.ModalityState
	actions   map[conference.ModalityAction]bool
	accepts   int
	acceptErr error
	panicMsg  string
	changed   subscribers[conference.StateChange]
}

func newModality(t conference.ModalityType) *Modality {
	return &Modality{
		typ:   t,
		state: conference.ModalityIdle,
		actions: map[conference.ModalityAction]bool{
			conference.ActionConnect: true,
			conference.ActionAccept:  true,
		},
	}
}

func (m *Modality) Type() conference.ModalityType { return m.typ }

func (m *Modality) State() conference.ModalityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState changes the state without delivering a notification, as if the
// transition happened before anyone subscribed.
func (m *Modality) SetState(s conference.ModalityState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Transition changes the state and delivers the notification.
func (m *Modality) Transition(s conference.ModalityState) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	m.changed.fire(conference.StateChange{Old: old, New: s})
}

// Notify redelivers a notification without changing state.
func (m *Modality) Notify(change conference.StateChange) { m.changed.fire(change) }

func (m *Modality) OnStateChanged(fn func(conference.StateChange)) func() {
	return m.changed.add(fn)
}

// Subscribers reports how many state-change subscriptions are live.
func (m *Modality) Subscribers() int { return m.changed.count() }

// SetAction toggles whether an action is invokable.
func (m *Modality) SetAction(a conference.ModalityAction, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a] = allowed
}

func (m *Modality) CanInvoke(a conference.ModalityAction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions[a]
}

// FailAccept makes Accept return err.
func (m *Modality) FailAccept(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptErr = err
}

// PanicOnAccept makes Accept panic with msg.
func (m *Modality) PanicOnAccept(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
}

func (m *Modality) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	m.accepts++
	return m.acceptErr
}

// Accepts reports how many times Accept was invoked.
func (m *Modality) Accepts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepts
}

// AVModality is a fake conference.AudioVideoModality.
type AVModality struct {
	*Modality

	video    *VideoChannel
	videoErr error
}

func (m *AVModality) Video() *VideoChannel { return m.video }

// FailVideoChannel makes VideoChannel return err.
func (m *AVModality) FailVideoChannel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoErr = err
}

func (m *AVModality) VideoChannel() (conference.VideoChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoErr != nil {
		return nil, m.videoErr
	}
	return m.video, nil
}

// VideoChannel is a fake conference.VideoChannel. It starts in None with
// Start invokable.
type VideoChannel struct {
	mu        sync.Mutex
	state     conference.ChannelState
	startable bool
	starts    []time.Time
	startErr  error
	onStart   func(n int) conference.ChannelState
}

func NewVideoChannel() *VideoChannel {
	return &VideoChannel{state: conference.ChannelNone, startable: true}
}

func (v *VideoChannel) State() conference.ChannelState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *VideoChannel) SetState(s conference.ChannelState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

func (v *VideoChannel) SetStartable(ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startable = ok
}

// FailStart makes BeginStart return err after recording the attempt.
func (v *VideoChannel) FailStart(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startErr = err
}

// OnStart sets a hook that returns the channel state after the n-th start
// request (1-based).
func (v *VideoChannel) OnStart(fn func(n int) conference.ChannelState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onStart = fn
}

func (v *VideoChannel) CanInvoke(a conference.ChannelAction) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return a == conference.ChannelStart && v.startable
}

func (v *VideoChannel) BeginStart() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.starts = append(v.starts, time.Now())
	if v.onStart != nil {
		v.state = v.onStart(len(v.starts))
	}
	return v.startErr
}

// Starts reports the number of start requests.
func (v *VideoChannel) Starts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.starts)
}

// StartTimes returns when each start request was issued.
func (v *VideoChannel) StartTimes() []time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]time.Time(nil), v.starts...)
}

// Automation is a fake conference.Automation that hands out one Window per
// conversation.
type Automation struct {
	mu      sync.Mutex
	windows map[string]*Window
	err     error
}

func NewAutomation() *Automation {
	return &Automation{windows: make(map[string]*Window)}
}

// Fail makes ConversationWindow return err.
func (a *Automation) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *Automation) ConversationWindow(c conference.Conversation) (conference.Window, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.windowLocked(c.ID()), nil
}

// Window returns the window for a conversation ID.
func (a *Automation) Window(id string) *Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowLocked(id)
}

func (a *Automation) windowLocked(id string) *Window {
	w, ok := a.windows[id]
	if !ok {
		w = &Window{}
		a.windows[id] = w
	}
	return w
}

// Window is a fake conference.Window.
type Window struct {
	mu         sync.Mutex
	fullScreen []int
}

func (w *Window) ShowFullScreen(monitor int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fullScreen = append(w.fullScreen, monitor)
	return nil
}

// FullScreenRequests returns the monitor index of each request.
func (w *Window) FullScreenRequests() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.fullScreen...)
}
