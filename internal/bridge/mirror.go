package bridge

import (
	"fmt"
	"slices"
	"sync"

	"github.com/victortrac/kioskanswer/internal/conference"
)

// subscribers is a callback list whose callbacks run outside its lock, in
// subscription order.
type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	fns  []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.fns = append(s.fns, subscriber[T]{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.fns = slices.DeleteFunc(s.fns, func(sub subscriber[T]) bool { return sub.id == id })
	}
}

func (s *subscribers[T]) fire(v T) {
	s.mu.Lock()
	fns := make([]func(T), len(s.fns))
	for i, sub := range s.fns {
		fns[i] = sub.fn
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// conversation mirrors one agent-side conversation. Mirror state is guarded
// by the owning Client's mutex.
type conversation struct {
	client *Client
	id     string

	participants []string
	state        conference.ConversationState
	modalities   map[conference.ModalityType]*modality

	stateSubs subscribers[conference.ConversationState]
}

func newConversation(c *Client, info ConversationInfo) *conversation {
	conv := &conversation{
		client:     c,
		id:         info.ID,
		modalities: make(map[conference.ModalityType]*modality),
	}
	// Both modalities exist from the start so handlers attach before the
	// agent first reports them.
	conv.modalityLocked(conference.AudioVideo)
	conv.modalityLocked(conference.ApplicationSharing)
	conv.apply(info)
	return conv
}

// apply overwrites the mirror with info and returns the modality transitions
// it caused. The caller holds the client lock.
func (c *conversation) apply(info ConversationInfo) (changed []modalityChange) {
	c.participants = slices.Clone(info.Participants)
	c.state = info.State
	for typ, m := range info.Modalities {
		mod := c.modalityLocked(typ)
		if mod.state != m.State {
			changed = append(changed, modalityChange{mod: mod, change: conference.StateChange{Old: mod.state, New: m.State}})
		}
		mod.state = m.State
		mod.actions = slices.Clone(m.Actions)
	}
	if info.Video != nil {
		if av := c.modalityLocked(conference.AudioVideo); av.video != nil {
			av.video.state = info.Video.State
			av.video.actions = slices.Clone(info.Video.Actions)
		}
	}
	return changed
}

// modalityLocked returns the modality of type typ, creating it Idle if it
// does not exist yet.
func (c *conversation) modalityLocked(typ conference.ModalityType) *modality {
	if m, ok := c.modalities[typ]; ok {
		return m
	}
	m := &modality{conv: c, typ: typ, state: conference.ModalityIdle}
	if typ == conference.AudioVideo {
		m.video = &videoChannel{conv: c, state: conference.ChannelNone}
	}
	c.modalities[typ] = m
	return m
}

type modalityChange struct {
	mod    *modality
	change conference.StateChange
}

func (c *conversation) ID() string { return c.id }

func (c *conversation) Participants() []string {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	return slices.Clone(c.participants)
}

func (c *conversation) State() conference.ConversationState {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	return c.state
}

func (c *conversation) OnStateChanged(fn func(conference.ConversationState)) func() {
	return c.stateSubs.add(fn)
}

func (c *conversation) Modality(t conference.ModalityType) (conference.Modality, error) {
	c.client.mu.Lock()
	m, ok := c.modalities[t]
	c.client.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, conference.ErrModalityUnavailable)
	}
	if t == conference.AudioVideo {
		return avModality{m}, nil
	}
	return m, nil
}

type modality struct {
	conv *conversation
	typ  conference.ModalityType

	state   conference.ModalityState
	actions []conference.ModalityAction
	video   *videoChannel

	subs subscribers[conference.StateChange]
}

func (m *modality) Type() conference.ModalityType { return m.typ }

func (m *modality) State() conference.ModalityState {
	m.conv.client.mu.Lock()
	defer m.conv.client.mu.Unlock()
	return m.state
}

func (m *modality) OnStateChanged(fn func(conference.StateChange)) func() {
	return m.subs.add(fn)
}

func (m *modality) CanInvoke(action conference.ModalityAction) bool {
	m.conv.client.mu.Lock()
	defer m.conv.client.mu.Unlock()
	return slices.Contains(m.actions, action)
}

// Accept asks the agent to accept the invitation. The mirror only forwards
// requests the client currently permits.
func (m *modality) Accept() error {
	if !m.CanInvoke(conference.ActionAccept) && !m.CanInvoke(conference.ActionConnect) {
		return fmt.Errorf("accept %s: %w", m.typ, conference.ErrNotSupported)
	}
	return m.conv.client.notify(MethodModalityAccept, ModalityAcceptParams{
		ConversationID: m.conv.id,
		Modality:       m.typ,
	})
}

type avModality struct {
	*modality
}

func (m avModality) VideoChannel() (conference.VideoChannel, error) {
	if m.video == nil {
		return nil, fmt.Errorf("video channel: %w", conference.ErrModalityUnavailable)
	}
	return m.video, nil
}

type videoChannel struct {
	conv *conversation

	state   conference.ChannelState
	actions []conference.ChannelAction
}

func (v *videoChannel) State() conference.ChannelState {
	v.conv.client.mu.Lock()
	defer v.conv.client.mu.Unlock()
	return v.state
}

func (v *videoChannel) CanInvoke(action conference.ChannelAction) bool {
	v.conv.client.mu.Lock()
	defer v.conv.client.mu.Unlock()
	return slices.Contains(v.actions, action)
}

func (v *videoChannel) BeginStart() error {
	if !v.CanInvoke(conference.ChannelStart) {
		return fmt.Errorf("start video: %w", conference.ErrNotSupported)
	}
	return v.conv.client.notify(MethodVideoStart, VideoStartParams{ConversationID: v.conv.id})
}

type window struct {
	client         *Client
	conversationID string
}

func (w window) ShowFullScreen(monitor int) error {
	return w.client.notify(MethodShowFullScreen, ShowFullScreenParams{
		ConversationID: w.conversationID,
		Monitor:        monitor,
	})
}
