// Package conference describes the conferencing client the kiosk drives.
//
// The client owns every conversation and modality; this package only names
// the operations the kiosk observes and invokes, so that the decision engine
// can run against the bridge in production and against in-memory fakes in
// tests.
package conference

import "errors"

var (
	// ErrClientUnavailable means no client session is reachable right now.
	ErrClientUnavailable = errors.New("conferencing client unavailable")
	// ErrNotSupported means the action cannot be invoked in the current state,
	// including when an equivalent action is already in flight.
	ErrNotSupported = errors.New("action not supported in current state")
	// ErrModalityUnavailable means the conversation has no such modality.
	ErrModalityUnavailable = errors.New("modality unavailable")
	// ErrWindowUnavailable means the conversation window could not be resolved.
	ErrWindowUnavailable = errors.New("conversation window unavailable")
)

// ConversationState is the overall lifecycle of a conversation.
type ConversationState string

const (
	ConversationActive     ConversationState = "active"
	ConversationInactive   ConversationState = "inactive"
	ConversationParked     ConversationState = "parked"
	ConversationTerminated ConversationState = "terminated"
)

// ModalityType identifies a communication channel inside a conversation.
type ModalityType string

const (
	AudioVideo         ModalityType = "audio_video"
	ApplicationSharing ModalityType = "application_sharing"
)

// ModalityState is the lifecycle stage of a modality.
type ModalityState string

const (
	ModalityIdle          ModalityState = "idle"
	ModalityNotified      ModalityState = "notified"
	ModalityConnecting    ModalityState = "connecting"
	ModalityConnected     ModalityState = "connected"
	ModalityDisconnecting ModalityState = "disconnecting"
	ModalityDisconnected  ModalityState = "disconnected"
)

// ModalityAction is an operation a modality may permit in its current state.
type ModalityAction string

const (
	ActionConnect    ModalityAction = "connect"
	ActionAccept     ModalityAction = "accept"
	ActionDisconnect ModalityAction = "disconnect"
)

// ChannelState is the state of the local video channel.
type ChannelState string

const (
	ChannelNone        ChannelState = "none"
	ChannelConnecting  ChannelState = "connecting"
	ChannelNotified    ChannelState = "notified"
	ChannelSend        ChannelState = "send"
	ChannelReceive     ChannelState = "receive"
	ChannelInactive    ChannelState = "inactive"
	ChannelSendReceive ChannelState = "send_receive"
)

// ChannelAction is an operation on the video channel.
type ChannelAction string

const (
	ChannelStart ChannelAction = "start"
	ChannelStop  ChannelAction = "stop"
)

// StateChange is delivered on every modality transition.
type StateChange struct {
	Old ModalityState
	New ModalityState
}

// Registry exposes the client's conversations.
type Registry interface {
	// Conversations returns a snapshot of current conversations. It returns
	// ErrClientUnavailable when no client session is reachable.
	Conversations() ([]Conversation, error)
	// OnConversationAdded registers fn for conversations created from now on.
	// The returned function removes the subscription.
	OnConversationAdded(fn func(Conversation)) (unsubscribe func())
}

// Conversation is one call/session instance owned by the client.
type Conversation interface {
	ID() string
	// Participants returns participant URIs.
	Participants() []string
	State() ConversationState
	// OnStateChanged registers fn for conversation state transitions.
	OnStateChanged(fn func(ConversationState)) (unsubscribe func())
	// Modality returns the modality of the given type, or
	// ErrModalityUnavailable.
	Modality(t ModalityType) (Modality, error)
}

// Modality is one communication channel of a conversation.
type Modality interface {
	Type() ModalityType
	State() ModalityState
	OnStateChanged(fn func(StateChange)) (unsubscribe func())
	CanInvoke(action ModalityAction) bool
	Accept() error
}

// AudioVideoModality is the AV modality with its local video channel.
type AudioVideoModality interface {
	Modality
	VideoChannel() (VideoChannel, error)
}

// VideoChannel controls local outbound video.
type VideoChannel interface {
	State() ChannelState
	CanInvoke(action ChannelAction) bool
	// BeginStart requests an asynchronous start. It returns ErrNotSupported
	// when the channel rejects the request in its current state.
	BeginStart() error
}

// Automation resolves presentation windows for conversations.
type Automation interface {
	ConversationWindow(c Conversation) (Window, error)
}

// Window is a conversation's presentation window.
type Window interface {
	ShowFullScreen(monitor int) error
}
