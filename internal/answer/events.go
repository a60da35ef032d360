package answer

import (
	"time"

	"github.com/google/uuid"

	"github.com/victortrac/kioskanswer/internal/conference"
)

// EventKind classifies what the engine did.
type EventKind string

const (
	EventAttached        EventKind = "attached"
	EventAccepted        EventKind = "accepted"
	EventSkipped         EventKind = "skipped"
	EventFullScreen      EventKind = "full_screen"
	EventVideoActivation EventKind = "video_activation"
	EventFailure         EventKind = "failure"
	EventTerminated      EventKind = "terminated"
)

// Skip reasons, used as event details and metric labels.
const (
	reasonPolicy     = "policy"
	reasonTerminated = "terminated"
	reasonCapability = "capability"
	reasonRejected   = "rejected"
)

// Event is one journaled engine action.
type Event struct {
	ID             string                  `json:"id"`
	Time           time.Time               `json:"time"`
	ConversationID string                  `json:"conversation_id"`
	Kind           EventKind               `json:"kind"`
	Modality       conference.ModalityType `json:"modality,omitempty"`
	Detail         string                  `json:"detail,omitempty"`
}

// Recorder receives engine events. Record must not block the caller for
// long; it runs on the client's dispatch goroutine.
type Recorder interface {
	Record(Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}

func newEvent(conversationID string, kind EventKind, modality conference.ModalityType, detail string) Event {
	return Event{
		ID:             uuid.NewString(),
		Time:           time.Now(),
		ConversationID: conversationID,
		Kind:           kind,
		Modality:       modality,
		Detail:         detail,
	}
}
