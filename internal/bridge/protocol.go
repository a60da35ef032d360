package bridge

import "github.com/victortrac/kioskanswer/internal/conference"

// Agent to kiosk notifications.
const (
	MethodConversationAdded        = "conversation.added"
	MethodConversationStateChanged = "conversation.stateChanged"
	MethodModalityStateChanged     = "modality.stateChanged"
	MethodVideoStateChanged        = "video.stateChanged"
)

// Kiosk to agent calls and notifications.
const (
	MethodListConversations = "conversations.list"
	MethodModalityAccept    = "modality.accept"
	MethodVideoStart        = "video.start"
	MethodShowFullScreen    = "window.showFullScreen"
)

// ModalityInfo is the agent's view of one modality. Actions lists what the
// client currently permits.
type ModalityInfo struct {
	State   conference.ModalityState    `json:"state"`
	Actions []conference.ModalityAction `json:"actions,omitempty"`
}

type VideoInfo struct {
	State   conference.ChannelState    `json:"state"`
	Actions []conference.ChannelAction `json:"actions,omitempty"`
}

// ConversationInfo is a full conversation snapshot.
type ConversationInfo struct {
	ID           string                                   `json:"id"`
	Participants []string                                 `json:"participants,omitempty"`
	State        conference.ConversationState             `json:"state"`
	Modalities   map[conference.ModalityType]ModalityInfo `json:"modalities,omitempty"`
	Video        *VideoInfo                               `json:"video,omitempty"`
}

type ConversationAddedParams struct {
	Conversation ConversationInfo `json:"conversation"`
}

type ConversationStateParams struct {
	ConversationID string                       `json:"conversationId"`
	State          conference.ConversationState `json:"state"`
}

type ModalityStateParams struct {
	ConversationID string                      `json:"conversationId"`
	Modality       conference.ModalityType     `json:"modality"`
	State          conference.ModalityState    `json:"state"`
	Actions        []conference.ModalityAction `json:"actions,omitempty"`
}

type VideoStateParams struct {
	ConversationID string                     `json:"conversationId"`
	State          conference.ChannelState    `json:"state"`
	Actions        []conference.ChannelAction `json:"actions,omitempty"`
}

type ModalityAcceptParams struct {
	ConversationID string                  `json:"conversationId"`
	Modality       conference.ModalityType `json:"modality"`
}

type VideoStartParams struct {
	ConversationID string `json:"conversationId"`
}

type ShowFullScreenParams struct {
	ConversationID string `json:"conversationId"`
	Monitor        int    `json:"monitor"`
}
