// Package wire defines the chat socket envelope and its per-action
// payloads, and converts frames to and from them.
package wire

import "github.com/alexjbarnes/agri-chat/internal/models"

// Known actions. Frames carrying any other action decode to Unknown.
const (
	ActionChat           = "chat"
	ActionRecommendation = "recommendation"
	ActionSelection      = "selection"
	ActionSpeech         = "tts"
	ActionSession        = "session"
)

// ActionPing is written by the client on an idle socket. The server does
// not answer it.
const ActionPing = "ping"

// ErrorBody is the envelope error object.
type ErrorBody struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// outboundEnvelope is what the client writes. Outbound frames never
// carry an error.
type outboundEnvelope struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// Payload is implemented by every action variant.
type Payload interface {
	isPayload()
}

// ActionMessage is a decoded inbound frame.
type ActionMessage struct {
	Action  string
	Payload Payload
}

// ChatID returns the chat the payload belongs to, or "" for payloads
// without one.
func (m ActionMessage) ChatID() string {
	switch p := m.Payload.(type) {
	case ChatReply:
		return p.ChatID
	case Recommendation:
		return p.ChatID
	case Selection:
		return p.ChatID
	case SpeechRef:
		return p.ChatID
	case SessionUpdate:
		return p.ID
	default:
		return ""
	}
}

// ChatReply is a chat turn pushed by the server: the assistant's answer,
// or the acknowledged copy of a message sent from this device.
type ChatReply struct {
	ChatID        string        `json:"chat_id"`
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Timestamp     int64         `json:"timestamp"`
	Role          models.Role   `json:"role"`
	Parts         []models.Part `json:"parts"`
}

// CropSuggestion is one entry of a recommendation.
type CropSuggestion struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Recommendation carries a crop recommendation result for a chat.
type Recommendation struct {
	ChatID    string           `json:"chat_id"`
	MessageID string           `json:"message_id"`
	Timestamp int64            `json:"timestamp"`
	Crops     []CropSuggestion `json:"crops"`
}

// Selection asks the user to pick one of several options.
type Selection struct {
	ChatID    string   `json:"chat_id"`
	MessageID string   `json:"message_id"`
	Timestamp int64    `json:"timestamp"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options"`
}

// SpeechRef points at synthesized audio for an existing message.
type SpeechRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	AudioRef  string `json:"audio_ref"`
	MimeType  string `json:"mime_type"`
}

// SessionUpdate is server-side session metadata.
type SessionUpdate struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	ChatType       string `json:"chat_type"`
	DataID         string `json:"data_id,omitempty"`
	LastActivityTS int64  `json:"last_activity_ts"`
}

// Unknown is the payload of any action this client does not know.
type Unknown struct{}

func (ChatReply) isPayload()      {}
func (Recommendation) isPayload() {}
func (Selection) isPayload()      {}
func (SpeechRef) isPayload()      {}
func (SessionUpdate) isPayload()  {}
func (Unknown) isPayload()        {}

// ChatRequest is the outbound payload of a user chat turn.
type ChatRequest struct {
	ChatID        string        `json:"chat_id"`
	CorrelationID string        `json:"correlation_id"`
	Timestamp     int64         `json:"timestamp"`
	Parts         []models.Part `json:"parts"`
}
