// Package models defines types shared across internal packages.
package models

import (
	"strings"
	"time"
)

// TempIDPrefix marks identifiers generated on the device before the
// server has assigned one.
const TempIDPrefix = "tmp_"

// compoundSeparator joins a temporary and a permanent chat id in the
// chat_id the server echoes back on the first reply of a new chat.
const compoundSeparator = "|"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatSession is a conversation thread. Listed newest activity first.
type ChatSession struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	ChatType       string `json:"chat_type"`
	DataID         string `json:"data_id,omitempty"`
	LastActivityTS int64  `json:"last_activity_ts"`
}

// Part is one element of a message body. Text and RemoteMediaRef are
// both kept even though only one is expected to be set.
type Part struct {
	// LocalID is generated on the device and never changes. It is how an
	// upload result finds its part before the message has a server id.
	LocalID        string `json:"local_id,omitempty"`
	Text           string `json:"text,omitempty"`
	RemoteMediaRef string `json:"remote_media_ref,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	LocalMediaPath string `json:"local_media_path,omitempty"`
}

// HasMedia reports whether the part references an attachment.
func (p Part) HasMedia() bool {
	return p.RemoteMediaRef != "" || p.LocalMediaPath != ""
}

// ChatMessage is a single turn. ChatID changes when a temporary chat is
// promoted. CorrelationID is set on messages authored on this device and
// echoed by the server so the optimistic copy can be replaced.
type ChatMessage struct {
	ID            string `json:"id"`
	ChatID        string `json:"chat_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	Role          Role   `json:"role"`
	Parts         []Part `json:"parts"`
}

// Optimistic reports whether the message still carries a device id.
func (m ChatMessage) Optimistic() bool {
	return IsTempID(m.ID)
}

// QueuedOutbound is an outbound frame persisted while the socket was down.
type QueuedOutbound struct {
	ID         uint64    `json:"id"`
	Action     string    `json:"action"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// MediaRecord maps a remote attachment reference to its cached file.
type MediaRecord struct {
	RemoteRef string    `json:"remote_ref"`
	LocalPath string    `json:"local_path"`
	MimeType  string    `json:"mime_type,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
}

// IsTempID reports whether id was generated on the device.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// SplitCompoundID splits "<tmp id>|<permanent id>". ok is false when id
// is not in that form.
func SplitCompoundID(id string) (tempID, permID string, ok bool) {
	tempID, permID, found := strings.Cut(id, compoundSeparator)
	if !found || !IsTempID(tempID) || permID == "" || IsTempID(permID) {
		return "", "", false
	}

	return tempID, permID, true
}

// CompoundID builds the form SplitCompoundID parses.
func CompoundID(tempID, permID string) string {
	return tempID + compoundSeparator + permID
}
