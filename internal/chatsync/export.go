package chatsync

import (
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"gopkg.in/yaml.v3"
)

// Transcript is the exported form of one chat.
type Transcript struct {
	ChatID   string              `yaml:"chat_id"`
	ChatType string              `yaml:"chat_type,omitempty"`
	Messages []TranscriptMessage `yaml:"messages"`
}

// TranscriptMessage is one exported turn.
type TranscriptMessage struct {
	ID      string   `yaml:"id"`
	Time    string   `yaml:"time"`
	Role    string   `yaml:"role"`
	Pending bool     `yaml:"pending,omitempty"`
	Text    []string `yaml:"text,omitempty"`
	Media   []string `yaml:"media,omitempty"`
}

// BuildTranscript reads a chat from the cache. Messages still carrying a
// temp id are marked pending.
func BuildTranscript(st *state.State, chatID string) (Transcript, error) {
	msgs, err := st.Messages(chatID)
	if err != nil {
		return Transcript{}, fmt.Errorf("reading chat %s: %w", chatID, err)
	}

	t := Transcript{ChatID: chatID, Messages: make([]TranscriptMessage, 0, len(msgs))}

	session, err := st.GetSession(chatID)
	if err != nil {
		return Transcript{}, fmt.Errorf("reading session %s: %w", chatID, err)
	}

	if session != nil {
		t.ChatType = session.ChatType
	}

	for _, m := range msgs {
		t.Messages = append(t.Messages, transcriptMessage(m))
	}

	return t, nil
}

func transcriptMessage(m models.ChatMessage) TranscriptMessage {
	tm := TranscriptMessage{
		ID:      m.ID,
		Time:    time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339),
		Role:    string(m.Role),
		Pending: m.Optimistic(),
	}

	for _, p := range m.Parts {
		if p.Text != "" {
			tm.Text = append(tm.Text, p.Text)
		}

		switch {
		case p.LocalMediaPath != "":
			tm.Media = append(tm.Media, p.LocalMediaPath)
		case p.RemoteMediaRef != "":
			tm.Media = append(tm.Media, p.RemoteMediaRef)
		}
	}

	return tm
}

// WriteTranscript encodes t as YAML.
func WriteTranscript(w io.Writer, t Transcript) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	return enc.Close()
}
