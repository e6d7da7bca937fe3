package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/alexjbarnes/agri-chat/internal/wire"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// DefaultChatType is used for chats started without a type.
const DefaultChatType = "general"

var (
	// ErrEmptyMessage is returned for a message with no text and no media.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNotPending is returned when retrying or discarding a message that
	// is not an unsent local message.
	ErrNotPending = errors.New("message is not pending")
)

// Sender writes or queues one outbound frame.
type Sender interface {
	Send(ctx context.Context, action string, payload any) error
}

// Composer creates user messages. Each message is stored optimistically
// under a temp id before it is sent, so it is visible at once and
// survives a restart while queued.
type Composer struct {
	state       *state.State
	sender      Sender
	reconciler  *Reconciler
	attachments *Attachments
	userID      string
	logger      *slog.Logger
	now         func() time.Time
}

// NewComposer returns a Composer. attachments may be nil if media is
// never sent.
func NewComposer(st *state.State, sender Sender, reconciler *Reconciler, attachments *Attachments, userID string, logger *slog.Logger) *Composer {
	return &Composer{
		state:       st,
		sender:      sender,
		reconciler:  reconciler,
		attachments: attachments,
		userID:      userID,
		logger:      logger,
		now:         time.Now,
	}
}

// NewChat creates a local chat under a temp id. The server assigns the
// permanent id when the first message reaches it.
func (c *Composer) NewChat(chatType string) (models.ChatSession, error) {
	if chatType == "" {
		chatType = DefaultChatType
	}

	s := models.ChatSession{
		ID:             models.TempIDPrefix + uuid.NewString(),
		UserID:         c.userID,
		ChatType:       chatType,
		LastActivityTS: c.now().UnixMilli(),
	}

	if err := c.state.UpsertSession(s); err != nil {
		return models.ChatSession{}, fmt.Errorf("creating chat: %w", err)
	}

	c.reconciler.notify(s.ID)

	return s, nil
}

// SendText sends a text message. An empty chatID starts a new chat.
func (c *Composer) SendText(ctx context.Context, chatID, text string) (models.ChatMessage, error) {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	msg, err := c.compose(chatID, []models.Part{{LocalID: uuid.NewString(), Text: text}})
	if err != nil {
		return models.ChatMessage{}, err
	}

	return msg, c.send(ctx, msg)
}

// SendMedia sends an attachment with an optional caption. The file is
// cached and the message stored before the upload starts; if the upload
// fails the message stays in the cache unsent and the error is returned.
func (c *Composer) SendMedia(ctx context.Context, chatID string, r io.Reader, mimeType, caption string) (models.ChatMessage, error) {
	if c.attachments == nil {
		return models.ChatMessage{}, errors.New("attachments are not configured")
	}

	part, err := c.attachments.Stage(r, mimeType)
	if err != nil {
		return models.ChatMessage{}, err
	}

	parts := []models.Part{part}
	if caption = norm.NFC.String(strings.TrimSpace(caption)); caption != "" {
		parts = append(parts, models.Part{LocalID: uuid.NewString(), Text: caption})
	}

	msg, err := c.compose(chatID, parts)
	if err != nil {
		return models.ChatMessage{}, err
	}

	uploaded, err := c.attachments.Upload(ctx, part)
	if err != nil {
		return msg, err
	}

	msg.Parts[0] = uploaded

	return msg, c.send(ctx, msg)
}

// Retry finishes a message whose attachment upload failed: parts still
// lacking a remote reference are uploaded again, then the message is
// sent. Messages with nothing left to upload were already handed to the
// sender and get ErrNotPending.
func (c *Composer) Retry(ctx context.Context, messageID string) (models.ChatMessage, error) {
	msg, err := c.pending(messageID)
	if err != nil {
		return models.ChatMessage{}, err
	}

	retried := false

	for i, p := range msg.Parts {
		if p.LocalMediaPath == "" || p.RemoteMediaRef != "" {
			continue
		}

		if c.attachments == nil {
			return msg, errors.New("attachments are not configured")
		}

		uploaded, err := c.attachments.Upload(ctx, p)
		if err != nil {
			return msg, err
		}

		msg.Parts[i] = uploaded
		retried = true
	}

	if !retried {
		return msg, fmt.Errorf("retrying %s: %w", messageID, ErrNotPending)
	}

	return msg, c.send(ctx, msg)
}

// Discard drops an unsent message and any staged files only it used.
func (c *Composer) Discard(messageID string) error {
	msg, err := c.pending(messageID)
	if err != nil {
		return err
	}

	if err := c.state.DeleteMessage(msg.ID); err != nil {
		return fmt.Errorf("discarding %s: %w", msg.ID, err)
	}

	if c.attachments != nil {
		for _, p := range msg.Parts {
			if err := c.attachments.Unstage(p); err != nil {
				c.logger.Warn("removing staged file",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	c.reconciler.notify(msg.ChatID)

	return nil
}

// pending loads a message that still carries its temp id.
func (c *Composer) pending(messageID string) (models.ChatMessage, error) {
	stored, err := c.state.GetMessage(messageID)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("reading message %s: %w", messageID, err)
	}

	if stored == nil || !stored.Optimistic() {
		return models.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, ErrNotPending)
	}

	return *stored, nil
}

// compose stores the optimistic message and bumps its session.
func (c *Composer) compose(chatID string, parts []models.Part) (models.ChatMessage, error) {
	if chatID == "" {
		s, err := c.NewChat("")
		if err != nil {
			return models.ChatMessage{}, err
		}

		chatID = s.ID
	}

	chatID = c.reconciler.Resolve(chatID)
	now := c.now().UnixMilli()

	msg := models.ChatMessage{
		ID:            models.TempIDPrefix + uuid.NewString(),
		ChatID:        chatID,
		CorrelationID: uuid.NewString(),
		Timestamp:     now,
		Role:          models.RoleUser,
		Parts:         parts,
	}

	if err := c.state.UpsertMessage(msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("storing message: %w", err)
	}

	if err := c.reconciler.touchSession(chatID, now); err != nil {
		return models.ChatMessage{}, err
	}

	c.reconciler.notify(chatID)

	return msg, nil
}

func (c *Composer) send(ctx context.Context, msg models.ChatMessage) error {
	req := wire.ChatRequest{
		ChatID:        msg.ChatID,
		CorrelationID: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Parts:         outboundParts(msg.Parts),
	}

	if err := c.sender.Send(ctx, wire.ActionChat, req); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	c.logger.Debug("message sent",
		slog.String("chat_id", msg.ChatID),
		slog.String("correlation_id", msg.CorrelationID),
	)

	return nil
}

// outboundParts strips device-local fields the server has no use for.
func outboundParts(parts []models.Part) []models.Part {
	out := make([]models.Part, len(parts))
	for i, p := range parts {
		p.LocalMediaPath = ""
		out[i] = p
	}

	return out
}
