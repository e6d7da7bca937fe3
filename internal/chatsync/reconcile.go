package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/agri-chat/internal/errors"
	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/alexjbarnes/agri-chat/internal/wire"
)

// optimisticMatchWindow bounds the fallback match between an optimistic
// message and a server copy that does not echo the correlation id.
const optimisticMatchWindow = 2 * time.Minute

// maxHistoryPages stops a history refresh against a server that keeps
// returning full pages.
const maxHistoryPages = 100

// chatActions are the bus actions the reconciler persists.
var chatActions = []string{
	wire.ActionChat,
	wire.ActionRecommendation,
	wire.ActionSelection,
	wire.ActionSpeech,
	wire.ActionSession,
}

// HistoryAPI is the remote side of reconciliation.
type HistoryAPI interface {
	Sessions(ctx context.Context, since int64) ([]models.ChatSession, error)
	Messages(ctx context.Context, chatID string, since int64, limit int) ([]models.ChatMessage, error)
	DeleteSession(ctx context.Context, chatID string) error
}

// MediaResolver turns a remote media reference into a local file.
type MediaResolver interface {
	Resolve(ctx context.Context, ref, mimeType string) (string, error)
}

// Reconciler keeps the local cache consistent with server history. The
// server is authoritative: a message with a known id replaces the cached
// copy, and an optimistic copy is dropped once its server copy arrives.
type Reconciler struct {
	state    *state.State
	api      HistoryAPI
	media    MediaResolver
	bus      *Bus
	logger   *slog.Logger
	pageSize int

	mu       sync.Mutex
	promoted map[string]string

	changes fanout[string]
}

// NewReconciler returns a Reconciler. media may be nil, in which case
// inbound media stays unresolved.
func NewReconciler(st *state.State, api HistoryAPI, media MediaResolver, bus *Bus, pageSize int, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		state:    st,
		api:      api,
		media:    media,
		bus:      bus,
		logger:   logger,
		pageSize: pageSize,
		promoted: make(map[string]string),
	}
}

// Changes returns a feed of chat ids whose cached history changed.
// Readers re-read the chat to get a consistent snapshot.
func (r *Reconciler) Changes() *Feed[string] {
	return r.changes.subscribe(nil)
}

func (r *Reconciler) notify(chatIDs ...string) {
	seen := make(map[string]bool, len(chatIDs))
	for _, id := range chatIDs {
		if id == "" || seen[id] {
			continue
		}

		seen[id] = true
		r.changes.publish(id)
	}
}

// Resolve maps a chat id to the id it is stored under: the permanent
// half of a compound id, or the permanent id a temp id was promoted to.
func (r *Reconciler) Resolve(chatID string) string {
	if _, permID, ok := models.SplitCompoundID(chatID); ok {
		return permID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if permID, ok := r.promoted[chatID]; ok {
		return permID
	}

	return chatID
}

// Promote moves a temp chat and its messages to the permanent id.
// Repeating a promotion changes nothing.
func (r *Reconciler) Promote(tempID, permID string) error {
	r.mu.Lock()
	r.promoted[tempID] = permID
	r.mu.Unlock()

	moved, err := r.state.RenameChat(tempID, permID)
	if err != nil {
		return fmt.Errorf("promoting chat %s: %w", tempID, err)
	}

	if moved > 0 {
		r.logger.Info("chat promoted",
			slog.String("temp_id", tempID),
			slog.String("chat_id", permID),
			slog.Int("messages", moved),
		)
		r.notify(tempID, permID)
	}

	return nil
}

// History returns the chat's messages oldest first after pulling
// anything newer than the cache from the server. If the server cannot be
// reached the cache is served as is, unless it is empty.
func (r *Reconciler) History(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	chatID = r.Resolve(chatID)

	local, err := r.state.Messages(chatID)
	if err != nil {
		return nil, fmt.Errorf("reading cached history: %w", err)
	}

	// The server has never seen a chat that still has a temp id.
	if models.IsTempID(chatID) {
		return local, nil
	}

	// Optimistic messages carry the device clock, so they never count.
	since, err := r.state.MaxTimestamp(chatID)
	if err != nil {
		return nil, fmt.Errorf("reading cached history: %w", err)
	}

	fetched, err := r.pull(ctx, chatID, since)
	if err != nil {
		if len(local) > 0 {
			r.logger.Warn("history refresh failed, serving cache",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()),
			)

			return local, nil
		}

		return nil, err
	}

	if fetched == 0 {
		return local, nil
	}

	return r.state.Messages(chatID)
}

// pull fetches pages newer than since and merges each one. Returns the
// number of messages merged.
func (r *Reconciler) pull(ctx context.Context, chatID string, since int64) (int, error) {
	total := 0

	for range maxHistoryPages {
		page, err := r.api.Messages(ctx, chatID, since, r.pageSize)
		if err != nil {
			return total, err
		}

		newer := page[:0]
		next := since

		for _, m := range page {
			if m.Timestamp <= since {
				continue
			}

			m.ChatID = chatID
			newer = append(newer, m)
			next = max(next, m.Timestamp)
		}

		if len(newer) > 0 {
			if err := r.merge(newer); err != nil {
				return total, err
			}

			total += len(newer)
			r.resolveMedia(ctx, newer)
		}

		if r.pageSize <= 0 || len(page) < r.pageSize || next == since {
			break
		}

		since = next
	}

	return total, nil
}

// Sessions returns all sessions, newest activity first, after pulling
// anything the server changed since the newest cached one. Refresh
// failures degrade to the cache the same way History does.
func (r *Reconciler) Sessions(ctx context.Context) ([]models.ChatSession, error) {
	local, err := r.state.Sessions()
	if err != nil {
		return nil, fmt.Errorf("reading cached sessions: %w", err)
	}

	var since int64
	for _, s := range local {
		if !models.IsTempID(s.ID) {
			since = max(since, s.LastActivityTS)
		}
	}

	remote, err := r.api.Sessions(ctx, since)
	if err != nil {
		if len(local) > 0 {
			r.logger.Warn("session refresh failed, serving cache", slog.String("error", err.Error()))
			return local, nil
		}

		return nil, err
	}

	if len(remote) == 0 {
		return local, nil
	}

	for _, s := range remote {
		if err := r.upsertSession(s); err != nil {
			return nil, err
		}
	}

	return r.state.Sessions()
}

// DeleteSession deletes a chat on the server, then locally. A chat the
// server never saw, or no longer has, is only deleted locally.
func (r *Reconciler) DeleteSession(ctx context.Context, chatID string) error {
	chatID = r.Resolve(chatID)

	if !models.IsTempID(chatID) {
		if err := r.api.DeleteSession(ctx, chatID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}

	if err := r.state.DeleteSession(chatID); err != nil {
		return fmt.Errorf("deleting cached chat %s: %w", chatID, err)
	}

	r.notify(chatID)

	return nil
}

// Run persists chat traffic from the bus until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	feed := r.bus.Subscribe(ByAction(chatActions...))
	defer feed.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-feed.C():
			if !ok {
				return nil
			}

			if err := r.Absorb(ctx, msg); err != nil {
				r.logger.Warn("absorbing message",
					slog.String("action", msg.Action),
					slog.String("chat_id", msg.ChatID()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Absorb persists one server message. Applying the same message twice
// leaves the cache as applying it once.
func (r *Reconciler) Absorb(ctx context.Context, msg wire.ActionMessage) error {
	switch p := msg.Payload.(type) {
	case wire.ChatReply:
		return r.absorbMessage(ctx, p.ChatID, models.ChatMessage{
			ID:            p.MessageID,
			CorrelationID: p.CorrelationID,
			Timestamp:     p.Timestamp,
			Role:          p.Role,
			Parts:         p.Parts,
		})

	case wire.Recommendation:
		return r.absorbMessage(ctx, p.ChatID, models.ChatMessage{
			ID:        p.MessageID,
			Timestamp: p.Timestamp,
			Role:      models.RoleAssistant,
			Parts:     []models.Part{{Text: recommendationText(p)}},
		})

	case wire.Selection:
		return r.absorbMessage(ctx, p.ChatID, models.ChatMessage{
			ID:        p.MessageID,
			Timestamp: p.Timestamp,
			Role:      models.RoleAssistant,
			Parts:     []models.Part{{Text: selectionText(p)}},
		})

	case wire.SpeechRef:
		return r.absorbSpeech(ctx, p)

	case wire.SessionUpdate:
		chatID, err := r.promoteFrom(p.ID)
		if err != nil {
			return err
		}

		return r.upsertSession(models.ChatSession{
			ID:             chatID,
			UserID:         p.UserID,
			ChatType:       p.ChatType,
			DataID:         p.DataID,
			LastActivityTS: p.LastActivityTS,
		})

	default:
		return nil
	}
}

// promoteFrom promotes a compound id if chatID is one and returns the id
// to store under.
func (r *Reconciler) promoteFrom(chatID string) (string, error) {
	if tempID, permID, ok := models.SplitCompoundID(chatID); ok {
		if err := r.Promote(tempID, permID); err != nil {
			return "", err
		}

		return permID, nil
	}

	return r.Resolve(chatID), nil
}

func (r *Reconciler) absorbMessage(ctx context.Context, rawChatID string, m models.ChatMessage) error {
	if m.ID == "" {
		return apperrors.New(apperrors.ErrSerialization, "message without id", nil)
	}

	chatID, err := r.promoteFrom(rawChatID)
	if err != nil {
		return err
	}

	m.ChatID = chatID

	if err := r.merge([]models.ChatMessage{m}); err != nil {
		return err
	}

	if err := r.touchSession(chatID, m.Timestamp); err != nil {
		return err
	}

	r.resolveMedia(ctx, []models.ChatMessage{m})

	return nil
}

func (r *Reconciler) absorbSpeech(ctx context.Context, p wire.SpeechRef) error {
	if p.AudioRef == "" {
		return nil
	}

	found := false

	err := r.state.UpdateMessages(func(tx *state.MessageTx) error {
		m, err := tx.Get(p.MessageID)
		if err != nil || m == nil {
			return err
		}

		found = true

		for _, part := range m.Parts {
			if part.RemoteMediaRef == p.AudioRef {
				return nil
			}
		}

		m.Parts = append(m.Parts, models.Part{RemoteMediaRef: p.AudioRef, MimeType: p.MimeType})

		return tx.Put(*m)
	})
	if err != nil {
		return fmt.Errorf("attaching speech to %s: %w", p.MessageID, err)
	}

	if !found {
		r.logger.Debug("speech for unknown message", slog.String("message_id", p.MessageID))
		return nil
	}

	r.materialize(ctx, p.MessageID, models.Part{RemoteMediaRef: p.AudioRef, MimeType: p.MimeType})

	m, err := r.state.GetMessage(p.MessageID)
	if err == nil && m != nil {
		r.notify(m.ChatID)
	}

	return nil
}

// merge applies server messages to the cache in one transaction.
func (r *Reconciler) merge(incoming []models.ChatMessage) error {
	var changed []string

	err := r.state.UpdateMessages(func(tx *state.MessageTx) error {
		changed = changed[:0]

		for _, in := range incoming {
			existing, err := tx.Get(in.ID)
			if err != nil {
				return err
			}

			merged := mergeMessage(existing, in)

			if !in.Optimistic() {
				superseded, err := findSuperseded(tx, in)
				if err != nil {
					return err
				}

				if superseded != nil {
					merged = carryLocalMedia(*superseded, merged)
					if err := tx.Delete(superseded.ID); err != nil {
						return err
					}
				}
			}

			if err := tx.Put(merged); err != nil {
				return err
			}

			changed = append(changed, merged.ChatID)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("merging messages: %w", err)
	}

	r.notify(changed...)

	return nil
}

// mergeMessage is last write wins by id, except that a local file the
// cached copy already has survives an incoming copy without one.
func mergeMessage(existing *models.ChatMessage, incoming models.ChatMessage) models.ChatMessage {
	if existing == nil {
		return incoming
	}

	return carryLocalMedia(*existing, incoming)
}

// carryLocalMedia copies local file paths from old onto parts of next
// that reference the same media but have no local path. Parts match by
// remote reference, then by LocalID, then by position.
func carryLocalMedia(old, next models.ChatMessage) models.ChatMessage {
	if len(old.Parts) == 0 || len(next.Parts) == 0 {
		return next
	}

	parts := make([]models.Part, len(next.Parts))
	copy(parts, next.Parts)

	for i := range parts {
		if parts[i].LocalMediaPath != "" {
			continue
		}

		if src, ok := matchPart(old.Parts, parts[i], i); ok {
			parts[i].LocalMediaPath = src.LocalMediaPath
			if parts[i].LocalID == "" {
				parts[i].LocalID = src.LocalID
			}
		}
	}

	next.Parts = parts

	return next
}

func matchPart(candidates []models.Part, p models.Part, index int) (models.Part, bool) {
	for _, c := range candidates {
		if c.LocalMediaPath == "" {
			continue
		}

		if p.RemoteMediaRef != "" && c.RemoteMediaRef == p.RemoteMediaRef {
			return c, true
		}

		if p.LocalID != "" && c.LocalID == p.LocalID {
			return c, true
		}
	}

	if index < len(candidates) {
		c := candidates[index]
		if c.LocalMediaPath != "" && p.HasMedia() && (p.RemoteMediaRef == "" || c.RemoteMediaRef == "" || c.RemoteMediaRef == p.RemoteMediaRef) {
			return c, true
		}
	}

	return models.Part{}, false
}

// findSuperseded returns the optimistic message that in replaces, if
// any. A matching correlation id wins; otherwise the oldest optimistic
// message of the same chat and role within optimisticMatchWindow that
// carries no conflicting correlation id.
func findSuperseded(tx *state.MessageTx, in models.ChatMessage) (*models.ChatMessage, error) {
	msgs, err := tx.ByChat(in.ChatID)
	if err != nil {
		return nil, err
	}

	var fallback *models.ChatMessage

	for i := range msgs {
		c := msgs[i]
		if !c.Optimistic() || c.ID == in.ID {
			continue
		}

		if in.CorrelationID != "" && c.CorrelationID == in.CorrelationID {
			return &c, nil
		}

		if fallback == nil && heuristicMatch(c, in) {
			fallback = &c
		}
	}

	return fallback, nil
}

func heuristicMatch(optimistic, in models.ChatMessage) bool {
	if optimistic.Role != in.Role {
		return false
	}

	if optimistic.CorrelationID != "" && in.CorrelationID != "" {
		return false
	}

	diff := optimistic.Timestamp - in.Timestamp
	if diff < 0 {
		diff = -diff
	}

	return diff <= optimisticMatchWindow.Milliseconds()
}

func (r *Reconciler) upsertSession(s models.ChatSession) error {
	existing, err := r.state.GetSession(s.ID)
	if err != nil {
		return fmt.Errorf("reading session %s: %w", s.ID, err)
	}

	if existing != nil && existing.LastActivityTS > s.LastActivityTS {
		s.LastActivityTS = existing.LastActivityTS
	}

	if err := r.state.UpsertSession(s); err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}

	r.notify(s.ID)

	return nil
}

// touchSession records activity on a chat, creating a placeholder
// session when the server has not described it yet.
func (r *Reconciler) touchSession(chatID string, ts int64) error {
	existing, err := r.state.GetSession(chatID)
	if err != nil {
		return fmt.Errorf("reading session %s: %w", chatID, err)
	}

	if existing != nil && existing.LastActivityTS >= ts {
		return nil
	}

	s := models.ChatSession{ID: chatID, LastActivityTS: ts}
	if existing != nil {
		s = *existing
		s.LastActivityTS = ts
	}

	if err := r.state.UpsertSession(s); err != nil {
		return fmt.Errorf("saving session %s: %w", chatID, err)
	}

	return nil
}

func (r *Reconciler) resolveMedia(ctx context.Context, msgs []models.ChatMessage) {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.RemoteMediaRef != "" && p.LocalMediaPath == "" {
				r.materialize(ctx, m.ID, p)
			}
		}
	}
}

// materialize downloads the media of one part, if needed, and records
// the local file on the stored message. Failures are reported on the bus
// and leave the part without a local path.
func (r *Reconciler) materialize(ctx context.Context, messageID string, p models.Part) {
	if r.media == nil {
		return
	}

	stored, err := r.state.GetMessage(messageID)
	if err == nil && stored != nil {
		for _, sp := range stored.Parts {
			if sp.RemoteMediaRef == p.RemoteMediaRef && sp.LocalMediaPath != "" {
				return
			}
		}
	}

	path, err := r.media.Resolve(ctx, p.RemoteMediaRef, p.MimeType)
	if err != nil {
		r.logger.Warn("resolving media",
			slog.String("message_id", messageID),
			slog.String("ref", p.RemoteMediaRef),
			slog.String("error", err.Error()),
		)
		r.bus.PublishError(fmt.Errorf("resolving media %s: %w", p.RemoteMediaRef, err))

		return
	}

	if _, err := r.state.SetLocalMediaPath(messageID, p.RemoteMediaRef, path); err != nil {
		r.logger.Warn("recording media path",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)

		return
	}

	if stored != nil {
		r.notify(stored.ChatID)
	}
}

func recommendationText(p wire.Recommendation) string {
	var b strings.Builder

	b.WriteString("Recommended crops:")

	for _, c := range p.Crops {
		fmt.Fprintf(&b, "\n- %s (%.2f)", c.Name, c.Score)

		if c.Reason != "" {
			b.WriteString(": " + c.Reason)
		}
	}

	return b.String()
}

func selectionText(p wire.Selection) string {
	var b strings.Builder

	b.WriteString(p.Prompt)

	for i, o := range p.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o)
	}

	return b.String()
}
