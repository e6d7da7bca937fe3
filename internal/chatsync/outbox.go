package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/alexjbarnes/agri-chat/internal/wire"
)

// Outbox persists frames written while no socket is open and replays
// them, oldest first, once one is.
type Outbox struct {
	state  *state.State
	logger *slog.Logger
}

// NewOutbox returns an Outbox backed by st.
func NewOutbox(st *state.State, logger *slog.Logger) *Outbox {
	return &Outbox{state: st, logger: logger}
}

// Enqueue persists one outbound frame.
func (o *Outbox) Enqueue(action string, payload json.RawMessage) (models.QueuedOutbound, error) {
	q, err := o.state.EnqueueOutbound(action, payload, time.Now())
	if err != nil {
		return q, fmt.Errorf("queueing %s frame: %w", action, err)
	}

	o.logger.Debug("queued outbound frame",
		slog.String("action", action),
		slog.Uint64("id", q.ID),
	)

	return q, nil
}

// Depth returns the number of frames waiting for a socket.
func (o *Outbox) Depth() int {
	return o.state.OutboundDepth()
}

// Drain writes queued frames in enqueue order, deleting each after its
// write succeeds. It stops at the first failed write and leaves that
// frame and everything after it queued. Returns the number sent.
func (o *Outbox) Drain(ctx context.Context, write func(ctx context.Context, frame []byte) error) (int, error) {
	pending, err := o.state.PendingOutbound()
	if err != nil {
		return 0, fmt.Errorf("reading outbound queue: %w", err)
	}

	sent := 0

	for _, q := range pending {
		frame, err := wire.EncodeRaw(q.Action, q.Payload)
		if err != nil {
			// Retrying cannot fix a payload that does not encode.
			o.logger.Error("dropping unencodable queued frame",
				slog.Uint64("id", q.ID),
				slog.String("action", q.Action),
				slog.String("error", err.Error()),
			)
			o.remove(q.ID)

			continue
		}

		if err := write(ctx, frame); err != nil {
			return sent, fmt.Errorf("replaying queued frame %d: %w", q.ID, err)
		}

		o.remove(q.ID)
		sent++
	}

	if sent > 0 {
		o.logger.Info("outbound queue drained", slog.Int("sent", sent))
	}

	return sent, nil
}

func (o *Outbox) remove(id uint64) {
	if err := o.state.DeleteOutbound(id); err != nil {
		o.logger.Warn("deleting queued frame",
			slog.Uint64("id", id),
			slog.String("error", err.Error()),
		)
	}
}
