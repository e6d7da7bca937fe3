package chatsync

import (
	"slices"
	"sync"

	"github.com/alexjbarnes/agri-chat/internal/wire"
)

// Filter selects the messages a subscriber wants.
type Filter func(wire.ActionMessage) bool

// ByAction accepts messages whose action is one of actions.
func ByAction(actions ...string) Filter {
	return func(m wire.ActionMessage) bool {
		return slices.Contains(actions, m.Action)
	}
}

// ByChat accepts messages belonging to chatID.
func ByChat(chatID string) Filter {
	return func(m wire.ActionMessage) bool {
		return m.ChatID() == chatID
	}
}

// And accepts messages every filter accepts.
func And(filters ...Filter) Filter {
	return func(m wire.ActionMessage) bool {
		for _, f := range filters {
			if !f(m) {
				return false
			}
		}

		return true
	}
}

// Bus fans decoded socket messages and transport errors out to
// subscribers. Each subscriber sees messages in publish order and never
// misses one; a slow subscriber only delays itself.
type Bus struct {
	mu   sync.Mutex
	last *wire.ActionMessage
	msgs fanout[wire.ActionMessage]
	errs fanout[error]
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish delivers m to every subscriber whose filter accepts it.
func (b *Bus) Publish(m wire.ActionMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = &m
	b.msgs.publish(m)
}

// PublishError delivers err to every error subscriber.
func (b *Bus) PublishError(err error) {
	b.errs.publish(err)
}

// Subscribe returns a feed of messages accepted by filter. A nil filter
// accepts everything. The most recent message, if any and if accepted,
// is delivered first.
func (b *Bus) Subscribe(filter Filter) *Feed[wire.ActionMessage] {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []wire.ActionMessage
	if b.last != nil && (filter == nil || filter(*b.last)) {
		replay = append(replay, *b.last)
	}

	return b.msgs.subscribe(filter, replay...)
}

// SubscribeErrors returns a feed of errors published after the call.
func (b *Bus) SubscribeErrors() *Feed[error] {
	return b.errs.subscribe(nil)
}

// Close ends every feed.
func (b *Bus) Close() {
	b.msgs.close()
	b.errs.close()
}
