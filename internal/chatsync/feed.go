package chatsync

import "sync"

// mailbox is an unbounded FIFO drained by its own goroutine into out.
// push never blocks, so a slow reader only grows its own backlog.
type mailbox[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
	out   chan T
	done  chan struct{}
	once  sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}

	go m.pump()

	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pump() {
	defer close(m.out)

	var zero T

	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			m.mu.Unlock()

			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}

		v := m.items[0]
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox[T]) close() {
	m.once.Do(func() { close(m.done) })
}

// Feed is one subscriber's ordered view of a stream. The channel is
// closed after Close or when the stream shuts down.
type Feed[T any] struct {
	mb     *mailbox[T]
	cancel func()
}

// C returns the delivery channel.
func (f *Feed[T]) C() <-chan T {
	return f.mb.out
}

// Close unsubscribes. Undelivered values are dropped.
func (f *Feed[T]) Close() {
	f.cancel()
}

// fanout multicasts values to every subscriber whose filter accepts them.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[*mailbox[T]]func(T) bool
	closed bool
}

func (f *fanout[T]) subscribe(filter func(T) bool, replay ...T) *Feed[T] {
	mb := newMailbox[T]()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		mb.close()
		return &Feed[T]{mb: mb, cancel: func() {}}
	}

	if f.subs == nil {
		f.subs = make(map[*mailbox[T]]func(T) bool)
	}

	f.subs[mb] = filter

	for _, v := range replay {
		mb.push(v)
	}

	return &Feed[T]{
		mb: mb,
		cancel: func() {
			f.mu.Lock()
			delete(f.subs, mb)
			f.mu.Unlock()
			mb.close()
		},
	}
}

func (f *fanout[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for mb, filter := range f.subs {
		if filter == nil || filter(v) {
			mb.push(v)
		}
	}
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for mb := range f.subs {
		mb.close()
	}

	f.subs = nil
}

// Observable holds a value and notifies watchers when it changes.
type Observable[T comparable] struct {
	mu    sync.Mutex
	value T
	feed  fanout[T]
}

// NewObservable returns an Observable holding initial.
func NewObservable[T comparable](initial T) *Observable[T] {
	return &Observable[T]{value: initial}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.value
}

// Set stores v and notifies watchers if it differs from the current value.
func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if v == o.value {
		return
	}

	o.value = v
	o.feed.publish(v)
}

// Watch returns a feed that first yields the current value, then every
// change.
func (o *Observable[T]) Watch() *Feed[T] {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.feed.subscribe(nil, o.value)
}
