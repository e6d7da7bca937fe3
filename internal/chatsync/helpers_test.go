package chatsync

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// recv waits for one value from a feed.
func recv[T any](t *testing.T, f *Feed[T]) T {
	t.Helper()
	select {
	case v, ok := <-f.C():
		require.True(t, ok, "feed closed")
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed")
	}
	var zero T
	return zero
}

// --- fakeConn ---

type readResult struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is a scripted socket. Frames pushed by the test are returned
// from Read in order; writes are recorded.
type fakeConn struct {
	frames chan readResult
	closed chan struct{}

	mu        sync.Mutex
	written   []string
	closeCode websocket.StatusCode
	isClosed  bool
	failAfter int // writes beyond this many fail; 0 means never
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:    make(chan readResult, 16),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-c.frames:
		return r.typ, r.data, r.err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return net.ErrClosed
	}

	if c.failAfter > 0 && len(c.written) >= c.failAfter {
		return io.ErrClosedPipe
	}

	c.written = append(c.written, string(p))

	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isClosed {
		c.isClosed = true
		c.closeCode = code
		close(c.closed)
	}

	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) push(frame string) {
	c.frames <- readResult{typ: websocket.MessageText, data: []byte(frame)}
}

func (c *fakeConn) fail(err error) {
	c.frames <- readResult{err: err}
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) ClosedWith() (websocket.StatusCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.isClosed
}

// --- fakeDialer ---

type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	conns    []*fakeConn
	failures int // the first failures dials return err
	err      error
	gate     chan struct{}
	newConn  func() *fakeConn
}

func (d *fakeDialer) dial(ctx context.Context, _ string) (wsConn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if call <= d.failures {
		return nil, d.err
	}

	c := newFakeConn()
	if d.newConn != nil {
		c = d.newConn()
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// --- testNetwork ---

type testNetwork struct {
	value *Observable[bool]
}

func newTestNetwork(online bool) *testNetwork {
	return &testNetwork{value: NewObservable(online)}
}

func (n *testNetwork) Online() bool       { return n.value.Get() }
func (n *testNetwork) Watch() *Feed[bool] { return n.value.Watch() }
func (n *testNetwork) Set(online bool)    { n.value.Set(online) }
