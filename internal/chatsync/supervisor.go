// Package chatsync keeps a local chat cache in step with the chat server
// over a supervised websocket, with a durable queue for messages written
// while offline.
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/agri-chat/internal/errors"
	"github.com/alexjbarnes/agri-chat/internal/wire"
	"github.com/coder/websocket"
)

const (
	// defaultReconnectDelay is used when SupervisorConfig leaves the
	// delay unset.
	defaultReconnectDelay = 5 * time.Second

	// defaultPingInterval is used when SupervisorConfig leaves the ping
	// interval unset.
	defaultPingInterval = 20 * time.Second

	// wsReadLimit caps a single inbound frame. Media travels over REST,
	// so frames only carry text and references.
	wsReadLimit = 4 * 1024 * 1024

	// writeTimeout bounds a single socket write.
	writeTimeout = 10 * time.Second

	// inboundChanSize is the buffer size for the channel carrying frames
	// from the reader goroutine to the supervisor loop.
	inboundChanSize = 64
)

// ConnState is the socket lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// wsConn abstracts the WebSocket connection so the supervisor can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, token string) (wsConn, error)

// inboundMsg wraps a frame read by a reader goroutine. gen ties it to
// the connection it came from.
type inboundMsg struct {
	gen  uint64
	typ  websocket.MessageType
	data []byte
	err  error
}

type dialResult struct {
	gen  uint64
	conn wsConn
	err  error
}

type sendReq struct {
	action  string
	payload any
	result  chan error
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
)

// SupervisorConfig holds the collaborators of a Supervisor.
type SupervisorConfig struct {
	URL            string
	Tokens         TokenSource
	Network        ConnectivitySource
	Bus            *Bus
	Outbox         *Outbox
	ReconnectDelay time.Duration
	PingInterval   time.Duration

	// OnReady runs on its own goroutine after each connection has
	// replayed the outbound queue.
	OnReady func()
}

// Supervisor owns the chat socket.
//
// A single goroutine (Run) owns the connection, the connecting guard and
// the reconnect timer. Dials and reads happen on helper goroutines that
// report back over channels tagged with a connection generation, so a
// result from a superseded attempt is recognised and discarded. Callers
// interact through Connect, Disconnect and Send, which are messages to
// the loop.
type Supervisor struct {
	logger         *slog.Logger
	url            string
	tokens         TokenSource
	network        ConnectivitySource
	bus            *Bus
	outbox         *Outbox
	reconnectDelay time.Duration
	pingInterval   time.Duration
	onReady        func()
	dial           dialFunc

	cmdCh     chan cmdKind
	sendCh    chan sendReq
	dialCh    chan dialResult
	inboundCh chan inboundMsg
	done      chan struct{}

	state *Observable[ConnState]

	// Owned by the Run goroutine.
	conn         wsConn
	connCtx      context.Context
	connCancel   context.CancelFunc
	connecting   bool
	gen          uint64
	reconnect    *time.Timer
	lastActivity time.Time
}

// NewSupervisor creates a Supervisor. Nothing happens until Run.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		logger:         logger,
		url:            cfg.URL,
		tokens:         cfg.Tokens,
		network:        cfg.Network,
		bus:            cfg.Bus,
		outbox:         cfg.Outbox,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
		onReady:        cfg.OnReady,
		cmdCh:          make(chan cmdKind),
		sendCh:         make(chan sendReq),
		dialCh:         make(chan dialResult),
		inboundCh:      make(chan inboundMsg, inboundChanSize),
		done:           make(chan struct{}),
		state:          NewObservable(Disconnected),
	}

	if s.network == nil {
		s.network = AlwaysOnline{}
	}

	if s.reconnectDelay <= 0 {
		s.reconnectDelay = defaultReconnectDelay
	}

	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}

	s.dial = s.dialWebsocket

	return s
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	return s.state.Get()
}

// SyncStatus is a snapshot of the sync core for health and tool output.
type SyncStatus struct {
	State  string `json:"state"`
	Online bool   `json:"online"`
	Queued int    `json:"queued"`
}

// Status reports the connection state, network reachability and the
// number of frames waiting in the outbound queue.
func (s *Supervisor) Status() SyncStatus {
	st := SyncStatus{
		State:  s.State().String(),
		Online: s.network.Online(),
	}

	if s.outbox != nil {
		st.Queued = s.outbox.Depth()
	}

	return st
}

// WatchState returns a feed of connection states, starting with the
// current one.
func (s *Supervisor) WatchState() *Feed[ConnState] {
	return s.state.Watch()
}

// Connect asks the supervisor to open the socket. It is a no-op when a
// socket is open or an attempt is already in flight.
func (s *Supervisor) Connect(ctx context.Context) {
	s.command(ctx, cmdConnect)
}

// Disconnect closes the socket normally and cancels any pending
// reconnect. Safe to call with no connection.
func (s *Supervisor) Disconnect(ctx context.Context) {
	s.command(ctx, cmdDisconnect)
}

func (s *Supervisor) command(ctx context.Context, c cmdKind) {
	select {
	case s.cmdCh <- c:
	case <-s.done:
	case <-ctx.Done():
	}
}

// Send writes one frame if the socket is open, or persists it for replay
// otherwise. It returns once the frame is written or queued. Transport
// failures are published on the bus, not returned; the error result is
// for frames that cannot be encoded or persisted.
func (s *Supervisor) Send(ctx context.Context, action string, payload any) error {
	req := sendReq{action: action, payload: payload, result: make(chan error, 1)}

	select {
	case s.sendCh <- req:
	case <-s.done:
		// Not running means not connected.
		return s.enqueue(action, payload)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the supervisor loop. It connects whenever the network is up and
// a token is present, and returns when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	tokens := s.tokens.Watch()
	defer tokens.Close()

	network := s.network.Watch()
	defer network.Close()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown("shutdown")
			return ctx.Err()

		case c := <-s.cmdCh:
			switch c {
			case cmdConnect:
				s.startConnect(ctx)
			case cmdDisconnect:
				s.teardown("disconnect")
			}

		case req := <-s.sendCh:
			req.result <- s.handleSend(req)

		case r := <-s.dialCh:
			s.handleDial(ctx, r)

		case msg := <-s.inboundCh:
			s.handleInbound(msg)

		case <-timerC(s.reconnect):
			s.reconnect = nil
			s.logger.Info("reconnecting")
			s.startConnect(ctx)

		case token, ok := <-tokens.C():
			if !ok {
				return nil
			}

			if token == "" {
				s.logger.Info("signed out, closing socket")
				s.teardown("signed out")
			} else if s.network.Online() {
				s.startConnect(ctx)
			}

		case online, ok := <-network.C():
			if !ok {
				return nil
			}

			if !online {
				s.logger.Info("network lost, closing socket")
				s.teardown("offline")
			} else if _, ok := s.tokens.Token(); ok {
				s.startConnect(ctx)
			}

		case <-ticker.C:
			s.keepalive()
		}
	}
}

// startConnect checks and sets the connecting guard, then dials on a
// helper goroutine.
func (s *Supervisor) startConnect(ctx context.Context) {
	if s.conn != nil || s.connecting {
		s.logger.Debug("connect ignored", slog.String("state", s.State().String()))
		return
	}

	token, ok := s.tokens.Token()
	if !ok {
		s.bus.PublishError(apperrors.New(apperrors.ErrUnauthorized, "no access token", nil))
		return
	}

	if !s.network.Online() {
		s.bus.PublishError(apperrors.New(apperrors.ErrNoConnectivity, "network unavailable", nil))
		return
	}

	s.stopReconnect()

	s.gen++
	gen := s.gen
	s.connecting = true
	s.connCtx, s.connCancel = context.WithCancel(ctx)
	s.state.Set(Connecting)

	s.logger.Debug("connecting", slog.String("url", s.url), slog.Uint64("gen", gen))

	connCtx := s.connCtx
	dialCh := s.dialCh

	go func() {
		conn, err := s.dial(connCtx, token)

		select {
		case dialCh <- dialResult{gen: gen, conn: conn, err: err}:
		case <-connCtx.Done():
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "cancelled")
			}
		}
	}()
}

func (s *Supervisor) handleDial(ctx context.Context, r dialResult) {
	if r.gen != s.gen || !s.connecting {
		if r.conn != nil {
			r.conn.Close(websocket.StatusNormalClosure, "superseded")
		}

		return
	}

	s.connecting = false

	if r.err != nil {
		s.connCancel()
		s.state.Set(Disconnected)
		s.logger.Warn("dial failed", slog.String("error", r.err.Error()))
		s.bus.PublishError(classify(r.err))
		s.scheduleReconnect()

		return
	}

	s.conn = r.conn
	s.conn.SetReadLimit(wsReadLimit)
	s.lastActivity = time.Now()
	s.startReader()
	s.state.Set(Connected)
	s.logger.Info("connected", slog.Uint64("gen", r.gen))

	if _, err := s.outbox.Drain(ctx, s.write); err != nil {
		s.connectionLost(err)
		return
	}

	if s.onReady != nil {
		go s.onReady()
	}
}

// startReader launches a goroutine that reads from the current socket
// and feeds inboundCh. It captures the connection, its context and its
// generation by value, so a reader left over from an old connection can
// never be mistaken for the current one.
func (s *Supervisor) startReader() {
	conn := s.conn
	connCtx := s.connCtx
	gen := s.gen
	ch := s.inboundCh

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{gen: gen, typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// handleInbound is the only path by which socket data reaches the bus.
func (s *Supervisor) handleInbound(msg inboundMsg) {
	if msg.gen != s.gen || s.conn == nil {
		return
	}

	if msg.err != nil {
		s.connectionLost(msg.err)
		return
	}

	s.lastActivity = time.Now()

	if msg.typ != websocket.MessageText {
		s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	am, err := wire.Decode(msg.data)
	if err != nil {
		s.bus.PublishError(err)
		return
	}

	s.bus.Publish(am)
}

func (s *Supervisor) handleSend(req sendReq) error {
	raw, err := json.Marshal(req.payload)
	if err != nil {
		return apperrors.New(apperrors.ErrSerialization, "encoding "+req.action+" payload", err)
	}

	if s.conn == nil {
		_, err := s.outbox.Enqueue(req.action, raw)
		return err
	}

	frame, err := wire.EncodeRaw(req.action, raw)
	if err != nil {
		return err
	}

	if err := s.write(s.connCtx, frame); err != nil {
		s.connectionLost(err)
	}

	return nil
}

func (s *Supervisor) enqueue(action string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.New(apperrors.ErrSerialization, "encoding "+action+" payload", err)
	}

	_, err = s.outbox.Enqueue(action, raw)

	return err
}

func (s *Supervisor) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	s.lastActivity = time.Now()

	return nil
}

func (s *Supervisor) keepalive() {
	if s.conn == nil || time.Since(s.lastActivity) < s.pingInterval {
		return
	}

	frame, err := wire.Encode(wire.ActionPing, nil)
	if err != nil {
		return
	}

	if err := s.write(s.connCtx, frame); err != nil {
		s.connectionLost(fmt.Errorf("sending ping: %w", err))
	}
}

// connectionLost drops the current socket after a read or write failure.
// A normal closure by the server ends the session; anything else is
// reported and retried once after the reconnect delay.
func (s *Supervisor) connectionLost(err error) {
	code := websocket.CloseStatus(err)

	s.conn.Close(websocket.StatusGoingAway, "connection lost")
	s.dropConn()

	if code == websocket.StatusNormalClosure {
		s.logger.Info("server closed the connection")
		return
	}

	s.logger.Warn("connection lost", slog.String("error", err.Error()))
	s.bus.PublishError(classify(err))
	s.scheduleReconnect()
}

// teardown closes the socket normally and forgets any attempt in flight
// or scheduled.
func (s *Supervisor) teardown(reason string) {
	s.stopReconnect()

	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, reason)
	}

	s.dropConn()
}

func (s *Supervisor) dropConn() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	s.conn = nil
	s.connecting = false
	// Invalidates any dial or read still reporting for the old socket.
	s.gen++
	s.state.Set(Disconnected)
}

func (s *Supervisor) scheduleReconnect() {
	if s.reconnect != nil {
		return
	}

	s.logger.Info("reconnect scheduled", slog.Duration("delay", s.reconnectDelay))
	s.reconnect = time.NewTimer(s.reconnectDelay)
}

func (s *Supervisor) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Supervisor) dialWebsocket(ctx context.Context, token string) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, apperrors.New(apperrors.KindForStatus(resp.StatusCode), "websocket handshake rejected", err)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

// classify maps a transport failure onto the error taxonomy.
func classify(err error) error {
	var ne *apperrors.NetworkError
	if errors.As(err, &ne) {
		return err
	}

	if code := websocket.CloseStatus(err); code != -1 {
		return apperrors.New(kindForClose(code), fmt.Sprintf("socket closed with status %d", code), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.ErrTimeout, "socket timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperrors.New(apperrors.ErrTimeout, "socket timed out", err)
		}

		return apperrors.New(apperrors.ErrNoConnectivity, "network error", err)
	}

	return apperrors.New(apperrors.ErrUnknown, "socket failure", err)
}

func kindForClose(code websocket.StatusCode) error {
	switch code {
	case websocket.StatusPolicyViolation:
		return apperrors.ErrUnauthorized
	case websocket.StatusMessageTooBig:
		return apperrors.ErrPayloadTooLarge
	case websocket.StatusTryAgainLater:
		return apperrors.ErrTooManyRequests
	case websocket.StatusInternalError, websocket.StatusBadGateway:
		return apperrors.ErrServer
	default:
		return apperrors.ErrUnknown
	}
}
