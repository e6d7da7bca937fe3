package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/chatsync"
	"github.com/alexjbarnes/agri-chat/internal/mcpserver"
	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/server"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/alexjbarnes/agri-chat/internal/wire"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	chatToken = "farmer-token"
	mcpAPIKey = "e2e-test-api-key-value"

	assistantText = "Plant maize after the first rains."
)

// chatServer is a stand-in for the remote chat backend: a socket that
// acknowledges each user message and answers it, plus the REST history
// and media endpoints.
type chatServer struct {
	mu       sync.Mutex
	requests []wire.ChatRequest
	media    map[string][]byte
	nextRef  int
	nextMsg  int

	// replyMedia, when set, is attached to every assistant answer.
	replyMedia string

	srv *httptest.Server
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	cs := &chatServer{media: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", cs.handleSocket)
	mux.HandleFunc("GET /chat/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("GET /chat/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("DELETE /chat/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /media", cs.handleUpload)
	mux.HandleFunc("GET /media/{ref}", cs.handleDownload)

	cs.srv = httptest.NewServer(requireToken(mux))
	t.Cleanup(cs.srv.Close)

	return cs
}

func requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+chatToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (cs *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http") + "/ws"
}

func (cs *chatServer) Requests() []wire.ChatRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]wire.ChatRequest(nil), cs.requests...)
}

// putMedia stores bytes the server can hand out by reference.
func (cs *chatServer) putMedia(ref string, data []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.media[ref] = data
}

func (cs *chatServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	cs.nextRef++
	ref := fmt.Sprintf("upload-%d", cs.nextRef)
	cs.media[ref] = data
	cs.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{"ref": ref})
}

func (cs *chatServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	data, ok := cs.media[r.PathValue("ref")]
	cs.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Write(data)
}

func (cs *chatServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := r.Context()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		var env struct {
			Action string          `json:"action"`
			Data   json.RawMessage `json:"data"`
		}
		if json.Unmarshal(data, &env) != nil || env.Action != wire.ActionChat {
			continue
		}

		var req wire.ChatRequest
		if json.Unmarshal(env.Data, &req) != nil {
			continue
		}

		for _, frame := range cs.answer(req) {
			if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

// answer records req and returns the acknowledgement and the reply. A
// request for a temp chat is acknowledged under a compound id.
func (cs *chatServer) answer(req wire.ChatRequest) [][]byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.requests = append(cs.requests, req)
	cs.nextMsg++
	n := cs.nextMsg

	chatID, ackChatID := req.ChatID, req.ChatID
	if models.IsTempID(req.ChatID) {
		chatID = "perm-" + strings.TrimPrefix(req.ChatID, models.TempIDPrefix)
		ackChatID = models.CompoundID(req.ChatID, chatID)
	}

	replyParts := []models.Part{{Text: assistantText}}
	if cs.replyMedia != "" {
		replyParts = append(replyParts, models.Part{RemoteMediaRef: cs.replyMedia, MimeType: "image/png"})
	}

	ack := frame(wire.ActionChat, wire.ChatReply{
		ChatID:        ackChatID,
		MessageID:     fmt.Sprintf("srv-u-%d", n),
		CorrelationID: req.CorrelationID,
		Timestamp:     req.Timestamp + 1,
		Role:          models.RoleUser,
		Parts:         req.Parts,
	})
	reply := frame(wire.ActionChat, wire.ChatReply{
		ChatID:    chatID,
		MessageID: fmt.Sprintf("srv-a-%d", n),
		Timestamp: req.Timestamp + 2,
		Role:      models.RoleAssistant,
		Parts:     replyParts,
	})

	return [][]byte{ack, reply}
}

func frame(action string, payload any) []byte {
	b, _ := json.Marshal(map[string]any{"action": action, "data": payload})
	return b
}

// harness is the full client stack running against a chatServer.
type harness struct {
	server     *chatServer
	state      *state.State
	tokens     *chatsync.StaticToken
	supervisor *chatsync.Supervisor
	reconciler *chatsync.Reconciler
	composer   *chatsync.Composer
	mediaDir   string
	mcpURL     string
	httpClient *http.Client
}

// newHarness wires the client stack the way the daemon does and starts
// its loops. The socket stays down until a token is set.
func newHarness(t *testing.T, token string) *harness {
	t.Helper()

	cs := newChatServer(t)
	logger := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	st, err := state.LoadAt(filepath.Join(dir, "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := chatsync.NewBus()
	tokens := chatsync.NewStaticToken(token)

	prober, err := chatsync.NewProber(cs.srv.URL, 50*time.Millisecond, logger)
	require.NoError(t, err)

	history := chatsync.NewHistoryClient(cs.srv.URL, tokens, nil)
	media := chatsync.NewMediaClient(cs.srv.URL, tokens, nil)
	mediaDir := filepath.Join(dir, "media")
	attachments := chatsync.NewAttachments(mediaDir, st, media, logger)
	reconciler := chatsync.NewReconciler(st, history, attachments, bus, 50, logger)

	sup := chatsync.NewSupervisor(chatsync.SupervisorConfig{
		URL:            cs.wsURL(),
		Tokens:         tokens,
		Network:        prober,
		Bus:            bus,
		Outbox:         chatsync.NewOutbox(st, logger),
		ReconnectDelay: 100 * time.Millisecond,
		PingInterval:   time.Second,
	}, logger)

	composer := chatsync.NewComposer(st, sup, reconciler, attachments, "farmer-1", logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
		bus.Close()
	})

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "agri-chat-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{History: reconciler, Sender: composer, Status: sup})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		APIKey:     mcpAPIKey,
		MCPHandler: mcpHandler,
		Status:     sup,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		server:     cs,
		state:      st,
		tokens:     tokens,
		supervisor: sup,
		reconciler: reconciler,
		composer:   composer,
		mediaDir:   mediaDir,
		mcpURL:     ts.URL,
		httpClient: ts.Client(),
	}
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.supervisor.State() == chatsync.Connected
	}, 5*time.Second, 10*time.Millisecond)
}

// waitMessages waits until chatID holds exactly the given message ids.
func (h *harness) waitMessages(t *testing.T, chatID string, ids ...string) []models.ChatMessage {
	t.Helper()

	var msgs []models.ChatMessage
	require.Eventually(t, func() bool {
		var err error
		msgs, err = h.state.Messages(chatID)
		if err != nil || len(msgs) != len(ids) {
			return false
		}
		for i, m := range msgs {
			if m.ID != ids[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "chat %s never held %v", chatID, ids)

	return msgs
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.mcpURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.httpClient.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}
