// Package mcpserver registers MCP tools that expose the chat cache and
// the send path. It adapts the chatsync components to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/agri-chat/internal/chatsync"
	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultHistoryLimit is how many trailing messages chat_history returns
// when no limit is given.
const defaultHistoryLimit = 50

// HistoryReader serves cached chat history, refreshing it when the
// server is reachable.
type HistoryReader interface {
	Sessions(ctx context.Context) ([]models.ChatSession, error)
	History(ctx context.Context, chatID string) ([]models.ChatMessage, error)
}

// TextSender sends a user text message.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) (models.ChatMessage, error)
}

// StatusReporter reports the state of the sync core.
type StatusReporter interface {
	Status() chatsync.SyncStatus
}

// Deps are the components the tools call into.
type Deps struct {
	History HistoryReader
	Sender  TextSender
	Status  StatusReporter
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_sessions",
		Description: "List chat sessions, newest activity first. Served from the local cache when the chat server is unreachable.",
	}, sessionsHandler(d.History))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_history",
		Description: "Read the messages of one chat, oldest first. Returns the last 50 messages unless a limit is given. Messages with pending=true have not been acknowledged by the server yet.",
	}, historyHandler(d.History))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text message to the assistant. Omit chat_id to start a new chat. The message is queued if the device is offline and delivered on reconnect.",
	}, sendHandler(d.Sender))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the chat connection state, network reachability and the number of messages waiting to be sent.",
	}, statusHandler(d.Status))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SessionsInput has no parameters.
type SessionsInput struct{}

// HistoryInput holds parameters for chat_history.
type HistoryInput struct {
	ChatID string `json:"chat_id" jsonschema:"required,chat id as returned by chat_sessions or chat_send"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of most recent messages to return, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	ChatID string `json:"chat_id,omitempty" jsonschema:"chat to send to, omit to start a new chat"`
	Text   string `json:"text" jsonschema:"required,message text"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// --- Result types ---

// SessionsResult is the output of chat_sessions.
type SessionsResult struct {
	Total    int                  `json:"total"`
	Sessions []models.ChatSession `json:"sessions"`
}

// HistoryMessage is one message as shown to MCP clients.
type HistoryMessage struct {
	ID        string        `json:"id"`
	Timestamp int64         `json:"timestamp"`
	Role      models.Role   `json:"role"`
	Pending   bool          `json:"pending,omitempty"`
	Parts     []models.Part `json:"parts"`
}

// HistoryResult is the output of chat_history.
type HistoryResult struct {
	ChatID   string           `json:"chat_id"`
	Total    int              `json:"total"`
	Returned int              `json:"returned"`
	Messages []HistoryMessage `json:"messages"`
}

// SendResult is the output of chat_send.
type SendResult struct {
	ChatID        string `json:"chat_id"`
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
}

// StatusResult is the output of sync_status.
type StatusResult struct {
	State  string `json:"state"`
	Online bool   `json:"online"`
	Queued int    `json:"queued"`
}

// --- Handlers ---

func sessionsHandler(h HistoryReader) mcp.ToolHandlerFor[SessionsInput, *SessionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SessionsInput) (*mcp.CallToolResult, *SessionsResult, error) {
		sessions, err := h.Sessions(ctx)
		if err != nil {
			return nil, nil, err
		}

		if sessions == nil {
			sessions = []models.ChatSession{}
		}

		result := &SessionsResult{Total: len(sessions), Sessions: sessions}

		return textResult(result), result, nil
	}
}

func historyHandler(h HistoryReader) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		if input.ChatID == "" {
			return nil, nil, fmt.Errorf("chat_id is required")
		}

		if input.Limit < 0 {
			return nil, nil, fmt.Errorf("limit must not be negative")
		}

		msgs, err := h.History(ctx, input.ChatID)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit == 0 {
			limit = defaultHistoryLimit
		}

		total := len(msgs)
		if total > limit {
			msgs = msgs[total-limit:]
		}

		result := &HistoryResult{
			ChatID:   input.ChatID,
			Total:    total,
			Returned: len(msgs),
			Messages: make([]HistoryMessage, 0, len(msgs)),
		}

		for _, m := range msgs {
			if m.Parts == nil {
				m.Parts = []models.Part{}
			}

			result.Messages = append(result.Messages, HistoryMessage{
				ID:        m.ID,
				Timestamp: m.Timestamp,
				Role:      m.Role,
				Pending:   m.Optimistic(),
				Parts:     m.Parts,
			})
		}

		return textResult(result), result, nil
	}
}

func sendHandler(s TextSender) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		msg, err := s.SendText(ctx, input.ChatID, input.Text)
		if err != nil {
			return nil, nil, err
		}

		result := &SendResult{
			ChatID:        msg.ChatID,
			MessageID:     msg.ID,
			CorrelationID: msg.CorrelationID,
		}

		return textResult(result), result, nil
	}
}

func statusHandler(r StatusReporter) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := r.Status()
		result := &StatusResult{State: st.State, Online: st.Online, Queued: st.Queued}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
