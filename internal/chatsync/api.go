package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/agri-chat/internal/errors"
	"github.com/alexjbarnes/agri-chat/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	// Media transfers use their own client without an overall timeout.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// restClient holds what the history and media clients share: base URL,
// auth and response handling.
type restClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

func (c *restClient) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	token, ok := c.tokens.Token()
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnauthorized, "no access token", nil)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	return req, nil
}

// do sends req and returns the response when its status is 2xx. Any
// other outcome is returned as a *errors.NetworkError.
func (c *restClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(req.URL.Path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

	return nil, apperrors.FromStatus(resp.StatusCode, errorMessage(req.URL.Path, body))
}

// doJSON sends req and decodes a JSON response into result.
func (c *restClient) doJSON(req *http.Request, result any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return transportError(req.URL.Path, err)
	}

	if result == nil || len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, result); err != nil {
		return apperrors.New(apperrors.ErrSerialization, "decoding response from "+req.URL.Path, err)
	}

	return nil
}

func transportError(endpoint string, err error) error {
	msg := "request to " + endpoint + " failed"

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.ErrTimeout, msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.New(apperrors.ErrTimeout, msg, err)
	}

	return apperrors.New(apperrors.ErrNoConnectivity, msg, err)
}

// errorMessage prefers the server's {"message": ...} body and falls back
// to a sanitized prefix of the raw body.
func errorMessage(endpoint string, body []byte) string {
	var e struct {
		Message string `json:"message"`
	}

	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return endpoint + ": " + e.Message
	}

	if len(body) == 0 {
		return endpoint
	}

	return endpoint + ": " + sanitizeResponseBody(body)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean strings.Builder

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean.WriteByte('?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean.WriteByte('?')
		} else {
			clean.Write(body[:size])
		}

		body = body[size:]
	}

	return clean.String()
}

// HistoryClient reads and deletes chat history over REST.
type HistoryClient struct {
	restClient
}

// NewHistoryClient creates a client for the chat API at baseURL. If
// httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewHistoryClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HistoryClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &HistoryClient{restClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
	}}
}

// Sessions lists sessions with activity after since (unix ms). since 0
// lists everything.
func (c *HistoryClient) Sessions(ctx context.Context, since int64) ([]models.ChatSession, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/chat/sessions", q, nil)
	if err != nil {
		return nil, err
	}

	var sessions []models.ChatSession
	if err := c.doJSON(req, &sessions); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return sessions, nil
}

// Messages returns up to limit messages of chatID with a timestamp
// strictly greater than since, oldest first.
func (c *HistoryClient) Messages(ctx context.Context, chatID string, since int64, limit int) ([]models.ChatMessage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/chat/sessions/"+url.PathEscape(chatID)+"/messages", q, nil)
	if err != nil {
		return nil, err
	}

	var msgs []models.ChatMessage
	if err := c.doJSON(req, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", chatID, err)
	}

	for i := range msgs {
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = chatID
		}
		// Local paths never come from the server.
		for j := range msgs[i].Parts {
			msgs[i].Parts[j].LocalMediaPath = ""
		}
	}

	return msgs, nil
}

// DeleteSession deletes a chat and its history on the server.
func (c *HistoryClient) DeleteSession(ctx context.Context, chatID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/chat/sessions/"+url.PathEscape(chatID), nil, nil)
	if err != nil {
		return err
	}

	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("deleting session %s: %w", chatID, err)
	}

	return nil
}
