package chatsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// MediaClient moves attachment bytes to and from the media service.
type MediaClient struct {
	restClient
}

// NewMediaClient creates a client for the media service at baseURL. If
// httpClient is nil, one with the same-host redirect policy and no
// overall timeout is created, since transfers are bounded by ctx.
func NewMediaClient(baseURL string, tokens TokenSource, httpClient *http.Client) *MediaClient {
	if httpClient == nil {
		httpClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	return &MediaClient{restClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
	}}
}

// Upload stores the bytes of r and returns the reference the server
// assigned.
func (c *MediaClient) Upload(ctx context.Context, r io.Reader, mimeType string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/media", nil, r)
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", mimeType)

	var resp struct {
		Ref string `json:"ref"`
	}

	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}

	if resp.Ref == "" {
		return "", fmt.Errorf("uploading media: server returned no reference")
	}

	return resp.Ref, nil
}

// Download writes the bytes behind ref to w.
func (c *MediaClient) Download(ctx context.Context, ref string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/media/"+url.PathEscape(ref), nil, nil)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("downloading media %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("downloading media %s: %w", ref, transportError(req.URL.Path, err))
	}

	return nil
}
