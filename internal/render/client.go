package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"attest/pkg/platform/sentinel"
)

// Artifact is a rendered verification image. Ephemeral: scoped to a single
// verification attempt and never persisted.
type Artifact struct {
	Bytes       []byte
	ContentType string
}

// Client calls the renderer service. The timeout is seconds-scale by design:
// rendering is CPU-bound and must fail fast rather than hold a verification
// worker slot.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Render requests an artifact for the payload. A 503 from the renderer maps
// to sentinel.ErrOverloaded so callers can distinguish ceiling rejections
// from render failures.
func (c *Client) Render(ctx context.Context, payload string) (Artifact, error) {
	body, err := json.Marshal(renderRequest{Payload: payload})
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return Artifact{}, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("render call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Artifact{}, fmt.Errorf("renderer: %w", sentinel.ErrOverloaded)
	case resp.StatusCode != http.StatusOK:
		return Artifact{}, fmt.Errorf("renderer returned %d", resp.StatusCode)
	}

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return Artifact{Bytes: img, ContentType: resp.Header.Get("Content-Type")}, nil
}
