// Package relay is the client for the conversational-AI backend. The
// backend answers a POST with a chunked text stream; callers either
// collect the whole reply or observe chunks as they arrive.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Request addresses one backend call. RoutingID selects the tenant's bot;
// Identity is the end-user identity the backend scopes conversation memory
// by (an email for web chat, the platform user id for surface traffic).
type Request struct {
	RoutingID string `json:"chatbotId"`
	Identity  string `json:"email,omitempty"`
	Message   string `json:"message"`
}

// Client calls the backend with bounded retries.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
}

type Option func(*Client)

// WithRetryBase overrides the first retry delay. Tests use it to avoid
// real backoff sleeps.
func WithRetryBase(d time.Duration) Option {
	return func(c *Client) { c.retryBase = d }
}

func New(apiURL, apiKey string, timeout time.Duration, maxRetries int, opts ...Option) *Client {
	c := &Client{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryBase:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reply collects the backend's full answer for a request.
func (c *Client) Reply(ctx context.Context, req Request) (string, error) {
	return c.Stream(ctx, req, nil)
}

// Stream posts the request and reads the chunked reply, invoking onChunk
// for every chunk as it arrives (onChunk may be nil). It returns the
// concatenated reply.
//
// Retries cover attempts that failed before any chunk was observed. Once
// the first chunk has been delivered to onChunk the call is not retried;
// a mid-stream failure returns the error along with whatever was read.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		reply, delivered, err := c.streamOnce(ctx, req, onChunk)
		if err == nil {
			return reply, nil
		}
		if delivered || ctx.Err() != nil {
			return reply, err
		}
		lastErr = err

		if attempt < c.maxRetries {
			delay := c.retryBase << (attempt - 1)
			slog.Warn("relay attempt failed",
				"routing_id", req.RoutingID, "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", fmt.Errorf("relay unavailable after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) streamOnce(ctx context.Context, req Request, onChunk func(string)) (reply string, delivered bool, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("relay post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			sb.WriteString(chunk)
			delivered = true
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if readErr == io.EOF {
			return sb.String(), delivered, nil
		}
		if readErr != nil {
			return sb.String(), delivered, fmt.Errorf("relay stream read: %w", readErr)
		}
	}
}
