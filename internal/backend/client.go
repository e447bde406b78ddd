package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	maxRetries     = 3
	initialBackoff = 250 * time.Millisecond
)

// Client talks to the backend that keeps the durable record of annotation
// statuses.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		backoff: initialBackoff,
	}
}

// NewClientWithHTTPClient creates a client using a custom http.Client (for testing).
func NewClientWithHTTPClient(baseURL, token string, hc *http.Client) *Client {
	c := NewClient(baseURL, token)
	c.httpClient = hc
	c.backoff = time.Millisecond
	return c
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return false
}

// MarkApplied acknowledges a batch of applied annotations for one tool call.
func (c *Client) MarkApplied(ctx context.Context, threadID, toolCallID string, items []AppliedItem) (MarkAppliedResponse, error) {
	path := fmt.Sprintf("/threads/%s/toolcalls/%s/annotations/applied", url.PathEscape(threadID), url.PathEscape(toolCallID))

	var out MarkAppliedResponse
	if err := c.do(ctx, http.MethodPost, path, MarkAppliedRequest{Annotations: items}, &out); err != nil {
		return MarkAppliedResponse{}, fmt.Errorf("marking annotations applied: %w", err)
	}
	return out, nil
}

// UpdateAnnotation persists the status of a single annotation.
func (c *Client) UpdateAnnotation(ctx context.Context, annotationID string, update StatusUpdate) error {
	path := "/annotations/" + url.PathEscape(annotationID)
	if err := c.do(ctx, http.MethodPatch, path, update, nil); err != nil {
		return fmt.Errorf("updating annotation %s: %w", annotationID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		err := c.doOnce(ctx, method, path, data, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
