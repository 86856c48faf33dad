// Package client provides an HTTP client for the collector's REST API,
// used by the operator console and by integration tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/slithernet/serpent/internal/frame"
	"github.com/slithernet/serpent/internal/query"
	"github.com/slithernet/serpent/internal/session"
)

// Client talks to one collector instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the collector at baseURL, e.g.
// "http://127.0.0.1:5055".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// apiError is the server's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, ae.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Health returns the collector's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.get(ctx, "/health", &out)
	return out, err
}

// Config returns the collector's active configuration.
func (c *Client) Config(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.get(ctx, "/config", &out)
	return out, err
}

// SessionList is the /sessions response.
type SessionList struct {
	Count    int                `json:"count"`
	Sessions []session.Snapshot `json:"sessions"`
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) (SessionList, error) {
	var out SessionList
	err := c.get(ctx, "/sessions", &out)
	return out, err
}

// SessionStats returns one session's snapshot.
func (c *Client) SessionStats(ctx context.Context, id string) (session.Snapshot, error) {
	var out session.Snapshot
	err := c.get(ctx, "/sessions/"+url.PathEscape(id)+"/stats", &out)
	return out, err
}

// FlushSession forces a buffer flush for one session.
func (c *Client) FlushSession(ctx context.Context, id string) error {
	return c.post(ctx, "/sessions/"+url.PathEscape(id)+"/flush", nil, nil)
}

// Latest returns the most recently buffered frame across all sessions.
func (c *Client) Latest(ctx context.Context) (*frame.Frame, error) {
	var out frame.Frame
	if err := c.get(ctx, "/latest", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompletedList is the /completed response.
type CompletedList struct {
	Count    int                      `json:"count"`
	Sessions []query.CompletedSession `json:"sessions"`
}

// Completed lists finalized session stores.
func (c *Client) Completed(ctx context.Context) (CompletedList, error) {
	var out CompletedList
	err := c.get(ctx, "/completed", &out)
	return out, err
}

// UserSummary returns aggregate statistics for one user.
func (c *Client) UserSummary(ctx context.Context, username string) (query.UserSummary, error) {
	var out query.UserSummary
	err := c.get(ctx, "/users/"+url.PathEscape(username)+"/summary", &out)
	return out, err
}

// Ingest posts one raw frame payload, mainly for test tooling.
func (c *Client) Ingest(ctx context.Context, payload []byte) error {
	return c.post(ctx, "/ingest", payload, nil)
}
