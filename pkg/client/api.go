package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/resumable/pkg/session"
)

// CreateResult is the relay's answer to a create call
type CreateResult struct {
	SessionID   string `json:"sessionId"`
	Exists      bool   `json:"exists"`
	Prompt      string `json:"prompt"`
	IsCompleted bool   `json:"isCompleted"`
}

// Response is a session's accumulated text
type Response struct {
	SessionID   string `json:"sessionId"`
	IsCompleted bool   `json:"isCompleted"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Response    string `json:"response"`
}

// SessionSummary is one row of the admin listing
type SessionSummary struct {
	session.Info
	Viewers int `json:"viewers"`
}

// Health is the relay's liveness report
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Streams  int    `json:"streams"`
}

// HTTPAPI calls the relay's session endpoints
type HTTPAPI struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAPI creates an admin client. A nil client gets a 30s timeout.
func NewHTTPAPI(baseURL string, client *http.Client) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAPI{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Create creates the session, or returns it if it already exists with the
// same prompt. An empty sessionID asks the relay to generate one.
func (a *HTTPAPI) Create(ctx context.Context, sessionID, prompt string) (CreateResult, error) {
	body := map[string]string{"prompt": prompt}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}

	var out CreateResult
	err := a.do(ctx, http.MethodPost, "/sessions", body, &out)
	return out, err
}

// Get returns a session's metadata
func (a *HTTPAPI) Get(ctx context.Context, sessionID string) (session.Info, error) {
	var out session.Info
	err := a.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

// Response returns a session's full text so far
func (a *HTTPAPI) Response(ctx context.Context, sessionID string) (Response, error) {
	var out Response
	err := a.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/response", nil, &out)
	return out, err
}

// Delete removes a session on the relay
func (a *HTTPAPI) Delete(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Health checks that the relay is up
func (a *HTTPAPI) Health(ctx context.Context) (Health, error) {
	var out Health
	err := a.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// List returns every live session
func (a *HTTPAPI) List(ctx context.Context) ([]SessionSummary, error) {
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := a.do(ctx, http.MethodGet, "/admin/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
