package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/provider"
)

// APIError is a failed bridge call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Message)
}

// Client calls a running instance's bridge.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// NewClient creates a Client for the bridge at baseURL, e.g. http://127.0.0.1:4580.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetConfig returns the stored document.
func (c *Client) GetConfig(ctx context.Context) (*configstore.Config, error) {
	var cfg configstore.Config
	if err := c.do(ctx, http.MethodGet, "/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetConfig replaces the stored document and returns what was written.
func (c *Client) SetConfig(ctx context.Context, cfg *configstore.Config) (*configstore.Config, error) {
	var out configstore.Config
	if err := c.do(ctx, http.MethodPut, "/config", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login starts an authorization in the running instance.
func (c *Client) Login(ctx context.Context, id provider.ID) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/login/"+id.String(), nil, &out)
	return out, err
}

// UserInfo fetches and stores the profile of id.
func (c *Client) UserInfo(ctx context.Context, id provider.ID) (configstore.UserProfile, error) {
	var out configstore.UserProfile
	err := c.do(ctx, http.MethodGet, "/userinfo/"+id.String(), nil, &out)
	return out, err
}

// Callback forwards a redirect URI.
func (c *Client) Callback(ctx context.Context, uri string) error {
	return c.do(ctx, http.MethodPost, "/callback", CallbackRequest{URI: uri}, nil)
}

// Status reports the state of every provider.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is keysync running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxRequestBody)).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
