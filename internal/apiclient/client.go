// Package apiclient is a small JSON HTTP client for the gobfd control-plane
// API, shared by gobfdctl and the routing-daemon bridge binaries.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dantte-lp/gobfd/internal/server"
)

// Client is a thin JSON HTTP client for the gobfd control-plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against the daemon's address, which may be a bare
// host:port or a full http(s):// URL.
func New(addr string) *Client {
	baseURL := addr
	if !hasScheme(addr) {
		baseURL = "http://" + addr
	}

	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

func hasScheme(addr string) bool {
	u, err := url.Parse(addr)
	return err == nil && u.Scheme != ""
}

// ListSessions returns every active BFD session.
func (c *Client) ListSessions(ctx context.Context) ([]server.SessionView, error) {
	var views []server.SessionView
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// GetSession looks up a session by discriminator (numeric identifier) or
// peer address (anything else).
func (c *Client) GetSession(ctx context.Context, identifier string) (server.SessionView, error) {
	var path string
	if discr, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		path = fmt.Sprintf("/v1/sessions/%d", discr)
	} else {
		path = "/v1/sessions/0?peer=" + url.QueryEscape(identifier)
	}

	var view server.SessionView
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return server.SessionView{}, err
	}
	return view, nil
}

// AddSession creates a new BFD session.
func (c *Client) AddSession(ctx context.Context, req server.AddSessionRequest) (server.SessionView, error) {
	var view server.SessionView
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &view); err != nil {
		return server.SessionView{}, err
	}
	return view, nil
}

// DeleteSession removes a session by local discriminator.
func (c *Client) DeleteSession(ctx context.Context, discr uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/sessions/%d", discr), nil, nil)
}

// WatchSessionEvents streams state-change events, invoking fn for each one,
// until ctx is canceled or the connection closes.
func (c *Client) WatchSessionEvents(ctx context.Context, includeCurrent bool, fn func(server.StateChangeEvent) error) error {
	path := "/v1/sessions/watch"
	if includeCurrent {
		path += "?include_current=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var event server.StateChangeEvent
		if err := dec.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// do issues an HTTP request with an optional JSON body and decodes the
// response into out, or returns the server's error body as a Go error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// decodeAPIError reads the server's {"error": "..."} body and wraps it as a Go error.
func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, body.Error)
}
