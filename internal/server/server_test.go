package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/broker"
	"github.com/dantte-lp/gobfd/internal/config"
	"github.com/dantte-lp/gobfd/internal/server"
)

const (
	// testPeerAddr is a documentation IP address (RFC 5737) used as peer in tests.
	testPeerAddr = "192.0.2.1"
	// testLocalAddr is a documentation IP address (RFC 5737) used as local in tests.
	testLocalAddr = "192.0.2.2"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// testClient wraps an httptest.Server with small JSON request helpers.
type testClient struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
}

func setupTestServer(t *testing.T) *testClient {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	mgr := bfd.NewManager(logger)
	t.Cleanup(mgr.Close)

	handler := server.New(mgr, newTestBroker(mgr, logger), logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testClient{t: t, srv: srv, client: srv.Client()}
}

// discardSender is a PacketSender that drops every packet, for tests that
// exercise session CRUD without a live network.
type discardSender struct{}

func (discardSender) SendPacket(_ context.Context, _ []byte, _ netip.Addr) error {
	return nil
}

// newTestBroker builds a Broker with a single ManagerInstance wrapping mgr,
// accepting both single-hop and multi-hop requests, backed by a
// discardSender.
func newTestBroker(mgr *bfd.Manager, logger *slog.Logger) *broker.Broker {
	brk := broker.New(logger)

	sender := func(broker.BindingKey) (bfd.PacketSender, error) {
		return discardSender{}, nil
	}

	engineCfg := config.BFDConfig{
		AcceptDirect:   true,
		AcceptMultihop: true,
	}

	mi := broker.NewManagerInstance("test", "", mgr, sender, engineCfg, nil)
	brk.AddEngineInstance(context.Background(), mi)

	return brk
}

func (c *testClient) do(method, path string, body any) *http.Response {
	c.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.srv.URL+path, reader)
	if err != nil {
		c.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return v
}

func validAddRequest() server.AddSessionRequest {
	return server.AddSessionRequest{
		PeerAddress:           testPeerAddr,
		LocalAddress:          testLocalAddr,
		InterfaceName:         "eth0",
		Type:                  "single_hop",
		DesiredMinTxInterval:  "1s",
		RequiredMinRxInterval: "1s",
		DetectMultiplier:      3,
	}
}

// -------------------------------------------------------------------------
// TestAddSession
// -------------------------------------------------------------------------

func TestAddSession(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	resp := client.do(http.MethodPost, "/v1/sessions", validAddRequest())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	sess := decodeBody[server.SessionView](t, resp)
	if sess.PeerAddress != testPeerAddr {
		t.Errorf("peer address = %q, want %q", sess.PeerAddress, testPeerAddr)
	}
	if sess.DetectMultiplier != 3 {
		t.Errorf("detect multiplier = %d, want 3", sess.DetectMultiplier)
	}
}

func TestAddSessionInvalidPeerAddress(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	req := validAddRequest()
	req.PeerAddress = "not-an-address"

	resp := client.do(http.MethodPost, "/v1/sessions", req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAddSessionZeroDetectMultiplier(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	req := validAddRequest()
	req.DetectMultiplier = 0

	resp := client.do(http.MethodPost, "/v1/sessions", req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// -------------------------------------------------------------------------
// TestListSessions / TestGetSession
// -------------------------------------------------------------------------

func TestListSessions(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	addResp := client.do(http.MethodPost, "/v1/sessions", validAddRequest())
	if addResp.StatusCode != http.StatusCreated {
		t.Fatalf("setup: add session status = %d", addResp.StatusCode)
	}
	_ = decodeBody[server.SessionView](t, addResp)

	listResp := client.do(http.MethodGet, "/v1/sessions", nil)
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", listResp.StatusCode)
	}

	sessions := decodeBody[[]server.SessionView](t, listResp)
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
}

func TestGetSessionByDiscriminator(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	addResp := client.do(http.MethodPost, "/v1/sessions", validAddRequest())
	added := decodeBody[server.SessionView](t, addResp)

	getResp := client.do(http.MethodGet, fmt.Sprintf("/v1/sessions/%d", added.LocalDiscriminator), nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}

	sess := decodeBody[server.SessionView](t, getResp)
	if sess.LocalDiscriminator != added.LocalDiscriminator {
		t.Errorf("discriminator = %d, want %d", sess.LocalDiscriminator, added.LocalDiscriminator)
	}
}

func TestGetSessionByPeerAddress(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	client.do(http.MethodPost, "/v1/sessions", validAddRequest())

	getResp := client.do(http.MethodGet, "/v1/sessions/0?peer="+testPeerAddr, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}

	sess := decodeBody[server.SessionView](t, getResp)
	if sess.PeerAddress != testPeerAddr {
		t.Errorf("peer address = %q, want %q", sess.PeerAddress, testPeerAddr)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	resp := client.do(http.MethodGet, "/v1/sessions/99999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// -------------------------------------------------------------------------
// TestDeleteSession
// -------------------------------------------------------------------------

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	addResp := client.do(http.MethodPost, "/v1/sessions", validAddRequest())
	added := decodeBody[server.SessionView](t, addResp)

	delResp := client.do(http.MethodDelete, fmt.Sprintf("/v1/sessions/%d", added.LocalDiscriminator), nil)
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", delResp.StatusCode)
	}

	getResp := client.do(http.MethodGet, fmt.Sprintf("/v1/sessions/%d", added.LocalDiscriminator), nil)
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", getResp.StatusCode)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	resp := client.do(http.MethodDelete, "/v1/sessions/99999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
