package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netshare/netshare/internal/alloc"
	"github.com/netshare/netshare/internal/broker"
	"github.com/netshare/netshare/internal/config"
	"github.com/netshare/netshare/internal/domain"
	"github.com/netshare/netshare/internal/log"
	"github.com/netshare/netshare/internal/store/sqlite"
)

type stubBackend struct {
	seq atomic.Int64
}

func (s *stubBackend) CreateInstance(_ context.Context, _ string) (string, error) {
	return fmt.Sprintf("stub-%d", s.seq.Add(1)), nil
}

func (s *stubBackend) DestroyInstance(_ context.Context, _ string) error { return nil }

type stubProber struct{}

func (stubProber) Probe(_ context.Context, instance string) (domain.QualitySample, error) {
	return domain.QualitySample{LatencyMs: 40, ThroughputMbps: 30, MeasuredAt: time.Now().UTC()}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := log.NewWithWriter("error", io.Discard)
	b := broker.New(store, &stubBackend{}, stubProber{}, nil,
		alloc.New(9000, 10000, store), logger, broker.Options{InstanceDomain: "test.dev"})
	cfg := config.ServerConfig{StatusPushInterval: 20 * time.Millisecond}
	ts := httptest.NewServer(New(cfg, b, logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, peer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if peer != "" {
		req.Header.Set(peerIDHeader, peer)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func register(t *testing.T, ts *httptest.Server, peer, role string) {
	t.Helper()
	resp := doRequest(t, ts, http.MethodPost, "/v1/peers", peer, registerRequest{Role: role})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", peer, resp.StatusCode)
	}
}

func startSharing(t *testing.T, ts *httptest.Server, peer string) sharingStartResponse {
	t.Helper()
	resp := doRequest(t, ts, http.MethodPost, "/v1/sharing/start", peer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start sharing %s: status %d", peer, resp.StatusCode)
	}
	return decodeBody[sharingStartResponse](t, resp)
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, ts, http.MethodPost, "/v1/peers", "sharer0001", registerRequest{Role: "sharer"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	got := decodeBody[registerResponse](t, resp)
	if got.PeerID != "sharer0001" || got.Role != "sharer" || got.DailyLimitGB != 5 {
		t.Errorf("response = %+v", got)
	}

	resp = doRequest(t, ts, http.MethodPost, "/v1/peers", "sharer0001", registerRequest{Role: "client"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}
	resp = doRequest(t, ts, http.MethodPost, "/v1/peers", "badpeer001", registerRequest{Role: "admin"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", resp.StatusCode)
	}
	resp = doRequest(t, ts, http.MethodPost, "/v1/peers", "", registerRequest{Role: "client"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", resp.StatusCode)
	}
}

func TestSharingLifecycle(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "sharer0001", "sharer")

	started := startSharing(t, ts, "sharer0001")
	if started.Port != 9000 || started.TunnelID == "" {
		t.Errorf("start response = %+v", started)
	}

	resp := doRequest(t, ts, http.MethodPost, "/v1/sharing/start", "sharer0001", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}

	resp = doRequest(t, ts, http.MethodPut, "/v1/sharing/settings", "sharer0001", settingsRequest{DailyLimitGB: 50})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("settings status = %d, want 204", resp.StatusCode)
	}
	resp = doRequest(t, ts, http.MethodPut, "/v1/sharing/settings", "sharer0001", settingsRequest{DailyLimitGB: 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, ts, http.MethodGet, "/v1/status", "sharer0001", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status status = %d, want 200", resp.StatusCode)
	}
	status := decodeBody[domain.SharerStatus](t, resp)
	if !status.SharingEnabled || status.DailyLimitGB != 50 || len(status.Tunnels) != 1 {
		t.Errorf("sharer status = %+v", status)
	}

	resp = doRequest(t, ts, http.MethodPost, "/v1/sharing/stop", "sharer0001", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", resp.StatusCode)
	}
	resp = doRequest(t, ts, http.MethodPost, "/v1/sharing/stop", "sharer0001", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second stop status = %d, want 409", resp.StatusCode)
	}
}

func TestConnectFlow(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "sharer0001", "sharer")
	startSharing(t, ts, "sharer0001")
	register(t, ts, "client0001", "client")

	resp := doRequest(t, ts, http.MethodGet, "/v1/networks", "client0001", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("networks status = %d", resp.StatusCode)
	}
	networks := decodeBody[[]domain.Network](t, resp)
	if len(networks) != 1 || networks[0].SharerID != "0001" || networks[0].Quality != "good" {
		t.Fatalf("networks = %+v", networks)
	}

	resp = doRequest(t, ts, http.MethodPost, "/v1/connect", "client0001", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}
	status := decodeBody[domain.ClientStatus](t, resp)
	if status.Tunnel == nil {
		t.Fatal("connect response has no tunnel")
	}
	if status.Tunnel.SharerID != "0001" {
		t.Errorf("sharer id = %q, want redacted 0001", status.Tunnel.SharerID)
	}
	if !strings.HasSuffix(status.Tunnel.ProxyEndpoint, ".test.dev:9000") {
		t.Errorf("proxy endpoint = %q", status.Tunnel.ProxyEndpoint)
	}
	if status.Tunnel.ProxyUser == "" || status.Tunnel.ProxyPass == "" {
		t.Error("proxy credentials missing")
	}

	resp = doRequest(t, ts, http.MethodPost, "/v1/disconnect", "client0001", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("disconnect status = %d, want 204", resp.StatusCode)
	}
	resp = doRequest(t, ts, http.MethodPost, "/v1/disconnect", "client0001", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second disconnect status = %d, want 409", resp.StatusCode)
	}
}

func TestUsageIngest(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "sharer0001", "sharer")
	started := startSharing(t, ts, "sharer0001")

	resp := doRequest(t, ts, http.MethodPost, "/v1/usage", "sharer0001",
		usageRequest{TunnelID: started.TunnelID, UsedGB: 0.5})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("usage status = %d, want 204", resp.StatusCode)
	}

	resp = doRequest(t, ts, http.MethodGet, "/v1/status", "sharer0001", nil)
	status := decodeBody[domain.SharerStatus](t, resp)
	if status.SharedTodayGB != 0.5 {
		t.Errorf("shared today = %v, want 0.5", status.SharedTodayGB)
	}

	resp = doRequest(t, ts, http.MethodPost, "/v1/usage", "sharer0001",
		usageRequest{TunnelID: started.TunnelID, UsedGB: -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative usage status = %d, want 400", resp.StatusCode)
	}
	resp = doRequest(t, ts, http.MethodPost, "/v1/usage", "sharer0001",
		usageRequest{TunnelID: "nope", UsedGB: 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tunnel status = %d, want 404", resp.StatusCode)
	}
}

func TestConnectNoneAvailable(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "client0001", "client")

	resp := doRequest(t, ts, http.MethodPost, "/v1/connect", "client0001", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	got := decodeBody[errorResponse](t, resp)
	if got.Error == "" {
		t.Error("error response missing reason")
	}
}

func TestStatusWS(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "client0001", "client")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/status/ws"
	header := http.Header{}
	header.Set(peerIDHeader, "client0001")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		var status domain.ClientStatus
		if err := conn.ReadJSON(&status); err != nil {
			t.Fatalf("read push %d: %v", i, err)
		}
		if status.PeerID != "client0001" {
			t.Errorf("push %d peer = %q", i, status.PeerID)
		}
	}
}
