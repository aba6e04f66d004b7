package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

func TestHostedBackendCreateInstance(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody createMachineRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeJSONStatus(w, http.StatusCreated, map[string]string{"id": "machine-42"})
	}))
	defer srv.Close()

	b := NewHostedBackend(srv.URL, "secret", "netshare-tunnels", 5*time.Second)
	b.now = func() time.Time { return time.Unix(1700000000, 0) }

	ref, err := b.CreateInstance(context.Background(), "5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "machine-42" {
		t.Fatalf("expected provider machine id, got %q", ref)
	}
	if gotPath != "/apps/netshare-tunnels/machines" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.Name != "netshare-4567-1700000000" {
		t.Fatalf("unexpected instance name %q", gotBody.Name)
	}
	if gotBody.Config.Env["PEER_ID"] != "5551234567" {
		t.Fatalf("expected peer id in env, got %v", gotBody.Config.Env)
	}
}

func TestHostedBackendCreateFallsBackToName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := NewHostedBackend(srv.URL, "", "app", 5*time.Second)
	b.now = func() time.Time { return time.Unix(42, 0) }

	ref, err := b.CreateInstance(context.Background(), "5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref, "netshare-4567-") {
		t.Fatalf("expected requested name as reference, got %q", ref)
	}
}

func TestHostedBackendCreateUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHostedBackend(srv.URL, "", "app", 5*time.Second)
	if _, err := b.CreateInstance(context.Background(), "5551234567"); !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestHostedBackendDestroyInstance(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHostedBackend(srv.URL, "", "app", 5*time.Second)
	if err := b.DestroyInstance(context.Background(), "machine-42"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/apps/app/machines/machine-42" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestHostedBackendDestroyMissingIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := NewHostedBackend(srv.URL, "", "app", 5*time.Second)
	if err := b.DestroyInstance(context.Background(), "gone"); err != nil {
		t.Fatalf("expected 404 destroy to succeed, got %v", err)
	}
}

func TestHostedBackendDestroyUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewHostedBackend(srv.URL, "", "app", 5*time.Second)
	if err := b.DestroyInstance(context.Background(), "machine-42"); !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
