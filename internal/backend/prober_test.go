package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

func TestHTTPProberMeasures(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/probe" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	p := NewHTTPProber("fly.dev", 5*time.Second)
	p.Resolve = func(string) string { return srv.URL }

	sample, err := p.Probe(context.Background(), "netshare-4567-1")
	if err != nil {
		t.Fatal(err)
	}
	if sample.LatencyMs < 0 {
		t.Fatalf("negative latency %v", sample.LatencyMs)
	}
	if sample.ThroughputMbps <= 0 {
		t.Fatalf("expected positive throughput, got %v", sample.ThroughputMbps)
	}
	if sample.MeasuredAt.IsZero() {
		t.Fatal("expected measurement timestamp")
	}
}

func TestHTTPProberStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProber("fly.dev", 5*time.Second)
	p.Resolve = func(string) string { return srv.URL }

	if _, err := p.Probe(context.Background(), "inst"); !errors.Is(err, domain.ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	p := NewHTTPProber("fly.dev", time.Second)
	p.Resolve = func(string) string { return srv.URL }

	if _, err := p.Probe(context.Background(), "inst"); !errors.Is(err, domain.ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}

func TestHTTPProberTimeoutBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	p := NewHTTPProber("fly.dev", 50*time.Millisecond)
	p.Resolve = func(string) string { return srv.URL }

	start := time.Now()
	_, err := p.Probe(context.Background(), "inst")
	if !errors.Is(err, domain.ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("probe was not bounded by its timeout")
	}
}
