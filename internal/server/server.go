// Package server exposes the broker over HTTP. Identity is the
// X-Peer-ID header, supplied by the auth proxy in front of this
// daemon; the server trusts it and never authenticates itself.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/netshare/netshare/internal/broker"
	"github.com/netshare/netshare/internal/config"
)

const peerIDHeader = "X-Peer-ID"

type peerIDKey struct{}

// Server serves the broker API.
type Server struct {
	cfg    config.ServerConfig
	broker *broker.Broker
	log    *slog.Logger
}

func New(cfg config.ServerConfig, b *broker.Broker, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, broker: b, log: logger}
}

// Handler builds the route tree. Split out from Run for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requirePeerID)
		r.Post("/peers", s.handleRegister)
		r.Post("/sharing/start", s.handleSharingStart)
		r.Post("/sharing/stop", s.handleSharingStop)
		r.Put("/sharing/settings", s.handleSharingSettings)
		r.Post("/usage", s.handleUsage)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Get("/status", s.handleStatus)
		r.Get("/networks", s.handleNetworks)
		r.Get("/status/ws", s.handleStatusWS)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. With
// TLS mode "auto" certificates come from Let's Encrypt; the default
// "off" serves plain HTTP for deployments behind a TLS-terminating
// proxy.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server

	if s.cfg.TLSMode == "auto" {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSHost),
		}
		srv.TLSConfig = manager.TLSConfig()

		challengeServer = &http.Server{
			Addr:              ":80",
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", challengeServer.Addr)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info("starting HTTPS API server", "addr", srv.Addr, "host", s.cfg.TLSHost)
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			s.log.Info("starting HTTP API server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		var firstErr error
		if err := shutdownServer(srv, 5*time.Second); err != nil {
			firstErr = err
		}
		if challengeServer != nil {
			if err := shutdownServer(challengeServer, 5*time.Second); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	case err := <-errCh:
		return err
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// requirePeerID rejects requests missing the identity header and
// stashes the peer id on the request context.
func (s *Server) requirePeerID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := r.Header.Get(peerIDHeader)
		if peerID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+peerIDHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), peerIDKey{}, peerID)))
	})
}

func peerID(r *http.Request) string {
	id, _ := r.Context().Value(peerIDKey{}).(string)
	return id
}
