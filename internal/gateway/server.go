package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
	httpapi "github.com/nextlevelbuilder/avitobridge/internal/http"
	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the health endpoint and, when configured, the webhook.
type Server struct {
	cfg     config.WebhookConfig
	store   store.MessageStore
	webhook *httpapi.WebhookHandler

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the HTTP server. webhook may be nil when push
// ingestion is disabled.
func NewServer(cfg config.WebhookConfig, st store.MessageStore, webhook *httpapi.WebhookHandler) *Server {
	return &Server{cfg: cfg, store: st, webhook: webhook}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.webhook != nil {
		s.webhook.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx is cancelled, then shuts
// down gracefully and waits for in-flight webhook dispatches.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http server starting", "addr", ln.Addr().String(), "webhook", s.webhook != nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
		if s.webhook != nil {
			s.webhook.Wait()
		}
	}()

	err := s.httpServer.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	<-done
	slog.Info("http server stopped")
	return nil
}

// handleHealth reports liveness and whether the store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
