// Package gateway is the HTTP front of the service: the live-view
// WebSocket endpoint, webhook intake for the push channels and a health
// endpoint with operational counters.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bridgekit/dmgate/internal/channels/meta"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/hub"
	"github.com/bridgekit/dmgate/internal/store"
)

// Counters exposes the live operational numbers health reports.
type Counters interface {
	ActivePollers() int
}

// Server serves the gateway endpoints.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	stores   *store.Stores
	counters Counters

	messenger *meta.Channel
	whatsapp  *meta.Channel

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, h *hub.Hub, stores *store.Stores, counters Counters) *Server {
	return &Server{cfg: cfg, hub: h, stores: stores, counters: counters}
}

// SetMetaChannels mounts the Graph webhook for the push channels. Either
// may be nil when disabled.
func (s *Server) SetMetaChannels(messenger, whatsapp *meta.Channel) {
	s.messenger = messenger
	s.whatsapp = whatsapp
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	if s.messenger != nil {
		mux.HandleFunc("GET /webhooks/meta/{account}", s.handleWebhookVerify(s.messenger))
		mux.HandleFunc("POST /webhooks/meta/{account}", s.handleWebhookPost(s.messenger))
	}
	if s.whatsapp != nil {
		mux.HandleFunc("GET /webhooks/whatsapp/{account}", s.handleWebhookVerify(s.whatsapp))
		mux.HandleFunc("POST /webhooks/whatsapp/{account}", s.handleWebhookPost(s.whatsapp))
	}

	s.mux = mux
	return mux
}

// Start begins listening until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.stores.Queue.Depth(r.Context())
	if err != nil {
		slog.Error("health: queue depth", "error", err)
		depth = -1
	}

	status := map[string]any{
		"status":      "ok",
		"queue_depth": depth,
		"clients":     s.hub.ClientCount(),
	}
	if s.counters != nil {
		status["active_pollers"] = s.counters.ActivePollers()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// handleWebhookVerify answers the Graph subscription handshake.
func (s *Server) handleWebhookVerify(ch *meta.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, ok := ch.VerifyToken(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		if !ok {
			slog.Warn("webhook verification rejected", "path", r.URL.Path)
			http.Error(w, "verification failed", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
	}
}

// handleWebhookPost ingests delivery payloads. The response is always 200:
// returning an error here makes the platform retry and eventually disable
// the subscription, and the dedup gate already absorbs redeliveries.
func (s *Server) handleWebhookPost(ch *meta.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := r.PathValue("account")
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil {
			if err := ch.HandleWebhook(r.Context(), accountID, body); err != nil {
				slog.Error("webhook processing failed", "account_id", accountID, "error", err)
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
