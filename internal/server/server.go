// Package server exposes the gateway over HTTP: platform webhooks, the
// webchat polling API, the admin API and operational endpoints.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"chatgate/internal/channel"
	"chatgate/internal/domain"
	"chatgate/internal/metrics"
	"chatgate/internal/pipeline"
	"chatgate/internal/watcher"
)

const maxBodySize = 1 << 20 // 1MB

type Config struct {
	Addr string
	// PublicURL prefixes channel webhook URLs. Empty means the URL is left
	// for the operator to fill in.
	PublicURL      string
	AdminAPIKey    string // empty disables the admin API
	AllowedOrigins []string

	Pipeline      *pipeline.Pipeline
	Conversations domain.ConversationStore
	Configs       domain.ConfigStore
	Adapters      *channel.Registry
	Watchers      *watcher.Registry
	// Health reports whether dependencies (the store) are reachable.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "server"),
	}
	s.upgrader = newUpgrader(cfg.AllowedOrigins)
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// The widget is embedded on customer sites.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Collector.Handler())

	r.HandleFunc("/webhook/{channelID}", s.handleWebhook)

	r.Route("/webchat/{channelID}", func(r chi.Router) {
		r.Use(s.webchatAuth)
		r.Get("/preferences", s.handlePreferences)
		r.Post("/conversations", s.handleStartConversation)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Use(s.loadConversation)
			r.Get("/poll", s.handlePoll)
			r.Get("/messages", s.handleMessages)
			r.Get("/ws", s.handleWebsocket)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/connectors", s.handleListConnectors)
		r.Post("/connectors", s.handleCreateConnector)
		r.Get("/connectors/{connectorID}", s.handleGetConnector)
		r.Put("/connectors/{connectorID}", s.handleUpdateConnector)
		r.Delete("/connectors/{connectorID}", s.handleDeleteConnector)

		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Get("/channels/{channelID}", s.handleGetChannel)
		r.Put("/channels/{channelID}", s.handleUpdateChannel)
		r.Delete("/channels/{channelID}", s.handleDeleteChannel)
		r.Post("/channels/{channelID}/broadcast", s.handleBroadcast)
	})

	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful Shutdown, including one that happened before it was called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := s.cfg.Pipeline.HandleWebhook(w, r, chi.URLParam(r, "channelID")); err != nil {
		s.writeError(w, r, err)
	}
}

// webhookURL is where platforms should push events for channelID.
func (s *Server) webhookURL(channelID string) string {
	if s.cfg.PublicURL == "" {
		return ""
	}
	return s.cfg.PublicURL + "/webhook/" + channelID
}
