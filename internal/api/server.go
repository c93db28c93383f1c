// Package api provides the local HTTP API the UI shell talks to, plus the
// webhooks providers post change notifications to.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/wesm/mailsync/internal/config"
	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/mailbox"
	"github.com/wesm/mailsync/internal/push"
	"github.com/wesm/mailsync/internal/scheduler"
	"github.com/wesm/mailsync/internal/session"
	"github.com/wesm/mailsync/internal/store"
)

// Mailboxes opens the per-account mailbox.
type Mailboxes interface {
	Open(ctx context.Context, email string) (*mailbox.Mailbox, error)
}

// SyncScheduler defines the scheduler operations the API needs.
type SyncScheduler interface {
	IsScheduled(email string) bool
	Trigger(email string) error
	Status() []AccountStatus
	IsRunning() bool
}

// AccountStatus is an alias for scheduler.AccountStatus.
type AccountStatus = scheduler.AccountStatus

// PushHandler receives provider notifications.
type PushHandler interface {
	HandleGmail(body []byte) (string, error)
	HandleGraph(body []byte) ([]string, error)
	Subscriptions() []push.Subscription
}

// Deps are the components the server serves.
type Deps struct {
	Store     *store.Store
	Mailboxes Mailboxes
	Scheduler SyncScheduler
	Session   *session.Session
	Hub       *events.Hub
	Push      PushHandler // nil disables webhooks
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	mailboxes   Mailboxes
	scheduler   SyncScheduler
	session     *session.Session
	hub         *events.Hub
	push        PushHandler
	logger      *slog.Logger
	router      chi.Router
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		store:     d.Store,
		mailboxes: d.Mailboxes,
		scheduler: d.Scheduler,
		session:   d.Session,
		hub:       d.Hub,
		push:      d.Push,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)

	corsConfig := CORSConfig{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         86400,
	}
	r.Use(CORSMiddleware(corsConfig))

	s.rateLimiter = NewRateLimiter(20, 40)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	// Providers cannot send our API key; each webhook checks its own secret.
	r.Post("/api/v1/webhooks/graph", s.handleGraphWebhook)
	r.Post("/api/v1/webhooks/gmail", s.handleGmailWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireKey)

		r.Get("/events", s.handleEvents)
		r.Get("/session", s.handleGetSession)
		r.Put("/session", s.handleSelectAccount)

		r.Get("/accounts", s.handleListAccounts)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Get("/push", s.handlePushStatus)

		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Use(chimw.Timeout(60 * time.Second))

			r.Get("/stats", s.handleStats)
			r.Post("/sync", s.handleTriggerSync)
			r.Get("/sync/runs", s.handleSyncRuns)

			r.Get("/threads", s.handleListThreads)
			r.Get("/threads/{id}", s.handleGetThread)
			r.Post("/threads/{id}/labels", s.handleModifyLabels)
			r.Post("/threads/{id}/{action}", s.handleThreadAction)

			r.Post("/messages/send", s.handleSendMessage)
			r.Get("/messages/{id}/attachments/{attachmentID}", s.handleAttachment)

			r.Get("/drafts", s.handleListDrafts)
			r.Post("/drafts", s.handleCreateDraft)
			r.Get("/drafts/{id}", s.handleGetDraft)
			r.Patch("/drafts/{id}", s.handleEditDraft)
			r.Post("/drafts/{id}/save", s.handleSaveDraft)
			r.Post("/drafts/{id}/send", s.handleSendDraft)
			r.Delete("/drafts/{id}", s.handleDiscardDraft)

			r.Get("/contacts", s.handleSearchContacts)
			r.Post("/contacts", s.handleSaveContact)
		})
	})

	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	host := s.cfg.Server.BindAddr
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.APIPort)))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves the API on ln.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication, set [server] api_key in config.toml")
	}
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// requestLog logs one line per request. Health probes log at debug and
// server errors at warn.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= 500:
			level = slog.LevelWarn
		case r.URL.Path == "/health":
			level = slog.LevelDebug
		}
		s.logger.LogAttrs(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// apiKey extracts the caller's key. Browsers cannot set headers on a
// websocket handshake, so the events endpoint also accepts ?api_key=.
func apiKey(r *http.Request) string {
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return key
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

// requireKey rejects requests without the configured API key.
func (s *Server) requireKey(next http.Handler) http.Handler {
	want := []byte(s.cfg.Server.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(want) > 0 && subtle.ConstantTimeCompare([]byte(apiKey(r)), want) != 1 {
			s.logger.Warn("rejected API request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts same-host handshakes and configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
