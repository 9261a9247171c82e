package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"clipvault/internal/archive"
	"clipvault/internal/processor"
	"clipvault/internal/queue"
)

// StatusServer exposes queue state and submission over a loopback-only
// HTTP listener. Everything beyond enqueue is read-only; command surfaces
// stay with the hosting chat client.
type StatusServer struct {
	manager  *queue.Manager
	monitor  *queue.Monitor
	recovery *queue.Recovery
	cleaner  *queue.Cleaner
	proc     *processor.Processor
	store    *archive.Store
	logger   *slog.Logger
	router   *chi.Mux
}

func NewStatusServer(
	manager *queue.Manager,
	monitor *queue.Monitor,
	recovery *queue.Recovery,
	cleaner *queue.Cleaner,
	proc *processor.Processor,
	store *archive.Store,
	logger *slog.Logger,
) *StatusServer {
	s := &StatusServer{
		manager:  manager,
		monitor:  monitor,
		recovery: recovery,
		cleaner:  cleaner,
		proc:     proc,
		store:    store,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *StatusServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.auditLog)
	s.router.Use(s.loopbackOnly)

	s.router.Post("/v1/queue", s.handleEnqueue)
	s.router.Get("/v1/health", s.handleHealth)
	s.router.Get("/v1/status/{guildID}", s.handleStatus)
	s.router.Get("/v1/metrics", s.handleMetrics)
	s.router.Get("/v1/progress", s.handleProgress)
	s.router.Get("/v1/alerts", s.handleAlerts)
	s.router.Get("/v1/recovery", s.handleRecovery)
	s.router.Get("/v1/cleanup", s.handleCleanup)
}

// auditLog records every API access with its outcome.
func (s *StatusServer) auditLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("API access",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", ww.Status())
	})
}

func (s *StatusServer) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener on the loopback interface and serves in the
// background.
func (s *StatusServer) Start(port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("Status server failed to bind", "addr", addr, "error", err)
			return
		}
		s.logger.Info("Status server listening", "addr", addr)
		if err := http.Serve(conn, s.router); err != nil {
			s.logger.Error("Status server failed", "error", err)
		}
	}()
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Response encode failed", "error", err)
	}
}

// EnqueueRequest submits a URL for archiving.
type EnqueueRequest struct {
	URL       string `json:"url"`
	MessageID int64  `json:"message_id"`
	ChannelID int64  `json:"channel_id"`
	GuildID   int64  `json:"guild_id"`
	AuthorID  int64  `json:"author_id"`
	Priority  int    `json:"priority"`
}

func (s *StatusServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	err := s.manager.Submit(req.URL, req.MessageID, req.ChannelID, req.GuildID, req.AuthorID, req.Priority)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		s.writeJSON(w, map[string]string{"status": "queued"})
	case errors.Is(err, queue.ErrDuplicate):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, queue.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, queue.ErrShutdown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.monitor.Report())
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	guildID, err := strconv.ParseInt(chi.URLParam(r, "guildID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid guild id", http.StatusBadRequest)
		return
	}
	report := s.manager.Status(guildID)
	archived, _ := s.store.CountByGuild(guildID)
	s.writeJSON(w, map[string]any{
		"guild_id": guildID,
		"queue":    report,
		"archived": archived,
	})
}

func (s *StatusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.manager.Metrics().Snapshot())
}

func (s *StatusServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	downloads, compressions := s.proc.Progress().Snapshot()
	s.writeJSON(w, map[string]any{
		"downloads":    downloads,
		"compressions": compressions,
	})
}

func (s *StatusServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.monitor.AlertStats())
}

func (s *StatusServer) handleRecovery(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.recovery.Stats())
}

func (s *StatusServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cleaner.Stats())
}
