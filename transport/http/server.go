// Package http is the thin HTTP transport (§6.1-6.2): command submission in
// synchronous or asynchronous mode, and a newline-delimited-JSON event
// stream. It delegates every decision to pipeline.Driver and never carries
// engine logic of its own, mirroring the teacher's intentionally-thin
// SSE transport at ui/transports/sse.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/events"
	"github.com/taskmesh/orchestrator/model"
	"github.com/taskmesh/orchestrator/pipeline"
	"github.com/taskmesh/orchestrator/ratelimit"
	"github.com/taskmesh/orchestrator/taskstore"
)

// maxCommandLength enforces §6.1's 1-2000 character bound on submitted
// commands.
const maxCommandLength = 2000

// Server wires the Pipeline Driver, Task Store and Event Broadcaster to a
// stdlib net/http surface.
type Server struct {
	driver      *pipeline.Driver
	store       *taskstore.Store
	broadcaster *events.Broadcaster
	limiter     *ratelimit.Limiter
	corsOrigins string
	logger      core.Logger

	mux *http.ServeMux
}

// Config bundles a Server's collaborators.
type Config struct {
	Driver      *pipeline.Driver
	Store       *taskstore.Store
	Broadcaster *events.Broadcaster
	Limiter     *ratelimit.Limiter
	CORSOrigins string
	Logger      core.Logger
}

// NewServer constructs a Server with routes registered and ready to serve.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("transport/http")
	}

	s := &Server{
		driver:      cfg.Driver,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		limiter:     cfg.Limiter,
		corsOrigins: cfg.CORSOrigins,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, applying CORS and rate-limit
// middleware ahead of routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(s.withRateLimit(s.mux)).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.corsOrigins
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit enforces invariant 9: RateLimit-Limit/RateLimit-Remaining
// headers on every admitted, non-exempt response; a 429 with Retry-After on
// rejection; neither header on exempt paths.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || ratelimit.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		decision := s.limiter.Admit(clientID(r))
		if !decision.Allowed {
			w.Header().Set("Retry-After", formatSeconds(decision.RetryAfter))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		w.Header().Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitTaskRequest struct {
	Command      string `json:"command"`
	OutputFormat string `json:"output_format"`
	Owner        string `json:"owner,omitempty"`
	Sync         bool   `json:"sync,omitempty"`
}

// handleSubmitTask implements §6.1: validates the command, then either
// blocks until the task reaches a terminal status (sync mode) or runs the
// pipeline in the background and returns the queued envelope immediately.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if len(req.Command) == 0 || len(req.Command) > maxCommandLength {
		writeJSONError(w, http.StatusBadRequest, "command must be 1-2000 characters")
		return
	}
	format := model.OutputFormat(req.OutputFormat)
	switch format {
	case model.FormatJSON, model.FormatCSV, model.FormatSummary:
	case "":
		format = model.FormatJSON
	default:
		writeJSONError(w, http.StatusBadRequest, "output_format must be json, csv or summary")
		return
	}

	if req.Sync {
		task := s.driver.Run(r.Context(), req.Command, format, req.Owner)
		writeJSON(w, http.StatusOK, task)
		return
	}

	task := s.driver.Admit(r.Context(), req.Command, format, req.Owner)
	writeJSON(w, http.StatusAccepted, task)

	go s.driver.RunTask(context.Background(), task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskEvents implements §6.2: streams events for one task as
// newline-delimited JSON objects until task_done or client disconnect.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.broadcaster.Subscribe(id)
	defer sub.Close()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				s.logger.Warn("event stream write failed", map[string]interface{}{"task_id": id, "error": err.Error()})
				return
			}
			flusher.Flush()
			if event.Event == events.KindTaskDone {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
