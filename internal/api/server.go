// Package api implements the HTTP API: process an utterance, list the
// active tools, reset a conversation, report token usage, and expose
// health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/ampere/internal/agent"
	"github.com/nugget/ampere/internal/buildinfo"
	"github.com/nugget/ampere/internal/connwatch"
	"github.com/nugget/ampere/internal/metrics"
	"github.com/nugget/ampere/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Agent is the orchestration loop as seen by the API.
type Agent interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
	Generation() *agent.Generation
	Reset(conversationID string) bool
}

// HealthSource reports dependency reachability.
type HealthSource interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	agent       Agent
	health      HealthSource
	usage       UsageSource
	metrics     *metrics.Metrics
	metricsPath string
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, a Agent, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		agent:   a,
		logger:  logger.With("component", "api"),
	}
}

// SetHealth configures the dependency status reported by /health.
func (s *Server) SetHealth(h HealthSource) { s.health = h }

// SetMetrics enables request counting and serves the registry at path.
func (s *Server) SetMetrics(m *metrics.Metrics, path string) {
	s.metrics = m
	s.metricsPath = path
}

// Handler builds the request multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/conversation", s.handleConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleReset)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	if s.usage != nil {
		mux.HandleFunc("GET /v1/usage", s.handleUsage)
		mux.HandleFunc("GET /v1/conversations/{id}/exchanges", s.handleExchanges)
	}

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // exchanges may run several tool rounds
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Route patterns keep conversation ids out of metric labels.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.code))

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == s.metricsPath {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Ampere",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status       string                    `json:"status"`
	Generation   uint64                    `json:"generation"`
	Dependencies []connwatch.ServiceStatus `json:"dependencies,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if g := s.agent.Generation(); g != nil {
		resp.Generation = g.ID
	}
	code := http.StatusOK
	if s.health != nil {
		resp.Dependencies = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// ConversationRequest is the body of POST /v1/conversation.
type ConversationRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// ConversationError describes a failed exchange.
type ConversationError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ConversationResponse is the reply to POST /v1/conversation. A failed
// exchange still carries speech for the user, alongside Error.
type ConversationResponse struct {
	Speech         string             `json:"speech"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Model          string             `json:"model,omitempty"`
	Rounds         int                `json:"rounds,omitempty"`
	Error          *ConversationError `json:"error,omitempty"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	resp, err := s.agent.Run(r.Context(), &agent.Request{
		Text:           req.Text,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		Language:       req.Language,
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			// Client went away; nobody is listening for the reply.
			return
		}
		kind := string(agent.KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
		writeJSON(w, ConversationResponse{
			Speech:         agent.FailureSpeech(err),
			ConversationID: req.ConversationID,
			Error:          &ConversationError{Kind: kind, Message: err.Error()},
		}, s.logger)
		return
	}

	writeJSON(w, ConversationResponse{
		Speech:         resp.Speech,
		ConversationID: resp.ConversationID,
		Model:          resp.Model,
		Rounds:         resp.Rounds,
	}, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.agent.Reset(id) {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("conversation %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToolInfo describes one active tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Executor    string         `json:"executor"`
	Strict      bool           `json:"strict"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	out := []ToolInfo{}
	if g := s.agent.Generation(); g != nil {
		for _, spec := range g.Registry.Specs() {
			out = append(out, ToolInfo{
				Name:        spec.Name,
				Description: spec.Description,
				Executor:    tools.ExecutorKind(spec.Executor),
				Strict:      spec.Strict,
				Parameters:  spec.Parameters,
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": out}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
