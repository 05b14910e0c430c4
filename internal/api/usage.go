package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/ampere/internal/usage"
)

// UsageSource answers token usage and exchange history queries.
type UsageSource interface {
	Report(ctx context.Context, from, to time.Time) (*usage.Report, error)
	Exchanges(ctx context.Context, conversationID string, limit int) ([]usage.Exchange, error)
}

// SetUsage enables /v1/usage and the exchange history route.
func (s *Server) SetUsage(u UsageSource) { s.usage = u }

const (
	defaultUsageWindow   = 24 * time.Hour
	defaultExchangeLimit = 20
)

// handleUsage reports usage over the trailing ?window= (a Go duration,
// default 24h).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	window := defaultUsageWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}

	to := time.Now()
	report, err := s.usage.Report(r.Context(), to.Add(-window), to)
	if err != nil {
		s.logger.Error("usage report failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage report failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	limit := defaultExchangeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	list, err := s.usage.Exchanges(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("exchange lookup failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "exchange lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversation_id": id, "exchanges": list}, s.logger)
}
