// Package api exposes the quality controller over HTTP
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikeyg42/streamtune/internal/quality"
)

// MetricsProvider reports controller state
type MetricsProvider interface {
	GetMetrics() quality.QualityMetrics
}

// Reevaluator forces or requests a re-evaluation
type Reevaluator interface {
	RequestImmediateReevaluation()
	TriggerNow()
}

// HintUpdater accepts a network hint from the client
type HintUpdater interface {
	Update(hint quality.NetworkHint)
}

// QualityHandler handles quality management API endpoints
type QualityHandler struct {
	metrics MetricsProvider
	reeval  Reevaluator
	hints   HintUpdater
	logger  *zap.Logger
}

// NewQualityHandler creates a quality handler; nil reeval or hints disable those endpoints
func NewQualityHandler(metrics MetricsProvider, reeval Reevaluator, hints HintUpdater, logger *zap.Logger) *QualityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityHandler{
		metrics: metrics,
		reeval:  reeval,
		hints:   hints,
		logger:  logger,
	}
}

// RegisterRoutes registers quality API routes
func (h *QualityHandler) RegisterRoutes(mux *http.ServeMux, limit func(http.HandlerFunc) http.HandlerFunc) {
	if limit == nil {
		limit = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}
	mux.HandleFunc("/api/quality/metrics", limit(h.handleGetMetrics))
	mux.HandleFunc("/api/quality/reevaluate", limit(h.handleReevaluate))
	mux.HandleFunc("/api/quality/network-hint", limit(h.handleNetworkHint))
}

func (h *QualityHandler) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.metrics == nil {
		http.Error(w, "Quality controller not available", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, h.metrics.GetMetrics())
}

// handleReevaluate runs a tick now; ?defer=true only lifts the rate gate for the next tick
func (h *QualityHandler) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reeval == nil {
		http.Error(w, "Quality controller not available", http.StatusServiceUnavailable)
		return
	}

	deferred := r.URL.Query().Get("defer") == "true"
	if deferred {
		h.reeval.RequestImmediateReevaluation()
	} else {
		h.reeval.TriggerNow()
	}
	h.logger.Info("Re-evaluation requested", zap.Bool("deferred", deferred))
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"deferred": deferred})
}

func (h *QualityHandler) handleNetworkHint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.hints == nil {
		http.Error(w, "Network hints not accepted", http.StatusServiceUnavailable)
		return
	}

	var hint quality.NetworkHint
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&hint); err != nil {
		http.Error(w, "Invalid network hint", http.StatusBadRequest)
		return
	}
	if hint.DownlinkMbps < 0 {
		http.Error(w, "downlink must not be negative", http.StatusBadRequest)
		return
	}

	h.hints.Update(hint)
	w.WriteHeader(http.StatusNoContent)
}

func (h *QualityHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
