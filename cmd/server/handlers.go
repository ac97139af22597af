package main

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
	"github.com/yourorg/whale-intel/internal/storage"
	"github.com/yourorg/whale-intel/internal/validation"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)  // Health check endpoint
	mux.Handle("GET /metrics", promhttp.Handler()) // Prometheus metrics endpoint
	mux.HandleFunc("GET /status", s.handleStatus)  // Service status endpoint
	mux.HandleFunc("/circuit", s.handleCircuit)    // Circuit breaker status/control
	mux.Handle("GET /ws", s.hub)                   // Real-time whale events

	mux.HandleFunc("GET /api/coins", s.handleCoins)
	mux.HandleFunc("GET /api/whales/{coin}/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/whales/{coin}/analysis", s.handleAnalysis)
	mux.HandleFunc("GET /api/whales/{coin}/wallets", s.handleTopWallets)
	mux.HandleFunc("GET /api/wallets/{address}", s.handleWallet)

	return mux
}

// handleHealth reports degraded when a backend check fails
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.health(r.Context())
	status, code := "OK", http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status, code = "DEGRADED", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "operational",
		"uptime":        time.Since(startTime).String(),
		"version":       "1.0.0",
		"tracked_coins": len(s.runner.Coins()),
		"ws_clients":    s.hub.Clients(),
		"breakers":      s.snapshots(),
	}
	if s.webhook != nil {
		status["webhook"] = s.webhook.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCircuit shows every upstream breaker. POST ?action=reset resets one
// upstream (upstream=name) or all of them.
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			errorResponse(w, http.StatusBadRequest, "unsupported action")
			return
		}
		name := r.URL.Query().Get("upstream")
		reset := 0
		for n, u := range s.upstreams {
			if name == "" || name == n {
				u.Breaker().Reset()
				reset++
			}
		}
		if reset == 0 {
			errorResponse(w, http.StatusNotFound, "unknown upstream "+name)
			return
		}
		logrus.Infof("Reset %d circuit breaker(s) via API", reset)
		response["message"] = "Circuit breaker reset"
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	response["breakers"] = s.snapshots()
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) snapshots() []circuitbreaker.Snapshot {
	out := make([]circuitbreaker.Snapshot, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, u.Breaker().Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) handleCoins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"coins": s.runner.Coins()})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q, err := parseTransactionQuery(r.URL.Query())
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.service.GetWhaleTransactions(r.Context(), r.PathValue("coin"), q)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	tf, err := validation.ParseTimeframe(queryOrDefault(r.URL.Query(), "timeframe", "24h"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	analysis, err := s.service.AnalyzeWhaleMovements(r.Context(), r.PathValue("coin"), tf)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleTopWallets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query(), "limit", 0)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	wallets, err := s.service.GetTopWhaleWallets(r.Context(), r.PathValue("coin"), limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": wallets})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.service.GetWhaleWallet(r.Context(), r.PathValue("address"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if wallet == nil {
		errorResponse(w, http.StatusNotFound, "no whale activity for address")
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalidQuery), errors.Is(err, storage.ErrInvalidInput):
		errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		logrus.Errorf("Request failed: %v", err)
		errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}
