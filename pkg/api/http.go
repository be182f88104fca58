// Package api exposes the price oracle over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/StrathCole/oracle-client/pkg/failover"
	"github.com/StrathCole/oracle-client/pkg/health"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/volatility"
)

const requestTimeout = 10 * time.Second

// Oracle is the price service the API serves.
type Oracle interface {
	Quote(ctx context.Context, symbol string, freshness time.Duration) (sources.Quote, error)
	GetBatchPrices(ctx context.Context, req failover.BatchRequest) failover.BatchResult
	Status() failover.Status
	SetSourceEnabled(name string, enabled bool) error
}

// Ranker ranks symbols by volatility.
type Ranker interface {
	Rank(w volatility.Window) []volatility.Snapshot
}

// Server represents the HTTP API server.
type Server struct {
	addr   string
	oracle Oracle
	ranker Ranker
	server *http.Server
	logger *logging.Logger
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, oracle Oracle, ranker Ranker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Server{
		addr:   addr,
		oracle: oracle,
		ranker: ranker,
		logger: logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", instrument("/health", s.handleHealth))
	mux.Handle("GET /v1/prices", instrument("/v1/prices", s.handlePrices))
	mux.Handle("GET /v1/prices/{symbol}", instrument("/v1/prices/{symbol}", s.handlePrice))
	mux.Handle("GET /v1/status", instrument("/v1/status", s.handleStatus))
	mux.Handle("GET /v1/volatility", instrument("/v1/volatility", s.handleVolatility))
	mux.Handle("PUT /v1/sources/{name}", instrument("/v1/sources/{name}", s.handleSource))
	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

type healthResponse struct {
	Status         string `json:"status"`
	HealthySources int    `json:"healthy_sources"`
	TotalSources   int    `json:"total_sources"`
}

// handleHealth reports 503 when no enabled source is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.oracle.Status()
	resp := healthResponse{Status: "ok", TotalSources: len(st.Sources)}
	for _, src := range st.Sources {
		if src.Enabled && src.IsHealthy && src.Breaker.State != health.StateOpen {
			resp.HealthySources++
		}
	}
	code := http.StatusOK
	if resp.HealthySources == 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

type batchResponse struct {
	Quotes        map[string]sources.Quote       `json:"quotes"`
	Volatility    map[string]volatility.Snapshot `json:"volatility,omitempty"`
	Errors        map[string]string              `json:"errors,omitempty"`
	FromCache     bool                           `json:"from_cache"`
	CachedSymbols []string                       `json:"cached_symbols"`
	LatencyMs     int64                          `json:"total_latency_ms"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var symbols []string
	for _, part := range strings.Split(q.Get("symbols"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			symbols = append(symbols, part)
		}
	}
	if len(symbols) == 0 {
		s.sendError(w, http.StatusBadRequest, "symbols is required")
		return
	}

	freshness, err := parseFreshness(q.Get("freshness"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	includeVol := false
	if raw := q.Get("volatility"); raw != "" {
		if includeVol, err = strconv.ParseBool(raw); err != nil {
			s.sendError(w, http.StatusBadRequest, "volatility must be a boolean")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res := s.oracle.GetBatchPrices(ctx, failover.BatchRequest{
		Symbols:           symbols,
		RequiredFreshness: freshness,
		IncludeVolatility: includeVol,
	})

	resp := batchResponse{
		Quotes:        res.Quotes,
		Volatility:    res.Volatility,
		FromCache:     res.FromCache,
		CachedSymbols: res.CachedSymbols,
		LatencyMs:     res.TotalLatency.Milliseconds(),
	}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]string, len(res.Errors))
		for symbol, err := range res.Errors {
			resp.Errors[symbol] = err.Error()
		}
	}

	code := http.StatusOK
	if len(res.Quotes) == 0 {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	freshness, err := parseFreshness(r.URL.Query().Get("freshness"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	quote, err := s.oracle.Quote(ctx, r.PathValue("symbol"), freshness)
	if err != nil {
		s.logger.Debug("Price lookup failed", "symbol", r.PathValue("symbol"), "error", err)
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, quote)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.oracle.Status())
}

type sourceRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.sendError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	name := r.PathValue("name")
	if err := s.oracle.SetSourceEnabled(name, *req.Enabled); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, health.ErrUnknownSource) {
			code = http.StatusNotFound
		}
		s.sendError(w, code, err.Error())
		return
	}
	s.logger.Info("Source toggled via API", "source", name, "enabled", *req.Enabled)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"source": name, "enabled": *req.Enabled})
}

func (s *Server) handleVolatility(w http.ResponseWriter, r *http.Request) {
	window := volatility.Window24h
	if raw := r.URL.Query().Get("window"); raw != "" {
		var err error
		if window, err = volatility.ParseWindow(raw); err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"window":  window,
		"symbols": s.ranker.Rank(window),
	})
}

// statusFor maps lookup errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, failover.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// parseFreshness accepts a Go duration ("90s") or whole seconds ("90").
func parseFreshness(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid freshness %q", raw)
	}
	return d, nil
}

// sendJSON sends a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, msg string) {
	s.sendJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per endpoint.
func instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.RecordHTTPRequest(endpoint, strconv.Itoa(rec.status), time.Since(start))
		}()
		h(rec, r)
	})
}
