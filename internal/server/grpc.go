package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"SpinLedger/internal/event"
	"SpinLedger/internal/observability"
	"SpinLedger/internal/projection"
	"SpinLedger/internal/query"
)

const replyTimeout = 5 * time.Second

// GRPCServer wraps the gRPC server (health + reflection) and the
// HTTP/JSON API. The HTTP side is served from a gRPC-Gateway mux so
// routes carry {param} path templates; handlers talk to the query
// service directly and inject commands into the engine's event channel.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
	deps          *ServerDeps
}

// ServerDeps holds everything the HTTP handlers need.
type ServerDeps struct {
	DB             *sql.DB
	QueryService   *query.QueryService
	EventChan      chan<- event.Event
	Metrics        *observability.Metrics
	HealthChecker  *observability.HealthChecker
	StuckThreshold time.Duration
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        logger,
		deps:          deps,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		name    string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/spins", "admit_spin", s.handleAdmitSpin},
		{"POST", "/v1/spins/{address}/{spin_id}/retry", "retry_spin", s.handleRetrySpin},
		{"DELETE", "/v1/spins/{address}/{spin_id}", "remove_spin", s.handleRemoveSpin},
		{"GET", "/v1/queue/{address}", "queue_state", s.handleQueueState},
		{"GET", "/v1/queue/{address}/pending", "pending_spins", s.handlePendingSpins},
		{"GET", "/v1/queue/{address}/ready", "ready_to_claim", s.handleReadyToClaim},
		{"GET", "/v1/queue/{address}/recent", "recent_spins", s.handleRecentSpins},
		{"GET", "/v1/queue/{address}/stats", "stats", s.handleStats},
		{"GET", "/v1/queue/{address}/available", "availability", s.handleAvailability},
		{"GET", "/v1/queue/{address}/stuck", "stuck_spins", s.handleStuckSpins},
		{"POST", "/v1/admin/force-release", "force_release", s.handleForceRelease},
		{"POST", "/v1/admin/validate", "validate", s.handleValidate},
		{"POST", "/v1/admin/clear-old", "clear_old", s.handleClearOld},
		{"POST", "/v1/admin/rebuild-projections", "rebuild_projections", s.handleRebuildProjections},
	}

	for _, r := range routes {
		handler := s.instrument(r.name, r.handler)
		if err := mux.HandlePath(r.method, r.pattern, handler); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// instrument wraps a handler with per-endpoint request counters and a
// latency histogram.
func (s *GRPCServer) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r, pathParams)
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(sw.code)).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if sw.code >= 500 {
				s.deps.Metrics.QueryErrors.WithLabelValues(name, strconv.Itoa(sw.code)).Inc()
			}
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// --- Command handlers (inject events into the engine loop) ---

type admitSpinRequest struct {
	Address            string `json:"address"`
	BetPerLine         int64  `json:"bet_per_line"`
	SelectedPaylines   int64  `json:"selected_paylines"`
	TotalBet           int64  `json:"total_bet"`
	EstimatedTotalCost int64  `json:"estimated_total_cost"`
	ContractID         string `json:"contract_id"`
}

func (s *GRPCServer) handleAdmitSpin(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req admitSpinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if req.BetPerLine <= 0 || req.SelectedPaylines <= 0 {
		writeError(w, http.StatusBadRequest, "bet_per_line and selected_paylines must be positive")
		return
	}
	if req.TotalBet == 0 {
		req.TotalBet = req.BetPerLine * req.SelectedPaylines
	}
	if req.EstimatedTotalCost == 0 {
		req.EstimatedTotalCost = req.TotalBet
	}

	// Buffered so the engine's non-blocking reply send always lands.
	replyTo := make(chan string, 1)
	evt := &event.SpinRequested{
		Wallet:             req.Address,
		BetPerLine:         req.BetPerLine,
		SelectedPaylines:   req.SelectedPaylines,
		TotalBet:           req.TotalBet,
		EstimatedTotalCost: req.EstimatedTotalCost,
		ContractID:         req.ContractID,
		ReplyTo:            replyTo,
	}
	if !s.submit(w, r.Context(), evt) {
		return
	}

	select {
	case spinID := <-replyTo:
		writeJSON(w, http.StatusAccepted, map[string]string{"spin_id": spinID, "address": req.Address})
	case <-time.After(replyTimeout):
		writeError(w, http.StatusGatewayTimeout, "engine did not acknowledge admission")
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	}
}

func (s *GRPCServer) handleRetrySpin(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	address, spinID := pathParams["address"], pathParams["spin_id"]
	if address == "" || spinID == "" {
		writeError(w, http.StatusBadRequest, "address and spin_id are required")
		return
	}
	if !s.submit(w, r.Context(), &event.SpinRetryRequested{Wallet: address, SpinID: spinID}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"spin_id": spinID, "status": "accepted"})
}

func (s *GRPCServer) handleRemoveSpin(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	address, spinID := pathParams["address"], pathParams["spin_id"]
	if address == "" || spinID == "" {
		writeError(w, http.StatusBadRequest, "address and spin_id are required")
		return
	}
	if !s.submit(w, r.Context(), &event.SpinRemoveRequested{Wallet: address, SpinID: spinID}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"spin_id": spinID, "status": "accepted"})
}

type forceReleaseRequest struct {
	Address string `json:"address"`
	SpinID  string `json:"spin_id"`
}

func (s *GRPCServer) handleForceRelease(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req forceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Address == "" || req.SpinID == "" {
		writeError(w, http.StatusBadRequest, "address and spin_id are required")
		return
	}
	if !s.submit(w, r.Context(), &event.ForceReleaseRequested{Wallet: req.Address, SpinID: req.SpinID}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"spin_id": req.SpinID, "status": "accepted"})
}

type validateRequest struct {
	Address string `json:"address"` // Empty sweeps every wallet
}

func (s *GRPCServer) handleValidate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req validateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
	}
	if !s.submit(w, r.Context(), &event.ValidateRequested{Wallet: req.Address}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type clearOldRequest struct {
	Address  string `json:"address"`
	MaxAgeMs int64  `json:"max_age_ms"`
}

func (s *GRPCServer) handleClearOld(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req clearOldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Address == "" || req.MaxAgeMs <= 0 {
		writeError(w, http.StatusBadRequest, "address and positive max_age_ms are required")
		return
	}
	if !s.submit(w, r.Context(), &event.ClearOldRequested{Wallet: req.Address, MaxAgeMs: req.MaxAgeMs}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *GRPCServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB, s.logger); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// submit delivers an event to the engine loop, failing the request if
// the caller gives up first. Returns false when a response was written.
func (s *GRPCServer) submit(w http.ResponseWriter, ctx context.Context, evt event.Event) bool {
	select {
	case s.deps.EventChan <- evt:
		return true
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "engine busy, request cancelled")
		return false
	}
}

// --- Query handlers (read from Postgres, never touch the engine) ---

func (s *GRPCServer) handleQueueState(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.deps.QueryService.GetQueueState(r.Context(), pathParams["address"])
	s.respond(w, resp, err)
}

func (s *GRPCServer) handlePendingSpins(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.deps.QueryService.GetPendingSpins(r.Context(), pathParams["address"])
	s.respond(w, resp, err)
}

func (s *GRPCServer) handleReadyToClaim(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.deps.QueryService.GetReadyToClaim(r.Context(), pathParams["address"])
	s.respond(w, resp, err)
}

func (s *GRPCServer) handleRecentSpins(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)
	resp, err := s.deps.QueryService.GetRecentSpins(r.Context(), pathParams["address"], limit, offset)
	s.respond(w, resp, err)
}

func (s *GRPCServer) handleStats(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.deps.QueryService.GetStats(r.Context(), pathParams["address"])
	s.respond(w, resp, err)
}

func (s *GRPCServer) handleAvailability(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	confirmedRaw := r.URL.Query().Get("confirmed")
	confirmed, err := strconv.ParseInt(confirmedRaw, 10, 64)
	if err != nil || confirmed < 0 {
		writeError(w, http.StatusBadRequest, "confirmed must be a non-negative integer")
		return
	}
	resp, qerr := s.deps.QueryService.GetAvailability(r.Context(), pathParams["address"], confirmed)
	s.respond(w, resp, qerr)
}

func (s *GRPCServer) handleStuckSpins(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	threshold := s.deps.StuckThreshold
	if ms := intQuery(r, "threshold_ms", 0); ms > 0 {
		threshold = time.Duration(ms) * time.Millisecond
	}
	resp, err := s.deps.QueryService.GetStuckSpins(r.Context(), pathParams["address"], threshold)
	s.respond(w, resp, err)
}

func (s *GRPCServer) respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		s.logger.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
