package server

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/query"
	"VaultLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Replayer runs a replay of one vault on demand.
type Replayer interface {
	Replay(ctx context.Context, v core.Vault) (*core.ReplayResult, error)
}

// Server exposes the query API over HTTP/JSON and a gRPC endpoint carrying
// the health and reflection services.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string

	deps   *Deps
	logger zerolog.Logger
}

// Deps holds everything the handlers need.
type Deps struct {
	QueryService   *query.QueryService
	Replayer       Replayer              // nil disables POST .../replay
	Vaults         map[string]core.Vault // keyed by normalized address
	HealthChecker  *observability.HealthChecker
	Metrics        *observability.Metrics
	MetricsHandler http.Handler // served on /metrics when non-nil
}

func NewServer(grpcAddr, httpAddr string, deps *Deps, logger zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       logger,
	}
}

// SetServing flips the gRPC health status together with readiness.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.SetReady(serving)
	}
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
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

// Handler builds the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		name    string
		handler func(r *http.Request, params map[string]string) (any, error)
	}{
		{"GET", "/v1/vaults/{vault}/accounts/{account}", "account_at", s.accountAt},
		{"GET", "/v1/vaults/{vault}/holders", "holders_at", s.holdersAt},
		{"GET", "/v1/vaults/{vault}/integrity/{block}", "integrity", s.integrity},
		{"POST", "/v1/vaults/{vault}/replay", "replay", s.replay},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrument(rt.name, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	if s.deps.MetricsHandler != nil {
		httpMux.Handle("/metrics", s.deps.MetricsHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTP serves the HTTP API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) accountAt(r *http.Request, params map[string]string) (any, error) {
	block, err := blockParam(r)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.AccountAt(r.Context(), params["vault"], params["account"], block)
}

func (s *Server) holdersAt(r *http.Request, params map[string]string) (any, error) {
	block, err := blockParam(r)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.HoldersAt(r.Context(), params["vault"], block)
}

func (s *Server) integrity(r *http.Request, params map[string]string) (any, error) {
	block, err := strconv.ParseUint(params["block"], 10, 64)
	if err != nil {
		return nil, badRequest("invalid block %q", params["block"])
	}
	return s.deps.QueryService.VerifyIntegrity(r.Context(), params["vault"], block)
}

type replayResponse struct {
	RunID          string `json:"run_id"`
	Vault          string `json:"vault"`
	Applied        int    `json:"applied"`
	Skipped        int    `json:"skipped"`
	Rejected       int    `json:"rejected"`
	Failed         int    `json:"failed"`
	Reports        int    `json:"reports"`
	EntriesWritten int    `json:"entries_written"`
	LastBlock      uint64 `json:"last_block"`
	StateHash      string `json:"state_hash"`
}

func (s *Server) replay(r *http.Request, params map[string]string) (any, error) {
	if s.deps.Replayer == nil {
		return nil, &httpError{status: http.StatusNotImplemented, msg: "replay is disabled"}
	}
	v, ok := s.deps.Vaults[event.NormalizeAddress(params["vault"])]
	if !ok {
		return nil, &httpError{status: http.StatusNotFound, msg: "unknown vault"}
	}

	res, err := s.deps.Replayer.Replay(r.Context(), v)
	if err != nil {
		return nil, err
	}
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.MarkReplayed(time.Now())
	}
	return &replayResponse{
		RunID:          res.RunID,
		Vault:          res.Vault,
		Applied:        res.Applied,
		Skipped:        res.Skipped,
		Rejected:       res.Rejected,
		Failed:         res.Failed,
		Reports:        res.Reports,
		EntriesWritten: res.EntriesWritten,
		LastBlock:      res.LastBlock,
		StateHash:      res.StateHashHex(),
	}, nil
}

// ============================================================================
// Plumbing
// ============================================================================

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// blockParam reads ?block=, defaulting to the latest entry.
func blockParam(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("block")
	if raw == "" {
		return query.Latest, nil
	}
	block, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid block %q", raw)
	}
	return block, nil
}

func statusOf(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.Is(err, query.ErrNotFound), errors.Is(err, state.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrMalformedSnapshot), errors.Is(err, state.ErrUnsupportedDex):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) instrument(name string, h func(*http.Request, map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := h(r, params)

		code := http.StatusOK
		if err != nil {
			code = statusOf(err)
			if code >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("endpoint", name).Msg("request failed")
			}
			body = map[string]string{"error": err.Error()}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Warn().Err(err).Str("endpoint", name).Msg("write response")
		}

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}
