package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// CDPQuerier is the read side served over HTTP.
type CDPQuerier interface {
	GetCDP(ctx context.Context, id uuid.UUID) (*query.CDPResponse, error)
	ListCDPsByOwner(ctx context.Context, owner string) ([]query.CDPResponse, error)
	Preview(ctx context.Context, id uuid.UUID, req query.PreviewRequest) (*query.PreviewResponse, error)
	GetOperationHistory(cdpID uuid.UUID, limit int) []projection.OperationEntry
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// EventIngester is the manual injection path into the core.
type EventIngester interface {
	SubmitOperation(ctx context.Context, req ingestion.OperationRequest) (uuid.UUID, error)
	InjectPrice(ctx context.Context, price fpmath.Amount, confidenceBps uint32, priceSequence int64) error
	UpdateSystemParams(ctx context.Context, emergencyShutdown bool, maxAmountAllowed fpmath.Amount, safetyBufferBps uint64, sequence int64) error
	SettleLiquidation(ctx context.Context, cdpID, liquidationID uuid.UUID) error
}

// Deps holds everything the HTTP and gRPC surfaces call into.
type Deps struct {
	Query         CDPQuerier
	Ingest        EventIngester
	HealthChecker *observability.HealthChecker

	// Admin hooks; nil disables the route.
	RebuildProjections func(ctx context.Context) error
	LatestSequence     func(ctx context.Context) (int64, error)

	Logger zerolog.Logger
}

// Server wraps the gRPC server (health + reflection) and the HTTP/JSON
// gateway mux.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	handler    http.Handler
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// NewServer creates the servers with every route registered. Neither is
// listening until StartGRPC / StartHTTP.
func NewServer(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	logger := deps.Logger.With().Str("component", "server").Logger()

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))

	// Not serving until recovery completes
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gw := runtime.NewServeMux()
	h := &handlers{deps: deps, logger: logger}
	if err := h.register(gw); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", gw)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		handler:    httpMux,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		logger:     logger,
	}, nil
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("grpc call")
		return resp, err
	}
}
