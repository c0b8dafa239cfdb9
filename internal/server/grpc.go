package server

import (
	"Bastion/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the Settlement service over gRPC and the REST gateway.
type Server struct {
	svc     *SettlementService
	auth    *Authenticator
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
}

// ServerDeps holds everything the servers need.
type ServerDeps struct {
	Service       *SettlementService
	Auth          *Authenticator
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
}

// NewServer creates the gRPC server with the Settlement service registered.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) *Server {
	s := &Server{
		svc:           deps.Service,
		auth:          deps.Auth,
		metrics:       deps.Metrics,
		logger:        observability.NewLogger("server"),
		now:           time.Now,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.auth.UnaryInterceptor, s.unaryInterceptor),
	)
	s.grpcServer.RegisterService(&settlementServiceDesc, s.svc)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// GRPC exposes the underlying server. Tests serve it on a bufconn listener.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// unaryInterceptor records metrics and maps domain errors to status codes.
func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	method := strings.TrimPrefix(info.FullMethod, FullMethod(""))
	resp, err := s.observe(ctx, method, func(ctx context.Context) (any, error) {
		return handler(ctx, req)
	})
	return resp, toStatus(err)
}

// Handler returns the HTTP handler: REST routes plus health endpoints.
func (s *Server) Handler() (http.Handler, error) {
	gw, err := s.NewGateway()
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", gw)
	return httpMux, nil
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
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the REST gateway (blocking).
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
