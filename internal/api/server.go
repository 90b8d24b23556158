package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"seminarhall/internal/config"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "seminarhall.Reservations"

// Pinger reports whether the reservation store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type GRPCServer struct {
	cfg      *config.APIConfig
	store    Pinger
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	log      zerolog.Logger
}

func NewGRPCServer(cfg *config.APIConfig, store Pinger, logger *zerolog.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return nil, fmt.Errorf("listen grpc port %d: %w", cfg.GRPC.Port, err)
	}

	auth := NewAuthInterceptor(cfg)
	unary := ChainUnaryInterceptors(
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	)

	opts := []grpc.ServerOption{grpc.UnaryInterceptor(unary)}
	if cfg.GRPC.TLS.Enabled {
		creds, err := serverCredentials(cfg.GRPC.TLS)
		if err != nil {
			_ = lis.Close()
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(opts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	serverLogger := zerolog.Nop()
	if logger != nil {
		serverLogger = logger.With().Str("component", "grpc").Logger()
	}

	return &GRPCServer{
		cfg:      cfg,
		store:    store,
		health:   hs,
		server:   grpcServer,
		listener: lis,
		log:      serverLogger,
	}, nil
}

// Addr is the bound listen address, useful when the port was 0.
func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}

// CheckHealth pings the store once and publishes the result.
func (s *GRPCServer) CheckHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("store health check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// WatchHealth re-checks the store every interval until ctx is done.
func (s *GRPCServer) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		s.CheckHealth(checkCtx)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Bool("tls", s.cfg.GRPC.TLS.Enabled).Msg("grpc health endpoint up")
	return s.server.Serve(s.listener)
}

// Shutdown drains in-flight calls and forces a stop when ctx expires first.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.server.GracefulStop()
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Msg("grpc drain interrupted, stopping now")
		s.server.Stop()
	}
}
