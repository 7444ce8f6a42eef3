package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const ServiceName = "callflow.CallAgent"

// GRPCServer exposes the standard gRPC health service so orchestrators
// can probe the agent. It reports NOT_SERVING once shutdown starts.
type GRPCServer struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
	logger *slog.Logger
}

func NewGRPCServer(addr string, logger *slog.Logger) *GRPCServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{addr: addr, srv: srv, health: h, logger: logger}
}

func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, lis)
}

func (s *GRPCServer) serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.health.Shutdown()
	s.srv.GracefulStop()
	return nil
}
