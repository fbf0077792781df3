// Package grpc holds the gRPC server and health helpers shared by services.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a traced gRPC server with a registered health service.
// Every service starts NOT_SERVING until its owner reports otherwise.
func NewServer(opts ...gogrpc.ServerOption) (*gogrpc.Server, *health.Server) {
	opts = append([]gogrpc.ServerOption{gogrpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	server := gogrpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	return server, healthServer
}

// Serve runs server on listener until ctx ends, then marks health as
// shutting down and drains in-flight calls.
func Serve(ctx context.Context, server *gogrpc.Server, healthServer *health.Server, listener net.Listener) error {
	if server == nil || listener == nil {
		return errors.New("gRPC server and listener are required")
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		if healthServer != nil {
			healthServer.Shutdown()
		}
		server.GracefulStop()
		return serveResult(<-serveErr)
	case err := <-serveErr:
		return serveResult(err)
	}
}

func serveResult(err error) error {
	if err == nil || errors.Is(err, gogrpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("serve gRPC: %w", err)
}
