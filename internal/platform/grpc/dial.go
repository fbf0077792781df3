package grpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultClientOptions returns plaintext, traced client options for
// in-cluster calls.
func DefaultClientOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// DialHealthy connects to addr and waits until service is SERVING. The
// connection is closed when the wait fails.
func DialHealthy(ctx context.Context, addr, service string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = DefaultClientOptions()
	}
	conn, err := gogrpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := WaitForHealth(ctx, conn, service, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
