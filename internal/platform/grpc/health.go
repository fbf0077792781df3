package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthCallTimeout  = time.Second
	healthPollInitial  = 50 * time.Millisecond
	healthPollInterval = time.Second
)

// WaitForHealth blocks until service reports SERVING or ctx ends. An empty
// service asks for the overall server status.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return errors.New("gRPC connection is not configured")
	}
	client := grpc_health_v1.NewHealthClient(conn)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = healthPollInitial
	b.MaxInterval = healthPollInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
		defer cancel()
		resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return struct{}{}, err
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return struct{}{}, fmt.Errorf("status %s", resp.GetStatus())
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if logf != nil {
				logf("waiting for gRPC health of %q: %v", service, err)
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for gRPC health: %w", ctxErr)
		}
		return fmt.Errorf("wait for gRPC health: %w", err)
	}
	return nil
}
