// Package cmd holds the startup plumbing of identity.space commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/louisbranch/identity.space/internal/platform/config"
	"github.com/louisbranch/identity.space/internal/platform/otel"
)

// ServiceProjector names the projector in telemetry resources.
const ServiceProjector = "projector"

const telemetryFlushTimeout = 5 * time.Second

// LoadConfig reads environment defaults into cfg, lets bind register flags
// over those values and then parses args.
func LoadConfig[T any](cfg *T, fs *flag.FlagSet, args []string, bind func(*T)) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if fs == nil {
		return errors.New("flag set is required")
	}
	if err := config.Load(cfg, nil); err != nil {
		return err
	}
	if bind != nil {
		bind(cfg)
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// Run traces service while fn runs. Spans are flushed after fn returns with
// their own deadline, so a cancelled ctx still exports them.
func Run(ctx context.Context, service string, logger *slog.Logger, fn func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if fn == nil {
		return fmt.Errorf("run function is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryFlushTimeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("flush telemetry", "service", service, "error", err)
		}
	}()
	return fn(ctx)
}
