// Package main starts the projector process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	projectorcmd "github.com/louisbranch/identity.space/internal/cmd/projector"
	"github.com/louisbranch/identity.space/internal/platform/config"
)

func main() {
	cfg, err := projectorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := projectorcmd.Run(ctx, cfg); err != nil {
		stop()
		config.Exitf("failed to serve: %v", err)
	}
}
