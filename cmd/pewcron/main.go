package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pewcron/internal/app"
)

func main() {
	var (
		cfgPath         string
		shutdownTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./pewcron.yaml", "path to config (yaml or json)")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "max time to wait for running jobs on shutdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	a.NotifyReady()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := a.Stop(sctx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		scancel()
		os.Exit(1)
	}
}
