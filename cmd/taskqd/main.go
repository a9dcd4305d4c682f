package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"taskq/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reason atomic.Value
	reason.Store(app.StopAppStop)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		if sig == syscall.SIGTERM {
			reason.Store(app.StopSIGTERM)
		} else {
			reason.Store(app.StopSIGINT)
		}
		cancel()
	}()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	// The scheduler's frame loop owns this goroutine until shutdown.
	runErr := a.Run(ctx)
	if runErr == nil {
		runErr = a.Err()
	}
	if runErr != nil && ctx.Err() == nil {
		reason.Store(app.StopFatalError)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason.Load().(app.StopReason))

	if runErr != nil && reason.Load().(app.StopReason) == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	}
}
