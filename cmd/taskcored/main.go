package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskcore/internal/app"
	logx "taskcore/pkg/logx"
	"taskcore/pkg/systemd"
)

func main() {
	var (
		cfgPath  string
		seedPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&seedPath, "seed", "", "optional JSON array of tasks to admit at startup")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		stop(a, app.StopFatalError)
		os.Exit(1)
	}

	if seedPath != "" {
		n, err := a.SeedFile(ctx, seedPath)
		if err != nil {
			boot.Warn("seed incomplete", logx.Int("admitted", n), logx.Err(err))
		}
	}

	if _, err := systemd.Ready(); err != nil {
		boot.Warn("sd_notify ready failed", logx.Err(err))
	}
	go func() {
		if err := systemd.Watchdog(ctx); err != nil {
			boot.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		// The supervisor context also ends on signal.
		if ctx.Err() == nil {
			reason = app.StopFatalError
			boot.Error("fatal", logx.Err(a.Err()))
		}
	}

	_, _ = systemd.Stopping()
	stop(a, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
