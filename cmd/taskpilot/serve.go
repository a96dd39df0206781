package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"taskpilot/internal/app"
	"taskpilot/pkg/logx"
)

var serveShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, autonomous loop and HTTP API until interrupted",
	RunE:  serveRun,
}

func init() {
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "upper bound for graceful shutdown")
}

func serveRun(cmd *cobra.Command, _ []string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(cmd.Context()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(daemon.SdNotifyReady)

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	notify(daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notify is a no-op outside systemd (NOTIFY_SOCKET unset).
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logx.NewConsole("warn").Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
