package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coreos/go-systemd/v22/daemon"

	"orbit/internal/app"
)

const stopTimeout = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "./config.json", "path to config (json or yaml)")
	check := flag.Bool("check", false, "validate the config and exit")
	flag.Parse()

	if *check {
		if err := app.CheckConfig(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "config invalid:", err)
			os.Exit(2)
		}
		fmt.Println("config ok:", *cfgPath)
		return
	}
	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(daemon.SdNotifyReady)
	go watchdog(ctx, a)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	notify(daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return errors.Join(a.Stop(stopCtx, reason), a.Err())
}

func notify(state string) { _, _ = daemon.SdNotify(false, state) }

// watchdog pings systemd at half the unit's WatchdogSec while the app is up.
// Without WatchdogSec it returns at once.
func watchdog(ctx context.Context, a *app.App) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Done():
			return
		case <-t.C:
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
