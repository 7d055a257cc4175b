package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"routexd/internal/app"
	"routexd/internal/clock"
	"routexd/internal/config"
	"routexd/internal/transport/telegram"
	"routexd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, logx.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logx.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	mgr = config.NewManager(cfgPath, log)
	if _, err := mgr.Load(); err != nil {
		return err
	}

	tr, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		ParseMode:      cfg.Telegram.ParseMode,
		AttemptTimeout: cfg.Broadcast.AttemptTimeout.Std(),
	}, log)
	if err != nil {
		return fmt.Errorf("telegram transport: %w", err)
	}

	engine, err := app.New(cfg, tr, clock.System(), log)
	if err != nil {
		return err
	}

	engine.Start(ctx)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		}
	}()
	go engine.WatchConfig(ctx, mgr)

	// Tell systemd we're up; a no-op outside a unit.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info().Str("config", cfgPath).Msg("routexd started")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	engine.Stop()
	return nil
}
