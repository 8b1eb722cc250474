package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"webhookbroker/internal/appctx"
	"webhookbroker/internal/config"
	"webhookbroker/internal/controlplane"
	"webhookbroker/internal/filterengine"
	"webhookbroker/internal/ingress"
	"webhookbroker/internal/injector"
	"webhookbroker/internal/logging"
	"webhookbroker/internal/metrics"
	"webhookbroker/internal/pipeline"
	"webhookbroker/internal/ratelimit"
	"webhookbroker/internal/sessionwatch"
	"webhookbroker/internal/store"
	"webhookbroker/internal/tunnel"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker (ingestion, control plane, and tunnel)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logging.Init(slog.LevelInfo)
	metrics.Init()

	cfg := config.Load()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	filter, err := filterengine.New(2 * time.Second)
	if err != nil {
		return fmt.Errorf("locate jq: %w", err)
	}

	inj := injector.New(cfg.Session.SocketDir, cfg.Session.InjectTimeout)
	limiter := ratelimit.New(cfg.Limiter.Window, cfg.Limiter.Cap)

	var sup *tunnel.Supervisor
	if cfg.Tunnel.Enabled {
		mode := tunnel.ModeQuick
		if cfg.Tunnel.Mode == "named" {
			mode = tunnel.ModeNamed
		}
		sup = tunnel.New(tunnel.Config{
			Mode:       mode,
			ConfigPath: cfg.Tunnel.ConfigPath,
			BinDir:     cfg.Tunnel.BinDir,
			LocalPort:  cfg.HTTP.Port,
		})
	}

	app := &appctx.App{Store: st, Injector: inj, FilterEngine: filter, Limiter: limiter, Tunnel: sup}

	app.Pipeline = pipeline.New(st, filter, inj, func(sessionID string) bool {
		return app.Watcher.IsLive(sessionID)
	})

	app.Watcher = sessionwatch.New(
		cfg.Session.SocketDir,
		cfg.Session.PollInterval,
		cfg.Session.InjectTimeout,
		func(sessionID string) { app.Pipeline.Drain(context.Background(), sessionID) },
		nil,
	)

	publicURL := func() string {
		if cfg.HTTP.PublicBaseURL != "" {
			return cfg.HTTP.PublicBaseURL
		}
		if sup != nil {
			_, url := sup.State()
			return url
		}
		return ""
	}
	app.ControlPlane = controlplane.New(st, sup, publicURL)
	defer app.ControlPlane.Close()

	app.Ingress = ingress.New(ingress.Config{
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		ServerName:   cfg.HTTP.ServerName,
	}, app.Pipeline, limiter, app.ControlPlane)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Watcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		limiter.RunEvictionLoop(ctx.Done())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetentionSweep(ctx, st, time.Duration(cfg.Events.RetentionDays)*24*time.Hour)
	}()

	if sup != nil {
		startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := sup.Start(startCtx); err != nil {
			slog.Error("tunnel: initial start failed", "err", err)
		}
		startCancel()

		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.RunHealthChecks(ctx)
		}()
	}

	slog.Info("brokerd: listening", "port", cfg.HTTP.Port)
	ingressErr := app.Ingress.Run(ctx)

	// Ingress server is already drained by Run returning; stop SessionWatch,
	// then the tunnel supervisor, then the store, in that order.
	cancel()
	wg.Wait()

	if sup != nil {
		if err := sup.Stop(); err != nil {
			slog.Error("tunnel: stop failed", "err", err)
		}
	}

	if err := st.Close(); err != nil {
		slog.Error("store: close failed", "err", err)
	}

	if ingressErr != nil {
		return fmt.Errorf("ingress server: %w", ingressErr)
	}
	return nil
}

func runRetentionSweep(ctx context.Context, st store.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PruneEventsOlderThan(time.Now().Add(-retention))
			if err != nil {
				slog.Error("retention sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("retention sweep", "pruned", n)
			}
		}
	}
}
