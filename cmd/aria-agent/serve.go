package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/floegence/aria-agent/internal/ai"
	"github.com/floegence/aria-agent/internal/config"
	"github.com/floegence/aria-agent/internal/lockfile"
	"github.com/floegence/aria-agent/internal/monitor"
	"github.com/floegence/aria-agent/internal/server"
	"github.com/floegence/aria-agent/internal/settings"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgPath, err := g.loadConfig(false)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd.Context(), g, cfg, cfgPath)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

func runServe(parent context.Context, g *globalFlags, cfg *config.Config, cfgPath string) error {
	log, level, err := newLogger(os.Stderr, firstNonEmpty(g.logFormat, cfg.LogFormat), firstNonEmpty(g.logLevel, cfg.LogLevel))
	if err != nil {
		return err
	}

	stateDir := cfg.ResolveStateDir(cfgPath)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock, err := lockfile.Acquire(filepath.Join(stateDir, "aria-agent.lock"))
	if err != nil {
		return fmt.Errorf("another aria-agent is serving this state dir: %w", err)
	}
	defer func() { _ = lock.Release() }()

	if parent == nil {
		parent = context.Background()
	}
	a, err := buildApp(parent, cfg, stateDir, settings.NewSecrets(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(server.Options{
		Logger:  log.With("component", "http"),
		Addr:    cfg.ListenAddr(),
		Chat:    ai.NewHandler(a.svc, log.With("component", "handler")),
		Monitor: monitor.NewService(log.With("component", "monitor")),
		Version: Version,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	if err := config.Watch(ctx, cfgPath, log.With("component", "config"), func(next *config.Config) {
		a.svc.SetGuardTimings(guardTimings(next.Guard))
		if g.logLevel == "" {
			if lvl, err := parseLevel(next.LogLevel); err == nil {
				level.Set(lvl)
			}
		}
	}); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	}

	printBanner(os.Stderr, bannerOptions{Version: Version, URL: "http://" + srv.Addr() + "/", Provider: cfg.Assistant.ProviderType()})

	<-ctx.Done()
	log.Info("shutting down")
	return srv.Close()
}
