package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/simpasskr/chatgate/internal/chat"
	"github.com/simpasskr/chatgate/internal/config"
	"github.com/simpasskr/chatgate/internal/gateway"
	"github.com/simpasskr/chatgate/internal/hub"
	"github.com/simpasskr/chatgate/internal/identity"
	"github.com/simpasskr/chatgate/internal/push"
	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/internal/store/pg"
	"github.com/simpasskr/chatgate/internal/store/sqlite"
	"github.com/simpasskr/chatgate/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTraces(flushCtx)
	}()

	var st store.Store
	if cfg.IsManaged() {
		st, err = pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		slog.Info("store ready", "backend", "postgres")
	} else {
		st, err = sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		slog.Info("store ready", "backend", "sqlite", "path", cfg.Database.SQLitePath)
	}
	defer st.Close()

	var dispatcher push.Dispatcher = push.Noop{}
	if cfg.Push.CredentialsFile != "" {
		fcm, err := push.NewFCM(ctx, cfg.Push.CredentialsFile)
		if err != nil {
			slog.Error("failed to init fcm", "error", err)
			os.Exit(1)
		}
		dispatcher = fcm
		slog.Info("push dispatcher ready", "backend", "fcm")
	} else {
		slog.Info("push dispatcher disabled (no CHATGATE_FIREBASE_CREDENTIALS)")
	}

	resolver := identity.NewHTTPResolver(cfg.Identity.BaseURL,
		time.Duration(cfg.Identity.TimeoutSeconds)*time.Second)

	registry := hub.New()
	service := chat.NewService(st, registry, dispatcher)
	server := gateway.NewServer(cfg, resolver, registry, service)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
