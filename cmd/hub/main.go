package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skypro1111/classlink-audio/internal/app"
	"github.com/skypro1111/classlink-audio/internal/config"
	"github.com/skypro1111/classlink-audio/internal/logging"
)

const (
	defaultConfigPath = "configs/hub.yaml"
	serviceName       = "classlink-hub"
	serviceVersion    = "1.0.0"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if cfg.Node.Role != config.RoleHub {
		fmt.Fprintf(os.Stderr, "Role %q must be run with classlink-node\n", cfg.Node.Role)
		return 1
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary without credentials
	logger.Info("Configuration loaded",
		slog.String("node", cfg.Node.ID),
		slog.String("bus", fmt.Sprintf("%s:%d", cfg.Bus.Host, cfg.Bus.Port)),
		slog.String("bind_address", cfg.Receiver.BindAddress),
		slog.Int("udp_port", cfg.Receiver.UDPPort),
		slog.String("receiver_layout", cfg.Receiver.Layout),
		slog.Int("workers", cfg.Receiver.Workers),
		slog.Any("ai_targets", cfg.Receiver.AITargets),
		slog.Any("class_targets", cfg.Receiver.ClassTargets),
		slog.Any("private_targets", cfg.Receiver.PrivateTargets),
		slog.String("hostlink", cfg.HostLink.Target),
		slog.Bool("presence", cfg.Presence.Enabled),
		slog.String("presence_source", cfg.Presence.Source),
		slog.Bool("http", cfg.HTTP.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise hub", slog.String("error", err.Error()))
		return 1
	}
	defer hub.Close()

	if err := hub.Run(ctx); err != nil {
		logger.Error("Hub stopped with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Service stopped")
	return 0
}
