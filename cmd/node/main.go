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
	defaultConfigPath = "configs/glasses.yaml"
	serviceName       = "classlink-node"
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
	if cfg.Node.Role == config.RoleHub {
		fmt.Fprintf(os.Stderr, "Role %q must be run with classlink-hub\n", cfg.Node.Role)
		return 1
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("node", cfg.Node.ID),
		slog.String("role", cfg.Node.Role),
		slog.String("bus", fmt.Sprintf("%s:%d", cfg.Bus.Host, cfg.Bus.Port)),
		slog.String("audio_source", cfg.Audio.Source),
		slog.String("uplink", fmt.Sprintf("%s:%d", cfg.Uplink.PeerHost, cfg.Uplink.PeerPort)),
		slog.String("uplink_layout", cfg.Uplink.Layout),
		slog.Int("vad_threshold", cfg.VAD.Threshold),
		slog.Duration("vad_hangover", cfg.VAD.GetHangoverDuration()),
		slog.String("recording_source", cfg.State.Recording.Source),
		slog.String("ai_mode_source", cfg.State.AIMode.Source),
		slog.String("class_mode_source", cfg.State.ClassMode.Source),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise node", slog.String("error", err.Error()))
		return 1
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.Error("Node stopped with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Service stopped")
	return 0
}
