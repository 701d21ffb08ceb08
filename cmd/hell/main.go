package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/undergrid/hell/internal/access"
	"github.com/undergrid/hell/internal/config"
	"github.com/undergrid/hell/internal/events"
	"github.com/undergrid/hell/internal/hell"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/metrics"
	"github.com/undergrid/hell/internal/server/httpserver"
	"github.com/undergrid/hell/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"hell.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
		NoAutostart bool `help:"Register configured daemons without deploying them"`
		Watch       bool `help:"Reload the daemons section when the config file changes" default:"true" negatable:""`
	} `cmd:"" default:"1" help:"Run the orchestration engine and its HTTP API"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write a sample configuration file"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	kctx := kong.Parse(&CLI)

	switch kctx.Command() {
	case "serve":
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			slog.Error("failed to load configuration", logfields.Error(err))
			os.Exit(1)
		}
		setupLogging(cfg.Logging)
		if err := runServe(cfg); err != nil {
			slog.Error("engine exited with error", logfields.Error(err))
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("init failed", logfields.Error(err))
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", CLI.Config)
	case "version":
		fmt.Printf("hell %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	default:
		_ = kctx.PrintUsage(false)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// runServe wires the controller, stores, publisher, and HTTP server, then
// blocks until a termination signal arrives.
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewPrometheusRecorder(nil)

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.Enabled {
		p, err := events.NewNATSPublisher(cfg.NATS)
		if err != nil {
			return err
		}
		publisher = p
	}

	ctrl, err := hell.Instance(ctx, cfg,
		hell.WithRecorder(recorder),
		hell.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			slog.Error("controller close failed", logfields.Error(err))
		}
	}()

	store, err := access.NewStore(cfg.Store.AccessDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("access store close failed", logfields.Error(err))
		}
	}()

	if !CLI.Serve.NoAutostart {
		if err := ctrl.SystemStart(ctx); err != nil {
			return err
		}
		defer func() {
			if err := ctrl.SystemStop(context.Background()); err != nil {
				slog.Error("system stop failed", logfields.Error(err))
			}
		}()
	}

	if CLI.Serve.Watch {
		watcher, err := hell.NewConfigWatcher(CLI.Config, ctrl)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	server := httpserver.New(cfg.Server, httpserver.Options{
		Controller:     ctrl,
		AccessStore:    store,
		Recorder:       recorder,
		MetricsHandler: recorder.Handler(),
		UpdateConfig:   cfg.Update,
	})

	slog.Info("hell orchestration engine starting",
		slog.String("version", version.Version),
		slog.String("config", CLI.Config),
		slog.Int("daemons", len(cfg.Daemons)))

	return server.Start(ctx)
}
