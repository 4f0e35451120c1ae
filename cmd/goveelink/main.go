package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"goveelink/internal/cloud"
	"goveelink/internal/config"
	"goveelink/internal/lights"
	"goveelink/internal/local"
	"goveelink/internal/local/goveelan"
	"goveelink/internal/mqttbridge"
	"goveelink/internal/scenes"
)

const usage = `usage: goveelink [-config path] [-wait dur] <command>

commands:
  list                      list known devices
  get ID MODEL              print a device's properties
  send ID MODEL CMD VALUE   send turn|brightness|color|colorTem
  scene NAME                activate a configured scene
  serve                     run the MQTT bridge until interrupted
`

var errUsage = errors.New("invalid arguments")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("goveelink failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("goveelink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "goveelink.yaml", "path to config file")
	wait := fs.Duration("wait", 3*time.Second, "LAN discovery window before list/get/send on the local backend")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Log, stderr)

	backend, closeBackend := createBackend(cfg, logger)
	defer closeBackend()

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "list":
		discover(ctx, cfg, backend, *wait)
		return writeJSON(stdout, backend.ListDevices(ctx))

	case "get":
		if len(rest) != 2 {
			return errUsage
		}
		discover(ctx, cfg, backend, *wait)
		return writeJSON(stdout, backend.GetDevice(ctx, rest[0], rest[1]))

	case "send":
		if len(rest) != 4 {
			return errUsage
		}
		discover(ctx, cfg, backend, *wait)
		if !lights.Dispatch(ctx, backend, logger, rest[0], rest[1], rest[2], rest[3]) {
			return fmt.Errorf("unknown command %q", rest[2])
		}
		return nil

	case "scene":
		if len(rest) != 1 {
			return errUsage
		}
		discover(ctx, cfg, backend, *wait)
		return scenes.NewManager(backend, cfg.Scenes, logger).ActivateScene(ctx, rest[0])

	case "serve":
		return serve(ctx, *configPath, cfg, backend, logger)

	default:
		return errUsage
	}
}

func createBackend(cfg *config.Config, logger *slog.Logger) (lights.Backend, func()) {
	switch cfg.Backend {
	case config.BackendCloud:
		httpClient := &http.Client{Timeout: config.Duration(cfg.Cloud.Timeout)}
		return cloud.NewClientWithURL(cfg.Cloud.APIKey, cfg.Cloud.BaseURL, httpClient, logger), func() {}
	default:
		driver := goveelan.New(config.Duration(cfg.Local.SweepInterval), logger)
		b := local.New(driver, logger)
		return b, func() {
			if err := b.Close(); err != nil {
				logger.Warn("closing local backend", "error", err)
			}
		}
	}
}

// discover starts the LAN poller and gives it one window to find devices.
func discover(ctx context.Context, cfg *config.Config, backend lights.Backend, wait time.Duration) {
	if cfg.Backend != config.BackendLocal {
		return
	}
	if backend.EnsurePoller(ctx) == nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func serve(ctx context.Context, configPath string, cfg *config.Config, backend lights.Backend, logger *slog.Logger) error {
	if p := backend.EnsurePoller(ctx); p != nil {
		logger.Info("poller started", "poller_id", p.ID, "started_at", p.StartedAt)
	}

	sceneManager := scenes.NewManager(backend, cfg.Scenes, logger)
	go func() {
		err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
			sceneManager.Replace(c.Scenes)
			logger.Info("scenes reloaded", "scenes", len(c.Scenes))
		})
		if err != nil {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	logger.Info("starting goveelink", "backend", cfg.Backend, "mqtt", cfg.MQTT.Enabled)

	if !cfg.MQTT.Enabled {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	bridge := mqttbridge.New(backend, mqttbridge.Options{
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		SyncInterval:    config.Duration(cfg.MQTT.SyncInterval),
	}, logger)
	bridge.SetScenes(sceneManager)
	client := MQTT.NewClient(bridge.ClientOptions(cfg.MQTT))

	if err := bridge.Run(ctx, client); err != nil {
		return fmt.Errorf("running mqtt bridge: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
