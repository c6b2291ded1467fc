package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"upsrouter/internal/artifacts"
	"upsrouter/internal/config"
	"upsrouter/internal/daemon"
	"upsrouter/internal/dicomweb"
	"upsrouter/internal/events"
	"upsrouter/internal/inference"
	"upsrouter/internal/kvstore"
	"upsrouter/internal/logging"
	"upsrouter/internal/notifications"
	"upsrouter/internal/processor"
	"upsrouter/internal/subscriptions"
	"upsrouter/internal/workitems"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel   string
	Diagnostic bool
}

// Run starts the upsrouter daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "upsrouter.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	kv, err := kvstore.Open(signalCtx, cfg)
	if err != nil {
		logger.Error("open key-value store", logging.Error(err), logging.String("driver", cfg.Store.Driver))
		return err
	}
	defer kv.Close()

	store := workitems.NewStore(kv, logger)
	registry := subscriptions.NewRegistry(kv, logger)
	registerGlobalSubscribers(signalCtx, registry, cfg.Notifications.GlobalSubscribers, logger)

	publisher, err := events.New(cfg, logger)
	if err != nil {
		logging.WarnWithContext(logger, "event bus unavailable", "events_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "lifecycle events are not published"),
			logging.String(logging.FieldErrorHint, "check events.nats_url"),
		)
		publisher = events.Noop{}
	}
	defer publisher.Close()

	notifier := notifications.NewNotifier(cfg, registry, publisher, logger)
	archive := dicomweb.NewClient(cfg, logger)
	defer archive.Close()

	proc := processor.New(cfg, processor.Dependencies{
		Store:    store,
		Notifier: notifier,
		Model:    inference.NewClient(cfg, logger),
		Archive:  archive,
		Builder:  artifacts.NewBuilder(cfg),
		Logger:   logger,
	})

	d, err := daemon.New(cfg, daemon.Dependencies{
		Store:     store,
		Registry:  registry,
		Notifier:  notifier,
		Processor: proc,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check server.bind and that no other instance holds the lock"),
			logging.String(logging.FieldImpact, "workitems cannot be accepted"),
		)
		return err
	}
	defer d.Stop()

	logger.Info("upsrouter ready",
		logging.String(logging.FieldEventType, "daemon_ready"),
		logging.String("address", d.Status().Address),
		logging.String("store_driver", cfg.Store.Driver),
		logging.String("model_url", cfg.Inference.ModelURL),
		logging.Int("max_concurrent", cfg.Processor.MaxConcurrent),
	)

	<-signalCtx.Done()
	logger.Info("upsrouter daemon shutting down")
	return nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	logCfg := *cfg
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		logCfg.Logging.Level = level
	}
	logger, err := logging.NewFromConfig(&logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if !opts.Diagnostic {
		return logger, nil
	}

	debugDir := filepath.Join(cfg.Paths.LogDir, "debug")
	if err := os.MkdirAll(debugDir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug log directory: %w", err)
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	debugLogPath := filepath.Join(debugDir, fmt.Sprintf("upsrouter-%s.log", runID))
	debugLogger, err := logging.New(logging.Options{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{debugLogPath},
		Development: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to initialize debug logger: %v\n", err)
		return logger, nil
	}
	logger = logging.TeeLogger(logger, debugLogger.Handler())
	logger.Info("diagnostic mode enabled",
		logging.String(logging.FieldEventType, "diagnostic_mode_enabled"),
		logging.String("debug_log_path", debugLogPath),
	)
	return logger, nil
}

// registerGlobalSubscribers persists the configured global subscribers so
// they receive every workitem's events alongside any added over the API.
func registerGlobalSubscribers(ctx context.Context, registry *subscriptions.Registry, urls []string, logger *slog.Logger) {
	for _, raw := range urls {
		if err := registry.AddGlobal(ctx, raw); err != nil {
			logging.WarnWithContext(logger, "global subscriber not registered", "global_subscriber_failed",
				logging.String(logging.FieldSubscriberURL, raw),
				logging.Error(err),
				logging.String(logging.FieldImpact, "subscriber misses events until re-registered"),
			)
		}
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
