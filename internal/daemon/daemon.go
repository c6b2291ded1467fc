package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/notifications"
	"upsrouter/internal/subscriptions"
	"upsrouter/internal/ups"
	"upsrouter/internal/workitems"
)

// Processor runs workitem pipelines in the background.
type Processor interface {
	Submit(ctx context.Context, w *ups.Workitem) error
	Shutdown(ctx context.Context) error
}

// Dependencies are the services the daemon exposes over HTTP.
type Dependencies struct {
	Store     *workitems.Store
	Registry  *subscriptions.Registry
	Notifier  notifications.Service
	Processor Processor
	Logger    *slog.Logger
}

// Daemon coordinates the REST surface and the processor and enforces
// single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *workitems.Store
	registry  *subscriptions.Registry
	notifier  notifications.Service
	processor Processor
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Address      string
	LockFilePath string
	StoreDriver  string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Dependencies) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Registry == nil || deps.Processor == nil {
		return nil, errors.New("daemon requires config, workitem store, subscription registry, and processor")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewNoop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     deps.Store,
		registry:  deps.Registry,
		notifier:  notifier,
		processor: deps.Processor,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and begins serving the REST surface.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another upsrouter daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start api server: %w", err)
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("upsrouter daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("address", d.api.address()),
	)
	return nil
}

// Stop stops serving requests, drains in-flight pipeline runs for at most
// the configured shutdown timeout and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	timeout := d.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.processor.Shutdown(drainCtx); err != nil {
		logging.WarnWithContext(d.logger, "pipeline runs still active at shutdown", "shutdown_drain_timeout",
			logging.Error(err),
			logging.Duration("timeout", timeout),
			logging.String(logging.FieldImpact, "interrupted workitems are recorded as CANCELED"),
			logging.String(logging.FieldErrorHint, "raise processor.shutdown_timeout"),
		)
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("upsrouter daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Handler returns the REST surface, including authentication.
func (d *Daemon) Handler() http.Handler {
	return d.api.handler
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		Address:      d.api.address(),
		LockFilePath: d.lockPath,
		StoreDriver:  d.cfg.Store.Driver,
	}
}
