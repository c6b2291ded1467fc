package notifications

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/ups"
)

const userAgent = "upsrouter/0.1.0"

// Service defines the notification surface used by the processor and the
// REST handlers.
type Service interface {
	// NotifyAll pushes w to every subscriber of the workitem. Failures are
	// logged, never returned.
	NotifyAll(ctx context.Context, w *ups.Workitem)
	// NotifySubscriber pushes w to one subscriber.
	NotifySubscriber(ctx context.Context, w *ups.Workitem, subscriberURL string) error
}

// SubscriberSource resolves the subscribers of a workitem.
type SubscriberSource interface {
	Subscribers(ctx context.Context, workitemUID string) (mapset.Set[string], error)
}

// EventPublisher mirrors state snapshots onto a message bus.
type EventPublisher interface {
	Publish(ctx context.Context, w *ups.Workitem) error
}

// Notifier delivers UPS event reports over HTTP.
type Notifier struct {
	subscribers SubscriberSource
	events      EventPublisher
	client      *http.Client
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
}

// NewNotifier builds a Notifier. events may be nil.
func NewNotifier(cfg *config.Config, subscribers SubscriberSource, events EventPublisher, logger *slog.Logger) *Notifier {
	timeout := cfg.NotificationTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxParallel := cfg.Notifications.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{
		subscribers: subscribers,
		events:      events,
		client:      &http.Client{Timeout: timeout},
		timeout:     timeout,
		maxParallel: maxParallel,
		logger:      logging.NewComponentLogger(logger, "notifications"),
	}
}

// NotifyAll resolves the workitem's subscribers and delivers to each of them
// concurrently, waiting for the whole batch so a subscriber sees snapshots in
// the order they were written.
func (n *Notifier) NotifyAll(ctx context.Context, w *ups.Workitem) {
	if n == nil || w == nil {
		return
	}
	logger := n.logger.With(
		logging.String(logging.FieldWorkitemUID, w.UID),
		logging.String(logging.FieldState, string(w.State)),
	)

	if n.events != nil {
		if err := n.events.Publish(ctx, w); err != nil {
			logging.WarnWithContext(logger, "lifecycle event publish failed", "event_publish_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "bus consumers miss this snapshot"),
			)
		}
	}

	set, err := n.subscribers.Subscribers(ctx, w.UID)
	if err != nil {
		logging.WarnWithContext(logger, "subscriber lookup failed", "notify_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "subscribers not notified of this state"),
		)
		return
	}
	if set == nil || set.Cardinality() == 0 {
		logger.Debug("no subscribers for workitem")
		return
	}

	targets := set.ToSlice()
	slices.Sort(targets)

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.maxParallel)
	for _, target := range targets {
		g.Go(func() error {
			if err := n.NotifySubscriber(gctx, w, target); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", target, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	if result != nil {
		failed = result.Len()
	}
	if failed > 0 {
		logging.WarnWithContext(logger, "notification delivery failed", "notify_failed",
			logging.Int("subscribers", len(targets)),
			logging.Int("failed", failed),
			logging.Error(result.ErrorOrNil()),
			logging.String(logging.FieldErrorHint, "check that subscriber endpoints are reachable"),
			logging.String(logging.FieldImpact, "failed subscribers missed this snapshot"),
		)
	}
	logger.Info("subscribers notified",
		logging.String(logging.FieldEventType, "notify_batch"),
		logging.Int("subscribers", len(targets)),
		logging.Int("delivered", len(targets)-failed),
	)
}

// NotifySubscriber POSTs the encoded workitem to
// {subscriberURL}/ups-rs/workitems/{uid}.
func (n *Notifier) NotifySubscriber(ctx context.Context, w *ups.Workitem, subscriberURL string) error {
	if n == nil || n.client == nil {
		return nil
	}
	body, err := w.Encode()
	if err != nil {
		return fmt.Errorf("encode workitem: %w", err)
	}
	endpoint := strings.TrimRight(subscriberURL, "/") + "/ups-rs/workitems/" + url.PathEscape(w.UID)

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", ups.MediaType)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("subscriber returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	n.logger.Debug("subscriber notified",
		logging.String(logging.FieldWorkitemUID, w.UID),
		logging.String(logging.FieldSubscriberURL, subscriberURL),
		logging.String(logging.FieldState, string(w.State)),
	)
	return nil
}

type noopService struct{}

// NewNoop returns a Service that delivers nothing.
func NewNoop() Service { return noopService{} }

func (noopService) NotifyAll(context.Context, *ups.Workitem) {}

func (noopService) NotifySubscriber(context.Context, *ups.Workitem, string) error { return nil }
