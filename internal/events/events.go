package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/ups"
)

// WorkitemEvent is the lifecycle message published for each persisted state.
type WorkitemEvent struct {
	WorkitemUID         string    `json:"workitem_uid"`
	StudyUID            string    `json:"study_uid"`
	State               ups.State `json:"state"`
	ProgressPercent     *float64  `json:"progress_percent,omitempty"`
	ProgressDescription string    `json:"progress_description,omitempty"`
	CancellationReason  string    `json:"cancellation_reason,omitempty"`
	HappenedAt          int64     `json:"happened_at"`
}

// NewWorkitemEvent snapshots w.
func NewWorkitemEvent(w *ups.Workitem, at time.Time) WorkitemEvent {
	return WorkitemEvent{
		WorkitemUID:         w.UID,
		StudyUID:            w.StudyUID,
		State:               w.State,
		ProgressPercent:     w.ProgressPercent,
		ProgressDescription: w.ProgressDescription,
		CancellationReason:  w.CancellationReason,
		HappenedAt:          at.Unix(),
	}
}

// Publisher emits workitem lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, w *ups.Workitem) error
	Close()
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON on {prefix}.{state}.
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// New connects to cfg.Events.NATSURL. An empty URL yields a publisher that
// drops every event.
func New(cfg *config.Config, logger *slog.Logger) (Publisher, error) {
	url := strings.TrimSpace(cfg.Events.NATSURL)
	if url == "" {
		return Noop{}, nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "events")
	nc, err := nats.Connect(url,
		nats.Name("upsrouter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", logging.String("server", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("event bus connected", logging.String("server", nc.ConnectedUrl()))
	return newNATSPublisher(nc, cfg.Events.SubjectPrefix, logger), nil
}

func newNATSPublisher(nc conn, prefix string, logger *slog.Logger) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = config.Default().Events.SubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject used for a state.
func (p *NATSPublisher) Subject(state ups.State) string {
	return p.prefix + "." + strings.ToLower(string(state))
}

// Publish sends the snapshot. NATS publishes are buffered, so ctx is only
// consulted before sending.
func (p *NATSPublisher) Publish(ctx context.Context, w *ups.Workitem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewWorkitemEvent(w, time.Now()))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := p.Subject(w.State)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published",
		logging.String("subject", subject),
		logging.String(logging.FieldWorkitemUID, w.UID),
	)
	return nil
}

// Close drains pending messages.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, *ups.Workitem) error { return nil }

func (Noop) Close() {}
