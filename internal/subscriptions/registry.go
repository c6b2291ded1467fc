package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"upsrouter/internal/kvstore"
	"upsrouter/internal/logging"
	"upsrouter/internal/services"
)

const (
	// Bucket holds per-workitem subscriptions and the global list.
	Bucket = "ups_subscriptions"
	// KeyPrefix starts every per-workitem subscription key:
	// subscription:{workitem_uid}:{subscriber_url}.
	KeyPrefix = "subscription:"
	// GlobalKey holds a JSON array of subscribers notified for every workitem.
	GlobalKey = "global_subscriptions"
)

// Subscription is one (workitem, subscriber) pair. DeletionLock is stored and
// returned as given; nothing enforces it.
type Subscription struct {
	WorkitemUID   string `json:"workitem_uid"`
	SubscriberURL string `json:"subscriber_url"`
	DeletionLock  bool   `json:"deletion_lock"`
}

// Registry answers which subscribers receive notifications for a workitem.
type Registry struct {
	kv     kvstore.Store
	logger *slog.Logger
}

// NewRegistry wraps kv. A nil logger discards output.
func NewRegistry(kv kvstore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{kv: kv, logger: logging.NewComponentLogger(logger, "subscriptions")}
}

func subscriptionKey(workitemUID, subscriberURL string) string {
	return KeyPrefix + workitemUID + ":" + subscriberURL
}

// NormalizeURL trims whitespace and trailing slashes so the same endpoint is
// stored once.
func NormalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// Add upserts a per-workitem subscription.
func (r *Registry) Add(ctx context.Context, workitemUID, subscriberURL string, deletionLock bool) error {
	subscriberURL = NormalizeURL(subscriberURL)
	if workitemUID == "" || subscriberURL == "" {
		return services.Wrap(services.ErrValidation, "subscriptions", "add", "workitem uid and subscriber url are required", nil)
	}
	data, err := json.Marshal(Subscription{
		WorkitemUID:   workitemUID,
		SubscriberURL: subscriberURL,
		DeletionLock:  deletionLock,
	})
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if err := r.kv.Put(ctx, Bucket, subscriptionKey(workitemUID, subscriberURL), data); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	r.logger.Info("subscription added",
		logging.String(logging.FieldWorkitemUID, workitemUID),
		logging.String(logging.FieldSubscriberURL, subscriberURL),
		logging.Bool("deletion_lock", deletionLock),
	)
	return nil
}

// Remove deletes a subscription. Removing an unknown one is not an error.
func (r *Registry) Remove(ctx context.Context, workitemUID, subscriberURL string) error {
	subscriberURL = NormalizeURL(subscriberURL)
	if err := r.kv.Delete(ctx, Bucket, subscriptionKey(workitemUID, subscriberURL)); err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	r.logger.Info("subscription removed",
		logging.String(logging.FieldWorkitemUID, workitemUID),
		logging.String(logging.FieldSubscriberURL, subscriberURL),
	)
	return nil
}

// List returns the per-workitem subscriptions of one workitem.
func (r *Registry) List(ctx context.Context, workitemUID string) ([]Subscription, error) {
	keys, err := r.kv.Keys(ctx, Bucket, KeyPrefix+workitemUID+":")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]Subscription, 0, len(keys))
	for _, key := range keys {
		data, err := r.kv.Get(ctx, Bucket, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load subscription %s: %w", key, err)
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil || sub.SubscriberURL == "" {
			logging.WarnWithContext(r.logger, "skipping unreadable subscription", "subscription_unreadable",
				logging.String("key", key),
				logging.String(logging.FieldImpact, "subscriber will not be notified"),
			)
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// Subscribers merges the workitem's subscribers with the global list. Zero
// matches yield an empty set.
func (r *Registry) Subscribers(ctx context.Context, workitemUID string) (mapset.Set[string], error) {
	set := mapset.NewSet[string]()
	subs, err := r.List(ctx, workitemUID)
	if err != nil {
		return set, err
	}
	for _, sub := range subs {
		set.Add(sub.SubscriberURL)
	}
	global, err := r.Global(ctx)
	if err != nil {
		return set, err
	}
	set.Append(global...)
	return set, nil
}

// Global returns the subscribers notified for every workitem.
func (r *Registry) Global(ctx context.Context) ([]string, error) {
	data, err := r.kv.Get(ctx, Bucket, GlobalKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load global subscriptions: %w", err)
	}
	return decodeList(data), nil
}

// AddGlobal appends subscriberURL to the global list when absent.
func (r *Registry) AddGlobal(ctx context.Context, subscriberURL string) error {
	subscriberURL = NormalizeURL(subscriberURL)
	if subscriberURL == "" {
		return services.Wrap(services.ErrValidation, "subscriptions", "add global", "subscriber url is required", nil)
	}
	added := false
	err := r.kv.Update(ctx, Bucket, GlobalKey, func(current []byte, exists bool) ([]byte, error) {
		var list []string
		if exists {
			list = decodeList(current)
		}
		if slices.Contains(list, subscriberURL) {
			return current, nil
		}
		added = true
		return json.Marshal(append(list, subscriberURL))
	})
	if err != nil {
		return fmt.Errorf("add global subscription: %w", err)
	}
	if added {
		r.logger.Info("global subscription added", logging.String(logging.FieldSubscriberURL, subscriberURL))
	}
	return nil
}

func decodeList(data []byte) []string {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil
	}
	return list
}
