package workitems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"upsrouter/internal/kvstore"
	"upsrouter/internal/logging"
	"upsrouter/internal/services"
	"upsrouter/internal/ups"
)

const (
	// Bucket holds workitem records and the UID index.
	Bucket = "ups"
	// KeyPrefix is prepended to the workitem UID to form its key.
	KeyPrefix = "upsworkitem"
	// IndexKey holds a JSON array of every stored workitem UID.
	IndexKey = "upsworkitemindex"
)

// ErrNotFound is returned when no workitem exists for a UID.
var ErrNotFound = fmt.Errorf("workitem %w", services.ErrNotFound)

// ErrTerminal is returned by Advance when the stored workitem is already
// COMPLETED or CANCELED.
var ErrTerminal = errors.New("workitem already finished")

// Store persists workitems in a key-value bucket and keeps the UID index in
// step with them.
type Store struct {
	kv     kvstore.Store
	logger *slog.Logger
}

// NewStore wraps kv. A nil logger discards output.
func NewStore(kv kvstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{kv: kv, logger: logging.NewComponentLogger(logger, "workitem-store")}
}

func key(uid string) string { return KeyPrefix + uid }

// Save writes w unconditionally (last write wins) and adds its UID to the
// index when absent.
func (s *Store) Save(ctx context.Context, w *ups.Workitem) error {
	if w == nil || w.UID == "" {
		return services.Wrap(services.ErrValidation, "store", "save", "workitem uid is required", nil)
	}
	data, err := w.Encode()
	if err != nil {
		return fmt.Errorf("encode workitem %s: %w", w.UID, err)
	}
	if err := s.kv.Put(ctx, Bucket, key(w.UID), data); err != nil {
		return fmt.Errorf("store workitem %s: %w", w.UID, err)
	}
	if err := s.addToIndex(ctx, w.UID); err != nil {
		return err
	}
	s.logger.Debug("stored workitem",
		logging.String(logging.FieldWorkitemUID, w.UID),
		logging.String(logging.FieldState, string(w.State)),
	)
	return nil
}

// Get loads one workitem.
func (s *Store) Get(ctx context.Context, uid string) (*ups.Workitem, error) {
	data, err := s.kv.Get(ctx, Bucket, key(uid))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("load workitem %s: %w", uid, err)
	}
	w, err := ups.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode workitem %s: %w", uid, err)
	}
	return w, nil
}

// Delete removes the workitem and its index entry. Deleting an unknown UID
// is not an error.
func (s *Store) Delete(ctx context.Context, uid string) error {
	if err := s.kv.Delete(ctx, Bucket, key(uid)); err != nil {
		return fmt.Errorf("delete workitem %s: %w", uid, err)
	}
	return s.updateIndex(ctx, func(index []string) ([]string, bool) {
		i := slices.Index(index, uid)
		if i < 0 {
			return index, false
		}
		return slices.Delete(index, i, i+1), true
	})
}

// List returns workitems in index order, keeping those whose state matches
// filter. An empty filter matches every state. Entries that vanished or no
// longer decode are skipped.
func (s *Store) List(ctx context.Context, filter ups.State) ([]*ups.Workitem, error) {
	index, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ups.Workitem, 0, len(index))
	for _, uid := range index {
		w, err := s.Get(ctx, uid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			logging.WarnWithContext(s.logger, "skipping unreadable workitem", "workitem_unreadable",
				logging.String(logging.FieldWorkitemUID, uid),
				logging.Error(err),
				logging.String(logging.FieldImpact, "workitem omitted from listing"),
			)
			continue
		}
		if filter == "" || w.State == filter {
			out = append(out, w)
		}
	}
	return out, nil
}

// Mutate applies fn to the stored workitem as one atomic read-modify-write.
// fn may return an error to abort without writing.
func (s *Store) Mutate(ctx context.Context, uid string, fn func(*ups.Workitem) error) (*ups.Workitem, error) {
	var result *ups.Workitem
	err := s.kv.Update(ctx, Bucket, key(uid), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uid)
		}
		w, err := ups.Decode(current)
		if err != nil {
			return nil, fmt.Errorf("decode workitem %s: %w", uid, err)
		}
		if err := fn(w); err != nil {
			return nil, err
		}
		result = w
		return w.Encode()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Advance writes a pipeline snapshot unless the stored copy has already
// reached a terminal state, in which case nothing is written and ErrTerminal
// is returned.
func (s *Store) Advance(ctx context.Context, w *ups.Workitem) error {
	if w == nil || w.UID == "" {
		return services.Wrap(services.ErrValidation, "store", "advance", "workitem uid is required", nil)
	}
	data, err := w.Encode()
	if err != nil {
		return fmt.Errorf("encode workitem %s: %w", w.UID, err)
	}
	err = s.kv.Update(ctx, Bucket, key(w.UID), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return data, nil
		}
		cur, err := ups.Decode(current)
		if err != nil {
			return data, nil
		}
		if cur.State.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, w.UID, cur.State)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return s.addToIndex(ctx, w.UID)
}

// SaveIfNewer stores a snapshot pushed by another node unless it would move
// the local copy backwards. A rejected snapshot returns ups.ErrInvalidTransition.
func (s *Store) SaveIfNewer(ctx context.Context, w *ups.Workitem) error {
	data, err := w.Encode()
	if err != nil {
		return fmt.Errorf("encode workitem %s: %w", w.UID, err)
	}
	err = s.kv.Update(ctx, Bucket, key(w.UID), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return data, nil
		}
		cur, err := ups.Decode(current)
		if err != nil {
			// An unreadable mirror is replaced rather than wedging updates.
			return data, nil
		}
		if !ups.Supersedes(cur, w) {
			return nil, fmt.Errorf("%w: mirrored %s at %s %.0f%%, received %s %.0f%%",
				ups.ErrInvalidTransition, w.UID, cur.State, cur.Percent(), w.State, w.Percent())
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return s.addToIndex(ctx, w.UID)
}

func (s *Store) index(ctx context.Context) ([]string, error) {
	data, err := s.kv.Get(ctx, Bucket, IndexKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workitem index: %w", err)
	}
	return decodeIndex(data), nil
}

func (s *Store) addToIndex(ctx context.Context, uid string) error {
	return s.updateIndex(ctx, func(index []string) ([]string, bool) {
		if slices.Contains(index, uid) {
			return index, false
		}
		return append(index, uid), true
	})
}

// updateIndex runs edit inside one kvstore Update so concurrent creates
// cannot drop each other's entries.
func (s *Store) updateIndex(ctx context.Context, edit func([]string) ([]string, bool)) error {
	err := s.kv.Update(ctx, Bucket, IndexKey, func(current []byte, exists bool) ([]byte, error) {
		var index []string
		if exists {
			index = decodeIndex(current)
		}
		next, changed := edit(index)
		if !changed {
			if !exists {
				return []byte("[]"), nil
			}
			return current, nil
		}
		if next == nil {
			next = []string{}
		}
		return json.Marshal(next)
	})
	if err != nil {
		return fmt.Errorf("update workitem index: %w", err)
	}
	return nil
}

// decodeIndex treats a corrupt index as empty.
func decodeIndex(data []byte) []string {
	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil
	}
	return index
}
