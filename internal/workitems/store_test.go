package workitems

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"upsrouter/internal/kvstore"
	"upsrouter/internal/testsupport"
	"upsrouter/internal/ups"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return NewStore(testsupport.MustOpenStore(t, cfg), nil)
}

func TestSaveGetAndList(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	a := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.1")
	b := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.4", "1.2.4.1")
	for _, w := range []*ups.Workitem{a, b} {
		if err := store.Save(ctx, w); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := b.UpdateState(ups.StateUpdate{State: ups.StateInProgress, Percent: ups.Percent(10)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Save(ctx, b); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := store.Get(ctx, b.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != ups.StateInProgress || got.Percent() != 10 {
		t.Fatalf("expected latest write to win, got %s %v", got.State, got.Percent())
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].UID != a.UID || all[1].UID != b.UID {
		t.Fatalf("expected both workitems in creation order, got %d", len(all))
	}
	scheduled, err := store.List(ctx, ups.StateScheduled)
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].UID != a.UID {
		t.Fatalf("unexpected scheduled listing %+v", scheduled)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newStore(t)
	if _, err := store.Get(context.Background(), "2.25.1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesIndexEntry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.1")
	if err := store.Save(ctx, w); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, w.UID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, w.UID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty listing, got %d", len(all))
	}
	index, err := store.index(ctx)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %v", index)
	}
}

func TestConcurrentSavesKeepEveryIndexEntry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	const count = 25
	var wg sync.WaitGroup
	errs := make(chan error, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := ups.New(fmt.Sprintf("1.2.%d", i), nil, nil, ups.PriorityLow)
			if err != nil {
				errs <- err
				return
			}
			errs <- store.Save(ctx, w)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != count {
		t.Fatalf("expected %d workitems, got %d", count, len(all))
	}
}

func TestListSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	store := NewStore(kv, nil)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.1")
	if err := store.Save(ctx, w); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := kv.Put(ctx, Bucket, IndexKey, []byte(`["`+w.UID+`","2.25.404","2.25.bad"]`)); err != nil {
		t.Fatalf("put index: %v", err)
	}
	if err := kv.Put(ctx, Bucket, KeyPrefix+"2.25.bad", []byte("{")); err != nil {
		t.Fatalf("put corrupt: %v", err)
	}
	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].UID != w.UID {
		t.Fatalf("expected only the readable workitem, got %+v", all)
	}
}

func TestMutateAppliesAtomically(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.1")
	if err := store.Save(ctx, w); err != nil {
		t.Fatalf("save: %v", err)
	}
	updated, err := store.Mutate(ctx, w.UID, func(item *ups.Workitem) error {
		return item.UpdateState(ups.StateUpdate{State: ups.StateInProgress, Percent: ups.Percent(20)})
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.State != ups.StateInProgress {
		t.Fatalf("unexpected state %s", updated.State)
	}
	_, err = store.Mutate(ctx, w.UID, func(item *ups.Workitem) error {
		return item.UpdateState(ups.StateUpdate{State: ups.StateScheduled})
	})
	if !errors.Is(err, ups.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, err := store.Get(ctx, w.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != ups.StateInProgress || stored.Percent() != 20 {
		t.Fatalf("rejected mutation must not write: %s %v", stored.State, stored.Percent())
	}
	if _, err := store.Mutate(ctx, "2.25.404", func(*ups.Workitem) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveIfNewerRejectsRegression(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := testsupport.NewWorkitem(t, "http://router/dicom-web", "1.2.3", "1.2.3.1")
	if err := store.SaveIfNewer(ctx, w); err != nil {
		t.Fatalf("initial mirror: %v", err)
	}
	progressed := w.Clone()
	if err := progressed.UpdateState(ups.StateUpdate{State: ups.StateInProgress, Percent: ups.Percent(50)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.SaveIfNewer(ctx, progressed); err != nil {
		t.Fatalf("forward mirror: %v", err)
	}
	if err := store.SaveIfNewer(ctx, w); !errors.Is(err, ups.ErrInvalidTransition) {
		t.Fatalf("expected regression to be rejected, got %v", err)
	}
	got, err := store.Get(ctx, w.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Percent() != 50 {
		t.Fatalf("expected mirror to keep 50%%, got %v", got.Percent())
	}
	listed, err := store.List(ctx, ups.StateInProgress)
	if err != nil || len(listed) != 1 {
		t.Fatalf("mirrored workitem should be indexed, got %d err=%v", len(listed), err)
	}
}

func TestAdvanceRefusesToOverwriteTerminalState(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.1")
	if err := store.Advance(ctx, w); err != nil {
		t.Fatalf("advance new workitem: %v", err)
	}
	local := w.Clone()
	if _, err := store.Mutate(ctx, w.UID, func(cur *ups.Workitem) error {
		return cur.UpdateState(ups.StateUpdate{State: ups.StateCanceled, CancellationReason: "operator canceled"})
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := local.UpdateState(ups.StateUpdate{State: ups.StateInProgress, Percent: ups.Percent(30)}); err != nil {
		t.Fatalf("update local copy: %v", err)
	}
	err := store.Advance(ctx, local)
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	got, err := store.Get(ctx, w.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != ups.StateCanceled || got.CancellationReason != "operator canceled" {
		t.Fatalf("stored workitem overwritten: %s %q", got.State, got.CancellationReason)
	}
}
