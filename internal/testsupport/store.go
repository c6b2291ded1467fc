package testsupport

import (
	"context"
	"testing"

	"upsrouter/internal/config"
	"upsrouter/internal/kvstore"
	"upsrouter/internal/ups"
)

// MustOpenStore opens the configured kvstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) kvstore.Store {
	t.Helper()

	store, err := kvstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewWorkitem builds a SCHEDULED workitem whose series are retrievable under base.
func NewWorkitem(t testing.TB, base, studyUID string, seriesUIDs ...string) *ups.Workitem {
	t.Helper()

	w, err := ups.New(studyUID, seriesUIDs, ups.BuildRetrievalLocations(base, studyUID, seriesUIDs), ups.PriorityMedium)
	if err != nil {
		t.Fatalf("ups.New: %v", err)
	}
	return w
}
