package processor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"upsrouter/internal/artifacts"
	"upsrouter/internal/config"
	"upsrouter/internal/dicomweb"
	"upsrouter/internal/inference"
	"upsrouter/internal/kvstore"
	"upsrouter/internal/processor"
	"upsrouter/internal/testsupport"
	"upsrouter/internal/ups"
	"upsrouter/internal/workitems"
)

const bilateralResponse = `{"left":{"prediction":"Cancerous","confidence":88.1},"right":{"prediction":"Benign","confidence":64.2}}`

const seriesMetadata = `[{"00080016":{"vr":"UI","Value":["1.2.840.10008.5.1.4.1.1.4"]},
"00080018":{"vr":"UI","Value":["1.2.3.4.1"]},"00100010":{"vr":"PN","Value":[{"Alphabetic":"Doe^Jane"}]},
"0020000D":{"vr":"UI","Value":["1.2.3"]},"00200013":{"vr":"IS","Value":[1]}}]`

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []*ups.Workitem
}

func (n *recordingNotifier) NotifyAll(_ context.Context, w *ups.Workitem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, w.Clone())
}

func (n *recordingNotifier) NotifySubscriber(context.Context, *ups.Workitem, string) error {
	return nil
}

func (n *recordingNotifier) forUID(uid string) []*ups.Workitem {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*ups.Workitem
	for _, s := range n.snapshots {
		if s.UID == uid {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	cfg      *config.Config
	deps     processor.Dependencies
	proc     *processor.Processor
	store    *workitems.Store
	notifier *recordingNotifier
	archive  *httptest.Server
	uploads  *testsupport.Recorder
}

func newHarness(t *testing.T, model http.HandlerFunc, opts ...func(*processor.Dependencies)) *harness {
	t.Helper()

	modelServer := httptest.NewServer(model)
	t.Cleanup(modelServer.Close)
	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/metadata") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/dicom+json")
		_, _ = w.Write([]byte(seriesMetadata))
	}))
	t.Cleanup(archive.Close)
	uploads := testsupport.NewRecorder(t, http.StatusOK)

	cfg := testsupport.NewConfig(t,
		testsupport.WithModelURL(modelServer.URL),
		testsupport.WithUploadURL(uploads.URL+"/instances"),
	)
	store := workitems.NewStore(kvstore.NewMemory(), nil)
	notifier := &recordingNotifier{}
	archiveClient := dicomweb.NewClient(cfg, nil)
	t.Cleanup(archiveClient.Close)

	deps := processor.Dependencies{
		Store:    store,
		Notifier: notifier,
		Model:    inference.NewClient(cfg, nil),
		Archive:  archiveClient,
		Builder:  artifacts.NewBuilder(cfg),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &harness{
		cfg:      cfg,
		deps:     deps,
		proc:     processor.New(cfg, deps),
		store:    store,
		notifier: notifier,
		archive:  archive,
		uploads:  uploads,
	}
}

func (h *harness) newWorkitem(t *testing.T, study string) *ups.Workitem {
	t.Helper()
	w := testsupport.NewWorkitem(t, h.archive.URL+"/dicom-web", study, study+".1")
	if err := h.store.Save(context.Background(), w); err != nil {
		t.Fatalf("save: %v", err)
	}
	return w
}

func (h *harness) stored(t *testing.T, uid string) *ups.Workitem {
	t.Helper()
	w, err := h.store.Get(context.Background(), uid)
	if err != nil {
		t.Fatalf("get %s: %v", uid, err)
	}
	return w
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestRunBilateralCompletes(t *testing.T) {
	var request inference.Request
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze/mri" {
			t.Errorf("unexpected model path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&request)
		_, _ = w.Write([]byte(bilateralResponse))
	})
	w := h.newWorkitem(t, "1.2.3")

	h.proc.Run(context.Background(), w)

	got := h.stored(t, w.UID)
	if got.State != ups.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.State, got.CancellationReason)
	}
	if got.ProgressDescription != processor.MessageCompleted {
		t.Fatalf("unexpected description %q", got.ProgressDescription)
	}
	if len(got.OutputReferences) != 1 || got.OutputReferences[0].StudyUID != "1.2.3" {
		t.Fatalf("expected one output reference, got %+v", got.OutputReferences)
	}
	if request.StudyUID != "1.2.3" || len(request.Retrieval) != 1 {
		t.Fatalf("unexpected model request %+v", request)
	}

	reqs := h.uploads.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one upload, got %d", len(reqs))
	}
	if reqs[0].Path != "/instances" || reqs[0].ContentType != "application/dicom" {
		t.Fatalf("unexpected upload %s %s", reqs[0].Path, reqs[0].ContentType)
	}

	snapshots := h.notifier.forUID(w.UID)
	want := []float64{10, 20, 30, 50, 70, 85, 95, 100}
	if len(snapshots) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(snapshots))
	}
	for i, s := range snapshots {
		if s.Percent() != want[i] {
			t.Fatalf("notification %d: percent %v, want %v", i, s.Percent(), want[i])
		}
	}
	if snapshots[len(snapshots)-1].State != ups.StateCompleted {
		t.Fatalf("last notification should carry COMPLETED")
	}
}

func TestRunModelErrorCancels(t *testing.T) {
	h := newHarness(t, respond(http.StatusInternalServerError, "model exploded"))
	w := h.newWorkitem(t, "1.2.3")

	h.proc.Run(context.Background(), w)

	got := h.stored(t, w.UID)
	if got.State != ups.StateCanceled {
		t.Fatalf("expected CANCELED, got %s", got.State)
	}
	if got.CancellationReason != "Model error: 500 - model exploded" {
		t.Fatalf("unexpected reason %q", got.CancellationReason)
	}
	if got.CanceledAt.IsZero() {
		t.Fatalf("expected cancellation timestamp")
	}
	if len(h.uploads.Requests()) != 0 {
		t.Fatalf("no results should be uploaded")
	}
	snapshots := h.notifier.forUID(w.UID)
	if last := snapshots[len(snapshots)-1]; last.State != ups.StateCanceled {
		t.Fatalf("subscribers should see the cancellation, got %s", last.State)
	}
}

func TestRunNetworkErrorCancels(t *testing.T) {
	h := newHarness(t, respond(http.StatusOK, bilateralResponse))
	unreachable := httptest.NewServer(http.NotFoundHandler())
	unreachable.Close()
	cfg := testsupport.NewConfig(t, testsupport.WithModelURL(unreachable.URL))
	h.proc = processor.New(cfg, processor.Dependencies{
		Store:    h.store,
		Notifier: h.notifier,
		Model:    inference.NewClient(cfg, nil),
		Archive:  dicomweb.NewClient(cfg, nil),
		Builder:  artifacts.NewBuilder(cfg),
	})
	w := h.newWorkitem(t, "1.2.3")

	h.proc.Run(context.Background(), w)

	got := h.stored(t, w.UID)
	if got.State != ups.StateCanceled || !strings.HasPrefix(got.CancellationReason, "Network error calling model:") {
		t.Fatalf("unexpected outcome %s %q", got.State, got.CancellationReason)
	}
}

func TestRunUnknownFormatCancels(t *testing.T) {
	h := newHarness(t, respond(http.StatusOK, `{"verdict":"unclear"}`))
	w := h.newWorkitem(t, "1.2.3")

	h.proc.Run(context.Background(), w)

	got := h.stored(t, w.UID)
	if got.State != ups.StateCanceled {
		t.Fatalf("expected CANCELED, got %s", got.State)
	}
	if !strings.HasPrefix(got.CancellationReason, "Error processing workitem:") ||
		!strings.Contains(got.CancellationReason, "unknown response format") {
		t.Fatalf("unexpected reason %q", got.CancellationReason)
	}
}

func TestRunUploadFailureStillCompletes(t *testing.T) {
	h := newHarness(t, respond(http.StatusOK, bilateralResponse))
	h.uploads.SetStatus(http.StatusInternalServerError)
	w := h.newWorkitem(t, "1.2.3")

	h.proc.Run(context.Background(), w)

	got := h.stored(t, w.UID)
	if got.State != ups.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}
	if len(got.OutputReferences) != 0 {
		t.Fatalf("failed upload must not add a reference: %+v", got.OutputReferences)
	}
	if len(h.uploads.Requests()) != 1 {
		t.Fatalf("expected one upload attempt")
	}
}

type panickingBuilder struct{}

func (panickingBuilder) Build(string, *inference.Result, inference.Format, *dicomweb.SeriesInfo) ([]artifacts.Artifact, error) {
	panic("encoder blew up")
}

func TestRunPanicCancels(t *testing.T) {
	h := newHarness(t, respond(http.StatusOK, bilateralResponse), func(d *processor.Dependencies) {
		d.Builder = panickingBuilder{}
	})
	w := h.newWorkitem(t, "1.2.3")

	if err := h.proc.Submit(context.Background(), w); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.proc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	got := h.stored(t, w.UID)
	if got.State != ups.StateCanceled || got.CancellationReason != "Internal error: encoder blew up" {
		t.Fatalf("unexpected outcome %s %q", got.State, got.CancellationReason)
	}
}

func TestConcurrentRunsCompleteIndependently(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var req inference.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.StudyUID == "2.2.2" {
			<-release
		}
		_, _ = w.Write([]byte(bilateralResponse))
	})
	ctx := context.Background()
	fast := h.newWorkitem(t, "1.1.1")
	slow := h.newWorkitem(t, "2.2.2")

	if err := h.proc.Submit(ctx, slow); err != nil {
		t.Fatalf("submit slow: %v", err)
	}
	if err := h.proc.Submit(ctx, fast); err != nil {
		t.Fatalf("submit fast: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.stored(t, fast.UID).State != ups.StateCompleted || h.stored(t, slow.UID).State != ups.StateInProgress {
		if time.Now().After(deadline) {
			close(release)
			t.Fatalf("fast workitem did not complete while the slow one was in progress")
		}
		time.Sleep(10 * time.Millisecond)
	}

	inProgress, err := h.store.List(ctx, ups.StateInProgress)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].UID != slow.UID {
		close(release)
		t.Fatalf("expected only the slow workitem in progress, got %d", len(inProgress))
	}

	close(release)
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.proc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	completed, err := h.store.List(ctx, ups.StateCompleted)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected both workitems completed, got %d", len(completed))
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	h := newHarness(t, respond(http.StatusOK, bilateralResponse))
	if err := h.proc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.proc.Submit(context.Background(), h.newWorkitem(t, "1.2.3")); err != processor.ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolDetachesFromSubmitterContext(t *testing.T) {
	pool := processor.NewPool(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	if err := pool.Go(ctx, "detached", func(runCtx context.Context) {
		cancel()
		time.Sleep(20 * time.Millisecond)
		result <- runCtx.Err()
	}, nil); err != nil {
		t.Fatalf("go: %v", err)
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("run context should survive submitter cancellation, got %v", err)
	}
}

func TestPoolShutdownTimeoutCancelsRuns(t *testing.T) {
	pool := processor.NewPool(1, nil)
	started := make(chan struct{})
	finished := make(chan struct{})
	if err := pool.Go(context.Background(), "blocking", func(runCtx context.Context) {
		close(started)
		<-runCtx.Done()
		close(finished)
	}, nil); err != nil {
		t.Fatalf("go: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); err == nil {
		t.Fatalf("expected shutdown timeout")
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("run was not cancelled")
	}
}

func TestPoolRunsDroppedCallbackForQueuedTasks(t *testing.T) {
	pool := processor.NewPool(1, nil)
	started := make(chan struct{})
	if err := pool.Go(context.Background(), "holder", func(runCtx context.Context) {
		close(started)
		<-runCtx.Done()
		time.Sleep(100 * time.Millisecond)
	}, nil); err != nil {
		t.Fatalf("go: %v", err)
	}
	<-started

	ran := make(chan struct{}, 1)
	dropped := make(chan error, 1)
	if err := pool.Go(context.Background(), "queued", func(context.Context) {
		ran <- struct{}{}
	}, func(runCtx context.Context) {
		dropped <- runCtx.Err()
	}); err != nil {
		t.Fatalf("go: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); err == nil {
		t.Fatalf("expected shutdown timeout")
	}
	select {
	case err := <-dropped:
		if err == nil {
			t.Fatalf("dropped task should see a cancelled context")
		}
	default:
		t.Fatalf("dropped callback did not run before Shutdown returned")
	}
	select {
	case <-ran:
		t.Fatalf("queued task should not run after shutdown")
	default:
	}
}

func TestShutdownCancelsQueuedAndRunningWorkitems(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	h.cfg.Processor.MaxConcurrent = 2
	h.proc = processor.New(h.cfg, h.deps)

	ctx := context.Background()
	var submitted []*ups.Workitem
	for _, study := range []string{"1.1.1", "2.2.2", "3.3.3", "4.4.4"} {
		w := h.newWorkitem(t, study)
		if err := h.proc.Submit(ctx, w); err != nil {
			t.Fatalf("submit %s: %v", study, err)
		}
		submitted = append(submitted, w)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		inProgress, err := h.store.List(ctx, ups.StateInProgress)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(inProgress) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected two runs to reach the model, got %d", len(inProgress))
		}
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := h.proc.Shutdown(shutdownCtx); err == nil {
		t.Fatalf("expected shutdown timeout with runs blocked on the model")
	}

	queued := 0
	for _, w := range submitted {
		got := h.stored(t, w.UID)
		if got.State != ups.StateCanceled {
			t.Fatalf("workitem %s left %s after shutdown", got.StudyUID, got.State)
		}
		if got.CancellationReason == processor.ReasonShutdownBeforeStart {
			queued++
		}
	}
	if queued == 0 {
		t.Fatalf("expected queued workitems to record %q", processor.ReasonShutdownBeforeStart)
	}
}

func TestRunStopsWhenCanceledThroughStore(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte(bilateralResponse))
	})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	ctx := context.Background()
	w := h.newWorkitem(t, "1.2.3")
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.proc.Run(ctx, w)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("run never reached the model")
	}
	if _, err := h.store.Mutate(ctx, w.UID, func(cur *ups.Workitem) error {
		return cur.UpdateState(ups.StateUpdate{State: ups.StateCanceled, CancellationReason: "operator canceled"})
	}); err != nil {
		t.Fatalf("cancel through store: %v", err)
	}
	unblock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}

	got := h.stored(t, w.UID)
	if got.State != ups.StateCanceled || got.CancellationReason != "operator canceled" {
		t.Fatalf("stored cancellation overwritten: %s %q", got.State, got.CancellationReason)
	}
	if len(h.uploads.Requests()) != 0 {
		t.Fatalf("canceled workitem must not upload results")
	}
	for _, s := range h.notifier.forUID(w.UID) {
		if s.Percent() > 30 || s.State == ups.StateCompleted {
			t.Fatalf("no notification expected after the cancellation, got %s %v", s.State, s.Percent())
		}
	}
}
