package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"upsrouter/internal/artifacts"
	"upsrouter/internal/config"
	"upsrouter/internal/dicomweb"
	"upsrouter/internal/inference"
	"upsrouter/internal/logging"
	"upsrouter/internal/notifications"
	"upsrouter/internal/services"
	"upsrouter/internal/ups"
	"upsrouter/internal/workitems"
)

// Progress descriptions recorded at each checkpoint.
const (
	MessageStarting  = "Starting AI inference"
	MessageRetrieved = "Retrieved study metadata"
	MessageSending   = "Sending data to AI model"
	MessageAnalyzing = "AI model analyzing data"
	MessageSource    = "Retrieving source images"
	MessageCreating  = "Creating DICOM results"
	MessageUploading = "Uploading results to viewer"
	MessageCompleted = "AI inference completed successfully"
)

// ReasonShutdownBeforeStart is recorded on workitems still queued when the
// pool shuts down.
const ReasonShutdownBeforeStart = "Processor shut down before start"

const terminalWriteTimeout = 10 * time.Second

// WorkitemSaver persists pipeline snapshots. Advance must return
// workitems.ErrTerminal instead of overwriting a COMPLETED or CANCELED copy.
type WorkitemSaver interface {
	Advance(ctx context.Context, w *ups.Workitem) error
}

// Model runs inference for a study.
type Model interface {
	Analyze(ctx context.Context, studyUID string, locations []ups.RetrievalLocation) (*inference.Result, error)
}

// Archive reads source metadata from and writes results to the originating node.
type Archive interface {
	SeriesMetadata(ctx context.Context, retrievalURL string) (*dicomweb.SeriesInfo, error)
	UploadTarget(retrievalURL string) (string, error)
	Upload(ctx context.Context, target string, data []byte) error
}

// ArtifactBuilder encodes results as uploadable objects.
type ArtifactBuilder interface {
	Build(studyUID string, res *inference.Result, format inference.Format, series *dicomweb.SeriesInfo) ([]artifacts.Artifact, error)
}

// Dependencies are the collaborators of a Processor.
type Dependencies struct {
	Store    WorkitemSaver
	Notifier notifications.Service
	Model    Model
	Archive  Archive
	Builder  ArtifactBuilder
	Logger   *slog.Logger
}

// Processor executes pipeline runs.
type Processor struct {
	store    WorkitemSaver
	notifier notifications.Service
	model    Model
	archive  Archive
	builder  ArtifactBuilder
	pool     *Pool
	logger   *slog.Logger
}

// New builds a processor whose pool is sized by the processor section of cfg.
func New(cfg *config.Config, deps Dependencies) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "processor")
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewNoop()
	}
	return &Processor{
		store:    deps.Store,
		notifier: notifier,
		model:    deps.Model,
		archive:  deps.Archive,
		builder:  deps.Builder,
		pool:     NewPool(cfg.Processor.MaxConcurrent, logger),
		logger:   logger,
	}
}

// Submit starts a background run for w and returns immediately. The run owns
// w from here on; callers must not mutate it.
func (p *Processor) Submit(ctx context.Context, w *ups.Workitem) error {
	if w == nil {
		return services.Wrap(services.ErrValidation, "processor", "submit", "workitem is required", nil)
	}
	return p.pool.Go(ctx, "workitem "+w.UID, func(runCtx context.Context) {
		p.Run(runCtx, w)
	}, func(runCtx context.Context) {
		runCtx = services.WithWorkitemUID(runCtx, w.UID)
		p.cancel(runCtx, logging.WithContext(runCtx, p.logger), w, ReasonShutdownBeforeStart)
	})
}

// Shutdown waits for in-flight runs, cancelling them when ctx ends first.
func (p *Processor) Shutdown(ctx context.Context) error {
	return p.pool.Shutdown(ctx)
}

// Run executes the pipeline for w synchronously. It never returns an error;
// the outcome is recorded on w and in the store.
func (p *Processor) Run(ctx context.Context, w *ups.Workitem) {
	start := time.Now()
	ctx = services.WithWorkitemUID(ctx, w.UID)
	logger := logging.WithContext(ctx, p.logger)

	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logger, "pipeline panicked", "pipeline_panic",
				logging.String("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())),
			)
			p.cancel(ctx, logger, w, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	logger.Info("workitem processing started",
		logging.String(logging.FieldEventType, "workitem_start"),
		logging.String("study_uid", w.StudyUID),
		logging.Int("retrieval_locations", len(w.RetrievalLocations)),
	)

	if err := p.execute(ctx, logger, w); err != nil {
		if finishedElsewhere(logger, err) {
			return
		}
		p.cancel(ctx, logger, w, cancellationReason(err))
		return
	}

	if err := w.UpdateState(ups.StateUpdate{
		State:       ups.StateCompleted,
		Percent:     ups.Percent(100),
		Description: MessageCompleted,
	}); err != nil {
		p.cancel(ctx, logger, w, cancellationReason(err))
		return
	}
	if err := p.store.Advance(ctx, w); err != nil {
		if finishedElsewhere(logger, err) {
			return
		}
		logging.ErrorWithContext(logger, "failed to persist completed workitem", "persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check key-value store access"),
		)
	}
	logger.Info("workitem completed",
		logging.String(logging.FieldEventType, "workitem_completed"),
		logging.Int("output_references", len(w.OutputReferences)),
		logging.Duration("elapsed", time.Since(start)),
	)
	p.notifier.NotifyAll(ctx, w)
}

func (p *Processor) execute(ctx context.Context, logger *slog.Logger, w *ups.Workitem) error {
	if err := p.checkpoint(ctx, logger, w, "start", 10, MessageStarting); err != nil {
		return err
	}

	locations := w.RetrievalLocations
	studyUID := w.GetStudyUID()
	if len(locations) == 0 {
		return services.Wrap(services.ErrValidation, "retrieval", "read locations", "no retrieval URLs in workitem", nil)
	}
	if err := p.checkpoint(ctx, logger, w, "metadata", 20, MessageRetrieved); err != nil {
		return err
	}

	if err := p.checkpoint(ctx, logger, w, "inference", 30, MessageSending); err != nil {
		return err
	}
	result, err := p.model.Analyze(ctx, studyUID, locations)
	if err != nil {
		return err
	}
	if err := p.checkpoint(ctx, logger, w, "inference", 50, MessageAnalyzing); err != nil {
		return err
	}

	format, err := inference.DetectFormat(result)
	if err != nil {
		return err
	}
	logger.Info("model response classified",
		logging.String(logging.FieldEventType, "response_format"),
		logging.String("format", string(format)),
	)

	first := locations[0].RetrievalURL
	if err := p.checkpoint(ctx, logger, w, "source", 70, MessageSource); err != nil {
		return err
	}
	series, err := p.archive.SeriesMetadata(ctx, first)
	if err != nil {
		return fmt.Errorf("failed to retrieve source metadata: %w", err)
	}

	if err := p.checkpoint(ctx, logger, w, "artifacts", 85, MessageCreating); err != nil {
		return err
	}
	results, err := p.builder.Build(studyUID, result, format, series)
	if err != nil {
		return err
	}

	if err := p.checkpoint(ctx, logger, w, "upload", 95, MessageUploading); err != nil {
		return err
	}
	target, err := p.archive.UploadTarget(first)
	if err != nil {
		return err
	}
	p.upload(ctx, logger, w, target, results)
	return nil
}

// checkpoint records progress, persists it and notifies subscribers.
func (p *Processor) checkpoint(ctx context.Context, logger *slog.Logger, w *ups.Workitem, stage string, percent float64, message string) error {
	if err := w.UpdateState(ups.StateUpdate{
		State:       ups.StateInProgress,
		Percent:     ups.Percent(percent),
		Description: message,
	}); err != nil {
		return err
	}
	if err := p.store.Advance(ctx, w); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	logger.Info("workitem progress",
		logging.String(logging.FieldEventType, "workitem_progress"),
		logging.String(logging.FieldStage, stage),
		logging.Float64(logging.FieldProgressPercent, percent),
		logging.String("progress_description", message),
	)
	p.notifier.NotifyAll(ctx, w)
	return nil
}

// upload pushes each artifact independently. A failed upload is logged and
// leaves no output reference.
func (p *Processor) upload(ctx context.Context, logger *slog.Logger, w *ups.Workitem, target string, results []artifacts.Artifact) {
	for _, art := range results {
		start := time.Now()
		if err := p.archive.Upload(ctx, target, art.Data); err != nil {
			logging.WarnWithContext(logger, "result upload failed", "artifact_upload_failed",
				logging.String("artifact", art.Label),
				logging.String("target", target),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the archive ingestion endpoint"),
				logging.String(logging.FieldImpact, "result missing from viewer"),
			)
			continue
		}
		w.AddOutputReference(art.StudyUID, art.SeriesUID)
		logger.Info("result uploaded",
			logging.String(logging.FieldEventType, "artifact_uploaded"),
			logging.String("artifact", art.Label),
			logging.String("series_uid", art.SeriesUID),
			logging.Int("bytes", len(art.Data)),
			logging.Duration("duration", time.Since(start)),
		)
	}
}

// cancel moves w to CANCELED and records it. The write uses a context
// detached from ctx so a run interrupted by shutdown still lands.
func (p *Processor) cancel(ctx context.Context, logger *slog.Logger, w *ups.Workitem, reason string) {
	previous := w.State
	if err := w.UpdateState(ups.StateUpdate{State: ups.StateCanceled, CancellationReason: reason}); err != nil {
		logging.ErrorWithContext(logger, "cannot cancel workitem", "cancel_rejected", logging.Error(err))
		return
	}

	writeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer done()
	if err := p.store.Advance(writeCtx, w); err != nil {
		if finishedElsewhere(logger, err) {
			return
		}
		logging.ErrorWithContext(logger, "failed to persist canceled workitem", "persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check key-value store access"),
		)
	}
	logging.WarnWithContext(logger, "workitem canceled", "workitem_canceled",
		logging.String("cancellation_reason", reason),
		logging.String(logging.FieldState, string(previous)),
		logging.String(logging.FieldImpact, "no results produced for this workitem"),
	)
	p.notifier.NotifyAll(writeCtx, w)
}

// finishedElsewhere reports whether err means the stored workitem was
// completed or canceled by another writer. The run then stops without
// writing or notifying.
func finishedElsewhere(logger *slog.Logger, err error) bool {
	if !errors.Is(err, workitems.ErrTerminal) {
		return false
	}
	logger.Info("workitem finished outside this run, stopping",
		logging.String(logging.FieldEventType, "workitem_superseded"),
		logging.Error(err),
	)
	return true
}

// cancellationReason turns a run failure into the text stored on the workitem.
func cancellationReason(err error) string {
	var statusErr *inference.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Error()
	}
	var networkErr *inference.NetworkError
	if errors.As(err, &networkErr) {
		return networkErr.Error()
	}
	return "Error processing workitem: " + err.Error()
}
