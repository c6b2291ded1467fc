package daemon

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"upsrouter/internal/api"
	"upsrouter/internal/logging"
	"upsrouter/internal/services"
	"upsrouter/internal/subscriptions"
	"upsrouter/internal/ups"
)

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusOK})
}

// handleCreateWorkitem persists a new SCHEDULED workitem, hands a copy to the
// processor and answers without waiting for the pipeline.
func (s *apiServer) handleCreateWorkitem(w http.ResponseWriter, r *http.Request) {
	var req api.CreateWorkitemRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	priority, err := ups.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	base := strings.TrimSpace(req.WADORSBase)
	if base == "" {
		base = s.daemon.cfg.DICOMweb.DefaultBase
	}
	locations := ups.BuildRetrievalLocations(base, strings.TrimSpace(req.StudyUID), req.SeriesUIDs)
	item, err := ups.New(strings.TrimSpace(req.StudyUID), req.SeriesUIDs, locations, priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := services.WithWorkitemUID(r.Context(), item.UID)
	if err := s.daemon.store.Save(ctx, item); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.daemon.processor.Submit(ctx, item.Clone()); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "workitem not submitted for processing", "submit_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "workitem stays SCHEDULED"),
			logging.String(logging.FieldErrorHint, "daemon is shutting down; resubmit after restart"),
		)
	}
	logging.WithContext(ctx, s.logger).Info("workitem created",
		logging.String(logging.FieldEventType, "workitem_created"),
		logging.String("study_uid", item.StudyUID),
		logging.Int("series", len(item.SeriesUIDs)),
		logging.String("priority", string(item.Priority)),
	)
	s.writeDICOM(w, http.StatusCreated, item)
}

func (s *apiServer) handleGetWorkitem(w http.ResponseWriter, r *http.Request) {
	item, err := s.daemon.store.Get(r.Context(), r.PathValue("uid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDICOM(w, http.StatusOK, item)
}

func (s *apiServer) handleQueryWorkitems(w http.ResponseWriter, r *http.Request) {
	var filter ups.State
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, err := ups.ParseState(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter = state
	}
	items, err := s.daemon.store.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*ups.Workitem{}
	}
	s.writeDICOM(w, http.StatusOK, items)
}

// handleUpdateState applies a caller-driven transition atomically against
// the stored copy and notifies subscribers of the result.
func (s *apiServer) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateStateRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := ups.ParseState(req.State)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	update := ups.StateUpdate{
		State:              state,
		Percent:            req.ProgressPercent,
		Description:        strings.TrimSpace(req.ProgressInfo),
		CancellationReason: strings.TrimSpace(req.CancellationReason),
	}
	if state == ups.StateCanceled && update.CancellationReason == "" {
		update.CancellationReason = update.Description
	}

	uid := r.PathValue("uid")
	ctx := services.WithWorkitemUID(r.Context(), uid)
	item, err := s.daemon.store.Mutate(ctx, uid, func(item *ups.Workitem) error {
		return item.UpdateState(update)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logging.WithContext(ctx, s.logger).Info("workitem state updated",
		logging.String(logging.FieldEventType, "workitem_state_updated"),
		logging.String(logging.FieldState, string(item.State)),
		logging.Float64(logging.FieldProgressPercent, item.Percent()),
	)
	s.daemon.notifier.NotifyAll(ctx, item)
	s.writeDICOM(w, http.StatusOK, item)
}

// handleMirrorWorkitem accepts a snapshot pushed by a processing node and
// keeps it unless it would move the local copy backwards.
func (s *apiServer) handleMirrorWorkitem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "read body", "", err))
		return
	}
	item, err := ups.Decode(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	uid := r.PathValue("uid")
	if item.UID != uid {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "mirror workitem",
			"body uid "+item.UID+" does not match path uid "+uid, nil))
		return
	}

	ctx := services.WithWorkitemUID(r.Context(), uid)
	if err := s.daemon.store.SaveIfNewer(ctx, item); err != nil {
		s.writeError(w, r, err)
		return
	}
	logging.WithContext(ctx, s.logger).Info("workitem snapshot received",
		logging.String(logging.FieldEventType, "workitem_mirrored"),
		logging.String(logging.FieldState, string(item.State)),
		logging.Float64(logging.FieldProgressPercent, item.Percent()),
	)
	s.daemon.notifier.NotifyAll(ctx, item)
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusReceived})
}

// handleSubscribe registers a subscriber and immediately pushes the current
// snapshot to it, whatever the workitem's state.
func (s *apiServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req api.SubscribeRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	subscriber, err := validateSubscriberURL(req.SubscriberURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	uid := r.PathValue("uid")
	ctx := services.WithWorkitemUID(r.Context(), uid)
	item, err := s.daemon.store.Get(ctx, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.daemon.registry.Add(ctx, uid, subscriber, req.DeletionLock); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.daemon.notifier.NotifySubscriber(ctx, item, subscriber); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "initial notification failed", "notify_failed",
			logging.String(logging.FieldSubscriberURL, subscriber),
			logging.Error(err),
			logging.String(logging.FieldImpact, "subscriber receives the next state change instead"),
		)
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusSubscribed})
}

func (s *apiServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	subscriber := strings.TrimSpace(r.PathValue("url"))
	if subscriber == "" {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "unsubscribe", "subscriber url is required", nil))
		return
	}
	ctx := services.WithWorkitemUID(r.Context(), uid)
	if err := s.daemon.registry.Remove(ctx, uid, subscriber); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusUnsubscribed})
}

func (s *apiServer) handleGlobalSubscribe(w http.ResponseWriter, r *http.Request) {
	var req api.GlobalSubscribeRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	subscriber, err := validateSubscriberURL(req.SubscriberURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.daemon.registry.AddGlobal(r.Context(), subscriber); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusSubscribed})
}

// validateSubscriberURL requires an absolute http(s) URL and returns it
// normalized.
func validateSubscriberURL(raw string) (string, error) {
	normalized := subscriptions.NormalizeURL(raw)
	if normalized == "" {
		return "", services.Wrap(services.ErrValidation, "api", "subscribe", "subscriber_url is required", nil)
	}
	parsed, err := url.Parse(normalized)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", services.Wrap(services.ErrValidation, "api", "subscribe",
			"subscriber_url must be an absolute http(s) URL", err)
	}
	return normalized, nil
}
