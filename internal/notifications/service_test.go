package notifications_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"

	"upsrouter/internal/notifications"
	"upsrouter/internal/testsupport"
	"upsrouter/internal/ups"
)

type staticSubscribers struct {
	urls []string
	err  error
}

func (s staticSubscribers) Subscribers(context.Context, string) (mapset.Set[string], error) {
	return mapset.NewSet(s.urls...), s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []ups.State
}

func (p *recordingPublisher) Publish(_ context.Context, w *ups.Workitem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, w.State)
	return nil
}

func TestNotifyAllDeliversDespiteUnreachableSubscriber(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reachable := testsupport.NewRecorder(t, http.StatusOK)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	publisher := &recordingPublisher{}
	notifier := notifications.NewNotifier(cfg, staticSubscribers{urls: []string{deadURL, reachable.URL}}, publisher, nil)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")

	notifier.NotifyAll(context.Background(), w)

	requests := reachable.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected reachable subscriber to receive one notification, got %d", len(requests))
	}
	req := requests[0]
	if req.Method != http.MethodPost || req.Path != "/ups-rs/workitems/"+w.UID {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.ContentType != "application/dicom+json" {
		t.Fatalf("unexpected content type %q", req.ContentType)
	}
	decoded, err := ups.Decode(req.Body)
	if err != nil {
		t.Fatalf("decode pushed body: %v", err)
	}
	if decoded.UID != w.UID || decoded.State != ups.StateScheduled {
		t.Fatalf("unexpected pushed snapshot %+v", decoded)
	}
	if len(publisher.states) != 1 || publisher.states[0] != ups.StateScheduled {
		t.Fatalf("expected one published event, got %v", publisher.states)
	}
}

func TestNotifyAllToleratesZeroSubscribersAndLookupErrors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")
	notifications.NewNotifier(cfg, staticSubscribers{}, nil, nil).NotifyAll(context.Background(), w)
	notifications.NewNotifier(cfg, staticSubscribers{err: errors.New("store down")}, nil, nil).NotifyAll(context.Background(), w)
}

func TestNotifySubscriberReportsRejectedDelivery(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rejecting := testsupport.NewRecorder(t, http.StatusConflict)
	notifier := notifications.NewNotifier(cfg, staticSubscribers{}, nil, nil)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")

	if err := notifier.NotifySubscriber(context.Background(), w, rejecting.URL+"/"); err == nil {
		t.Fatalf("expected error for 409 response")
	}
	requests := rejecting.Requests()
	if len(requests) != 1 || requests[0].Path != "/ups-rs/workitems/"+w.UID {
		t.Fatalf("trailing slash should not double up the path: %+v", requests)
	}
}

func TestNotifyAllReachesEverySubscriber(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.MaxParallel = 2
	var recorders []*testsupport.Recorder
	var urls []string
	for i := 0; i < 5; i++ {
		rec := testsupport.NewRecorder(t, http.StatusOK)
		recorders = append(recorders, rec)
		urls = append(urls, rec.URL)
	}
	notifier := notifications.NewNotifier(cfg, staticSubscribers{urls: urls}, nil, nil)
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")
	notifier.NotifyAll(context.Background(), w)
	for i, rec := range recorders {
		if got := len(rec.Requests()); got != 1 {
			t.Fatalf("subscriber %d received %d notifications", i, got)
		}
	}
}
