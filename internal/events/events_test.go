package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"upsrouter/internal/logging"
	"upsrouter/internal/testsupport"
	"upsrouter/internal/ups"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNewWithoutURLIsNoop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pub, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := pub.(Noop); !ok {
		t.Fatalf("expected Noop publisher, got %T", pub)
	}
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")
	if err := pub.Publish(context.Background(), w); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestPublishUsesStateSubject(t *testing.T) {
	conn := &fakeConn{}
	pub := newNATSPublisher(conn, " ups.workitems. ", logging.NewNop())
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")
	if err := w.UpdateState(ups.StateUpdate{State: ups.StateInProgress, Percent: ups.Percent(30), Description: "Sending data to AI model"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := pub.Publish(context.Background(), w); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "ups.workitems.in_progress" {
		t.Fatalf("unexpected subjects %v", conn.subjects)
	}
	var event WorkitemEvent
	if err := json.Unmarshal(conn.payloads[0], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.WorkitemUID != w.UID || event.State != ups.StateInProgress || event.ProgressPercent == nil || *event.ProgressPercent != 30 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.HappenedAt == 0 {
		t.Fatalf("expected happened_at to be set")
	}
	pub.Close()
	if !conn.drained {
		t.Fatalf("expected Close to drain the connection")
	}
}

func TestPublishReportsConnectionErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	pub := newNATSPublisher(conn, "", logging.NewNop())
	if pub.Subject(ups.StateCanceled) != "ups.workitems.canceled" {
		t.Fatalf("expected default prefix, got %s", pub.Subject(ups.StateCanceled))
	}
	w := testsupport.NewWorkitem(t, "http://v/dicom-web", "1.2.3", "1.2.3.4")
	if err := pub.Publish(context.Background(), w); err == nil {
		t.Fatalf("expected publish error")
	}
}
