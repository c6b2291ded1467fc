package services_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"upsrouter/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrUpstream, "inference", "analyze", "model call failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"inference", "analyze", "model call failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		nil: http.StatusOK,
		services.Wrap(services.ErrValidation, "api", "create", "missing study_uid", nil): http.StatusBadRequest,
		services.Wrap(services.ErrNotFound, "api", "get", "", nil):                       http.StatusNotFound,
		services.Wrap(services.ErrConflict, "api", "update", "", nil):                    http.StatusConflict,
		errors.New("plain"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := services.HTTPStatus(err); got != want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
