package gateway

import (
	"errors"
	"testing"

	"github.com/docker/docker/errdefs"
)

func TestShortIDTruncatesLongIdentifiers(t *testing.T) {
	full := "abcdef123456abcdef123456abcdef123456"
	if got := ShortID(full); got != "abcdef123456" {
		t.Fatalf("expected 12-char short id, got %q", got)
	}
	if got := ShortID("short"); got != "short" {
		t.Fatalf("expected short input unchanged, got %q", got)
	}
	if got := ShortID(""); got != "" {
		t.Fatalf("expected empty input unchanged, got %q", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		state string
		want  string
	}{
		{"created", StatusCreated},
		{"running", StatusRunning},
		{"exited", StatusStopped},
		{"dead", StatusStopped},
		{"removing", StatusStopped},
		{"paused", StatusUnknown},
		{"", StatusUnknown},
	}
	for _, tc := range cases {
		if got := normalizeStatus(tc.state); got != tc.want {
			t.Fatalf("normalizeStatus(%q): expected %q, got %q", tc.state, tc.want, got)
		}
	}
}

func TestClassifyMapsRuntimeErrors(t *testing.T) {
	if got := classify(errdefs.NotFound(errors.New("no such container"))); !errors.Is(got, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", got)
	}
	if got := classify(errdefs.Conflict(errors.New("name in use"))); !errors.Is(got, ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", got)
	}
	if got := classify(nil); got != nil {
		t.Fatalf("expected nil for nil input, got %v", got)
	}
	plain := errors.New("boom")
	got := classify(plain)
	if !errors.Is(got, plain) {
		t.Fatalf("expected wrapped original error, got %v", got)
	}
}

func TestOperationErrorUnwraps(t *testing.T) {
	inner := errors.New("device busy")
	err := &OperationError{Stage: StageRemove, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected OperationError to unwrap to inner error")
	}
	var opErr *OperationError
	if !errors.As(error(err), &opErr) || opErr.Stage != StageRemove {
		t.Fatalf("expected stage %q, got %+v", StageRemove, opErr)
	}
}
