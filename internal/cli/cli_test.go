package cli

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestExitCode(t *testing.T) {
	if got := ExitCode(errors.New("plain failure")); got != 1 {
		t.Fatalf("expected exit code 1 for plain errors, got %d", got)
	}
	if got := ExitCode(exitCodeError{code: 3}); got != 3 {
		t.Fatalf("expected wrapped exit code 3, got %d", got)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Setenv("AETHERHOST_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	if err := Run([]string{"no-such-command"}, "test"); err == nil {
		t.Fatalf("expected parse error for unknown command")
	}
}

func TestServeRequiresAuthSecret(t *testing.T) {
	t.Setenv("AETHERHOST_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("AETHERHOST_SECRET", "")

	err := Run([]string{"serve"}, "test")
	if err == nil {
		t.Fatalf("expected error when auth secret is missing")
	}
}
