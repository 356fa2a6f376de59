// Package gateway is a thin façade over the external container runtime. The
// lifecycle manager and the stream relay are its only consumers; everything
// they need from the runtime goes through the Runtime interface so tests can
// substitute a stub.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrRuntimeUnavailable reports that the runtime endpoint cannot be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrNameConflict reports that the derived sandbox name already exists on
	// the runtime. The runtime is the authoritative deduplication signal; no
	// client-side pre-check exists.
	ErrNameConflict = errors.New("sandbox name already in use")
	// ErrNotFound reports that no runtime unit matches the identifier.
	ErrNotFound = errors.New("no such sandbox on runtime")
	// ErrNotRunning reports an exec or attach against a unit that is not in
	// the running state.
	ErrNotRunning = errors.New("sandbox is not running")
)

// Stop/remove stages for OperationError.
const (
	StageStop   = "stop"
	StageRemove = "remove"
)

// OperationError reports a failed runtime call. Stage distinguishes a unit
// that could not be stopped from one that was stopped but not removed, so the
// caller can decide whether to retry removal alone.
type OperationError struct {
	Stage string
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("runtime %s failed: %v", e.Stage, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// ShortIDLength is the display form of runtime identifiers.
const ShortIDLength = 12

// Handle describes one runtime unit as last observed.
type Handle struct {
	ID      string
	ShortID string
	Name    string
	Image   string
	Status  string
	// Ports maps "containerPort/proto" to the published host port.
	Ports map[string]int
}

// Sandbox statuses as surfaced by the gateway.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

// CreateSpec describes a unit to provision. When Command is empty the unit
// runs a long-lived placeholder command so it stays up for exec sessions.
// Ports pins container ports to fixed host ports; PublishAll requests
// ephemeral host ports for every declared port instead.
type CreateSpec struct {
	Image      string
	Name       string
	Command    []string
	Ports      map[string]int
	PublishAll bool
}

// Runtime is the contract the rest of the control plane holds against the
// container runtime. Every call is independently failable with
// ErrRuntimeUnavailable when the endpoint cannot be reached.
type Runtime interface {
	// Create provisions and starts a detached unit.
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
	// List returns every unit visible to the runtime regardless of state.
	List(ctx context.Context) ([]Handle, error)
	// Get resolves a unit by full or short identifier.
	Get(ctx context.Context, id string) (Handle, error)
	// StopAndRemove stops the unit and removes it. A partial failure
	// (stopped but not removed) surfaces as *OperationError with StageRemove.
	StopAndRemove(ctx context.Context, id string) error
	// TailLogs returns up to lineLimit recent output lines as text.
	TailLogs(ctx context.Context, id string, lineLimit int) (string, error)
	// Exec runs a command synchronously inside a running unit and returns
	// combined stdout+stderr.
	Exec(ctx context.Context, id string, command string) (string, error)
	// AttachStream attaches to the unit's output stream. The stream is
	// infinite until remote close and is not restartable; the caller owns the
	// handle and must Close it on every exit path.
	AttachStream(ctx context.Context, id string) (io.ReadCloser, error)
}

// ShortID truncates a runtime identifier to its fixed-length display form.
func ShortID(id string) string {
	if len(id) <= ShortIDLength {
		return id
	}
	return id[:ShortIDLength]
}
