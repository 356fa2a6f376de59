package lifecycle

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maanpatel139/aetherhost/internal/gateway"
	"github.com/maanpatel139/aetherhost/internal/ledger"
)

type stubRuntime struct {
	createSpec  gateway.CreateSpec
	createErr   error
	handles     []gateway.Handle
	listErr     error
	stopErr     error
	stopCalls   int
	stoppedID   string
	logsText    string
	logsErr     error
	execOutput  string
	execErr     error
	execCommand string
}

func (s *stubRuntime) Create(_ context.Context, spec gateway.CreateSpec) (gateway.Handle, error) {
	s.createSpec = spec
	if s.createErr != nil {
		return gateway.Handle{}, s.createErr
	}
	id := "aaaaaaaaaaaa0000000000000000"
	return gateway.Handle{
		ID:      id,
		ShortID: gateway.ShortID(id),
		Name:    spec.Name,
		Image:   spec.Image,
		Status:  gateway.StatusRunning,
		Ports:   spec.Ports,
	}, nil
}

func (s *stubRuntime) List(context.Context) ([]gateway.Handle, error) {
	return s.handles, s.listErr
}

func (s *stubRuntime) Get(_ context.Context, id string) (gateway.Handle, error) {
	for _, h := range s.handles {
		if h.ID == id || h.ShortID == id {
			return h, nil
		}
	}
	return gateway.Handle{}, gateway.ErrNotFound
}

func (s *stubRuntime) StopAndRemove(_ context.Context, id string) error {
	s.stopCalls++
	s.stoppedID = id
	return s.stopErr
}

func (s *stubRuntime) TailLogs(context.Context, string, int) (string, error) {
	return s.logsText, s.logsErr
}

func (s *stubRuntime) Exec(_ context.Context, _ string, command string) (string, error) {
	s.execCommand = command
	return s.execOutput, s.execErr
}

func (s *stubRuntime) AttachStream(context.Context, string) (io.ReadCloser, error) {
	return nil, gateway.ErrNotRunning
}

var (
	alice = ledger.Principal{ID: "user-alice", Handle: "alice@example.com", Active: true}
	bob   = ledger.Principal{ID: "user-bob", Handle: "bob@example.com", Active: true}
)

func newTestManager(t *testing.T) (*Manager, *stubRuntime, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, p := range []ledger.Principal{alice, bob} {
		record := p
		record.PasswordHash = "hash"
		record.CreatedAt = time.Now().UTC()
		if err := store.CreatePrincipal(ctx, record); err != nil {
			t.Fatalf("create principal %q: %v", p.Handle, err)
		}
	}

	runtime := &stubRuntime{}
	return NewManager(runtime, store, nil), runtime, store
}

func insertSandbox(t *testing.T, store *ledger.Store, runtimeID, name, owner string) {
	t.Helper()
	err := store.InsertSandbox(context.Background(), ledger.Sandbox{
		RuntimeID: runtimeID,
		ShortID:   gateway.ShortID(runtimeID),
		Name:      name,
		Image:     "nginx:latest",
		Status:    gateway.StatusRunning,
		Ports:     map[string]int{"80/tcp": 8081},
		OwnerID:   owner,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert sandbox: %v", err)
	}
}

func TestSandboxNameDerivation(t *testing.T) {
	cases := []struct {
		handle string
		image  string
		want   string
	}{
		{"alice@example.com", "nginx:latest", "sandbox-alice-nginx_latest"},
		{"Bob@Example.com", "node:20", "sandbox-bob-node_20"},
		{"carol@x.io", "library/redis:7", "sandbox-carol-library_redis_7"},
		{"dave@x.io", "alpine", "sandbox-dave-alpine"},
	}
	for _, tc := range cases {
		if got := SandboxName(tc.handle, tc.image); got != tc.want {
			t.Fatalf("SandboxName(%q, %q): expected %q, got %q", tc.handle, tc.image, tc.want, got)
		}
	}
}

func TestPortSpecForImage(t *testing.T) {
	ports, publishAll := portSpecForImage("nginx:latest")
	if publishAll || ports["80/tcp"] != 8081 {
		t.Fatalf("expected nginx pinned to host port 8081, got %v publishAll=%v", ports, publishAll)
	}
	ports, publishAll = portSpecForImage("node:20-alpine")
	if publishAll || ports["3000/tcp"] != 3000 {
		t.Fatalf("expected node pinned to host port 3000, got %v publishAll=%v", ports, publishAll)
	}
	ports, publishAll = portSpecForImage("alpine:3.20")
	if !publishAll || ports != nil {
		t.Fatalf("expected publish-all for unknown images, got %v publishAll=%v", ports, publishAll)
	}
}

func TestProvisionCreatesSandboxAndRecord(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	ctx := context.Background()

	result := manager.Provision(ctx, alice, "nginx:latest")
	if result.Status != "success" {
		t.Fatalf("expected success, got %q (%s)", result.Status, result.Message)
	}
	if runtime.createSpec.Name != "sandbox-alice-nginx_latest" {
		t.Fatalf("expected derived name, got %q", runtime.createSpec.Name)
	}
	if runtime.createSpec.Ports["80/tcp"] != 8081 {
		t.Fatalf("expected nginx port mapping, got %v", runtime.createSpec.Ports)
	}
	if result.ID == "" || result.State != gateway.StatusRunning {
		t.Fatalf("expected id and running state in result, got %+v", result)
	}

	rec, err := store.SandboxByID(ctx, result.ID)
	if err != nil {
		t.Fatalf("expected ledger record after provision: %v", err)
	}
	if rec.OwnerID != alice.ID {
		t.Fatalf("expected owner %q, got %q", alice.ID, rec.OwnerID)
	}
}

func TestProvisionFailureLeavesNoRecord(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	runtime.createErr = gateway.ErrNameConflict

	result := manager.Provision(context.Background(), alice, "nginx:latest")
	if result.Status != "error" {
		t.Fatalf("expected error status, got %q", result.Status)
	}
	if !strings.HasPrefix(result.Message, "Failed to start container") {
		t.Fatalf("unexpected failure message %q", result.Message)
	}

	records, err := store.SandboxesByOwner(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("SandboxesByOwner returned error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no ledger records after failed provision, got %d", len(records))
	}
}

func TestProvisionTearsDownRuntimeUnitWhenLedgerWriteFails(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	ctx := context.Background()

	// Occupy the runtime id the stub will hand out so the insert collides.
	insertSandbox(t, store, "aaaaaaaaaaaa0000000000000000", "sandbox-alice-nginx_latest", alice.ID)

	result := manager.Provision(ctx, alice, "nginx:latest")
	if result.Status != "error" {
		t.Fatalf("expected error status, got %q", result.Status)
	}
	if !strings.HasPrefix(result.Message, "Failed to record container") {
		t.Fatalf("unexpected failure message %q", result.Message)
	}
	if runtime.stopCalls != 1 {
		t.Fatalf("expected the unrecorded unit to be torn down, got %d stop calls", runtime.stopCalls)
	}
	if runtime.stoppedID != "aaaaaaaaaaaa0000000000000000" {
		t.Fatalf("expected teardown of the created unit, got %q", runtime.stoppedID)
	}
}

func TestStopRequiresOwnership(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)

	if _, err := manager.Stop(context.Background(), bob, "aaaaaaaaaaaa"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if runtime.stopCalls != 0 {
		t.Fatalf("expected no runtime calls for denied stop, got %d", runtime.stopCalls)
	}
}

func TestStopRemovesRecordAndIsNotRepeatable(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)
	ctx := context.Background()

	message, err := manager.Stop(ctx, alice, "aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if !strings.Contains(message, "stopped and removed") {
		t.Fatalf("unexpected stop message %q", message)
	}
	if runtime.stoppedID != "aaaaaaaaaaaa0000" {
		t.Fatalf("expected stop against the full runtime id, got %q", runtime.stoppedID)
	}
	if _, err := store.SandboxByID(ctx, "aaaaaaaaaaaa"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}

	if _, err := manager.Stop(ctx, alice, "aaaaaaaaaaaa"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeated stop, got %v", err)
	}
}

func TestStopDropsStaleRecordWhenRuntimeUnitIsGone(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)
	runtime.stopErr = gateway.ErrNotFound

	if _, err := manager.Stop(context.Background(), alice, "aaaaaaaaaaaa"); err != nil {
		t.Fatalf("expected stale-record stop to succeed, got %v", err)
	}
	if _, err := store.SandboxByID(context.Background(), "aaaaaaaaaaaa"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected stale record to be deleted, got %v", err)
	}
}

func TestStopKeepsRecordWhenRemovalFails(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)
	runtime.stopErr = &gateway.OperationError{Stage: gateway.StageRemove, Err: errors.New("device busy")}

	_, err := manager.Stop(context.Background(), alice, "aaaaaaaaaaaa")
	var opErr *gateway.OperationError
	if !errors.As(err, &opErr) || opErr.Stage != gateway.StageRemove {
		t.Fatalf("expected remove-stage OperationError, got %v", err)
	}

	rec, recErr := store.SandboxByID(context.Background(), "aaaaaaaaaaaa")
	if recErr != nil {
		t.Fatalf("expected record to survive failed removal, got %v", recErr)
	}
	if rec.Status != gateway.StatusStopped {
		t.Fatalf("expected status reconciled to stopped, got %q", rec.Status)
	}
}

func TestLogsRequiresOwnership(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)
	runtime.logsText = "hello from nginx\n"

	if _, err := manager.Logs(context.Background(), bob, "aaaaaaaaaaaa"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	view, err := manager.Logs(context.Background(), alice, "aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("Logs returned error: %v", err)
	}
	if view.Logs != "hello from nginx\n" {
		t.Fatalf("expected runtime logs to be forwarded, got %q", view.Logs)
	}
	if view.ID != "aaaaaaaaaaaa" || view.Name != "sandbox-alice-nginx_latest" {
		t.Fatalf("unexpected logs view %+v", view)
	}
}

func TestExecEnforcesOwnershipAndRunningState(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)
	ctx := context.Background()

	if _, err := manager.Exec(ctx, bob, "aaaaaaaaaaaa", "ls"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := manager.Exec(ctx, alice, "missing", "ls"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	runtime.execErr = gateway.ErrNotRunning
	if _, err := manager.Exec(ctx, alice, "aaaaaaaaaaaa", "ls"); !errors.Is(err, gateway.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning passthrough, got %v", err)
	}

	runtime.execErr = nil
	runtime.execOutput = "bin\nusr\n"
	output, err := manager.Exec(ctx, alice, "aaaaaaaaaaaa", "ls /")
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	if output != "bin\nusr\n" {
		t.Fatalf("expected combined output, got %q", output)
	}
	if runtime.execCommand != "ls /" {
		t.Fatalf("expected command to be forwarded, got %q", runtime.execCommand)
	}
}

func TestListIsScopedByLedgerOwnership(t *testing.T) {
	manager, runtime, store := newTestManager(t)
	insertSandbox(t, store, "aaaaaaaaaaaa0000", "sandbox-alice-nginx_latest", alice.ID)
	insertSandbox(t, store, "bbbbbbbbbbbb0000", "sandbox-bob-nginx_latest", bob.ID)
	runtime.handles = []gateway.Handle{
		{
			ID: "aaaaaaaaaaaa0000", ShortID: "aaaaaaaaaaaa",
			Name: "sandbox-alice-nginx_latest", Image: "nginx:latest",
			Status: gateway.StatusStopped, Ports: map[string]int{"80/tcp": 8081},
		},
		{
			ID: "bbbbbbbbbbbb0000", ShortID: "bbbbbbbbbbbb",
			Name: "sandbox-bob-nginx_latest", Image: "nginx:latest",
			Status: gateway.StatusRunning,
		},
		{
			ID: "cccccccccccc0000", ShortID: "cccccccccccc",
			Name: "unrelated-service", Image: "redis:7",
			Status: gateway.StatusRunning,
		},
	}

	summaries, err := manager.List(context.Background(), alice)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected exactly alice's sandbox, got %d entries", len(summaries))
	}
	got := summaries[0]
	if got.ID != "aaaaaaaaaaaa" || got.Status != gateway.StatusStopped {
		t.Fatalf("unexpected summary %+v", got)
	}
	if got.Port == nil || *got.Port != 8081 {
		t.Fatalf("expected first host port 8081, got %v", got.Port)
	}

	// The observed state must be reconciled back into the record.
	rec, err := store.SandboxByID(context.Background(), "aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("SandboxByID returned error: %v", err)
	}
	if rec.Status != gateway.StatusStopped {
		t.Fatalf("expected reconciled status, got %q", rec.Status)
	}
}

func TestListIncludesRecordlessUnitsByNamePrefix(t *testing.T) {
	manager, runtime, _ := newTestManager(t)
	runtime.handles = []gateway.Handle{
		{
			ID: "dddddddddddd0000", ShortID: "dddddddddddd",
			Name: "sandbox-alice-python_3.12", Image: "python:3.12",
			Status: gateway.StatusRunning,
		},
		{
			ID: "eeeeeeeeeeee0000", ShortID: "eeeeeeeeeeee",
			Name: "sandbox-bob-python_3.12", Image: "python:3.12",
			Status: gateway.StatusRunning,
		},
	}

	summaries, err := manager.List(context.Background(), alice)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Name != "sandbox-alice-python_3.12" {
		t.Fatalf("expected the legacy prefix match only, got %+v", summaries)
	}
}
