// Package lifecycle orchestrates sandbox provisioning, inspection, and
// teardown on behalf of resolved principals, enforcing ownership and naming
// invariants between the runtime gateway and the ownership ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/maanpatel139/aetherhost/internal/gateway"
	"github.com/maanpatel139/aetherhost/internal/ledger"
)

var (
	// ErrForbidden reports an operation against a sandbox owned by another
	// principal.
	ErrForbidden = errors.New("sandbox is owned by another principal")
	// ErrNotFound reports an operation against a sandbox with no ledger
	// record.
	ErrNotFound = errors.New("no such sandbox")
)

const logTailLines = 50

// namePrefix is the leading fragment of every derived sandbox name.
const namePrefix = "sandbox"

// Manager is the central lifecycle component.
type Manager struct {
	runtime gateway.Runtime
	ledger  *ledger.Store
	logger  *log.Logger
	now     func() time.Time
}

func NewManager(runtime gateway.Runtime, store *ledger.Store, logger *log.Logger) *Manager {
	return &Manager{
		runtime: runtime,
		ledger:  store,
		logger:  logger,
		now:     time.Now,
	}
}

// ProvisionResult is the structured success/failure payload for Provision.
// Provisioning is best-effort with an explicit status field: runtime-side
// failures are reported here, never raised to the transport.
type ProvisionResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	Image   string `json:"image,omitempty"`
	State   string `json:"state,omitempty"`
}

// Summary is the per-sandbox listing view.
type Summary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status"`
	Port   *int   `json:"port"`
}

// LogsView is the bounded recent-output view of one sandbox.
type LogsView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Logs string `json:"logs"`
}

// SandboxName derives the deterministic name for a principal/image pair:
// sandbox-<handle local part>-<image with ':' and '/' normalized to '_'>.
// Two provisions of the same pair collide by construction; the runtime's
// name-conflict answer is the authoritative deduplication signal.
func SandboxName(handle, image string) string {
	normalized := strings.NewReplacer(":", "_", "/", "_").Replace(image)
	return fmt.Sprintf("%s-%s-%s", namePrefix, handleLocalPart(handle), normalized)
}

// NamespacePrefix returns the fragment that prefixes every sandbox name a
// principal owns. Used only as a legacy fallback when a runtime unit has no
// ledger record.
func NamespacePrefix(handle string) string {
	return fmt.Sprintf("%s-%s-", namePrefix, handleLocalPart(handle))
}

func handleLocalPart(handle string) string {
	local, _, _ := strings.Cut(strings.ToLower(handle), "@")
	return local
}

// portSpecForImage returns the fixed host-port mapping for known image
// families (web-server images get a well-known host port to support direct
// browsing); other images publish all declared ports to ephemeral host ports.
func portSpecForImage(image string) (map[string]int, bool) {
	switch {
	case strings.Contains(image, "nginx"):
		return map[string]int{"80/tcp": 8081}, false
	case strings.Contains(image, "node"):
		return map[string]int{"3000/tcp": 3000}, false
	default:
		return nil, true
	}
}

// Provision creates a new sandbox for the principal. The ledger write is
// strictly ordered after runtime-create confirmation so no record can point
// at a nonexistent runtime object.
func (m *Manager) Provision(ctx context.Context, principal ledger.Principal, image string) ProvisionResult {
	name := SandboxName(principal.Handle, image)
	ports, publishAll := portSpecForImage(image)

	handle, err := m.runtime.Create(ctx, gateway.CreateSpec{
		Image:      image,
		Name:       name,
		Ports:      ports,
		PublishAll: publishAll,
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("sandbox provisioning failed",
				"owner", principal.Handle,
				"image", image,
				"name", name,
				"error", err,
			)
		}
		return ProvisionResult{
			Status:  "error",
			Message: fmt.Sprintf("Failed to start container: %v", err),
		}
	}

	record := ledger.Sandbox{
		RuntimeID: handle.ID,
		ShortID:   handle.ShortID,
		Name:      handle.Name,
		Image:     image,
		Status:    handle.Status,
		Ports:     handle.Ports,
		OwnerID:   principal.ID,
		CreatedAt: m.now().UTC(),
	}
	if err := m.ledger.InsertSandbox(ctx, record); err != nil {
		if m.logger != nil {
			m.logger.Error("ledger write failed after runtime create",
				"sandbox_id", handle.ShortID,
				"owner", principal.Handle,
				"error", err,
			)
		}
		// A unit with no record would be unstoppable through its record, so
		// tear it down rather than strand it.
		if cleanupErr := m.runtime.StopAndRemove(ctx, handle.ID); cleanupErr != nil && m.logger != nil {
			m.logger.Warn("cleanup of unrecorded runtime unit failed",
				"sandbox_id", handle.ShortID,
				"error", cleanupErr,
			)
		}
		return ProvisionResult{
			Status:  "error",
			Message: fmt.Sprintf("Failed to record container: %v", err),
		}
	}

	if m.logger != nil {
		m.logger.Info("sandbox provisioned",
			"sandbox_id", handle.ShortID,
			"name", handle.Name,
			"image", image,
			"owner", principal.Handle,
			"state", handle.Status,
		)
	}
	return ProvisionResult{
		Status:  "success",
		Message: fmt.Sprintf("Container %s launched successfully.", handle.Name),
		ID:      handle.ShortID,
		Image:   image,
		State:   handle.Status,
	}
}

// List returns the principal's sandboxes. The runtime is the source of truth
// for status and liveness; ownership comes from the ledger's runtime-id index,
// with derived-name prefix matching kept only as a fallback for units that
// predate their ledger records.
func (m *Manager) List(ctx context.Context, principal ledger.Principal) ([]Summary, error) {
	records, err := m.ledger.SandboxesByOwner(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]ledger.Sandbox, len(records))
	for _, rec := range records {
		owned[rec.RuntimeID] = rec
	}

	handles, err := m.runtime.List(ctx)
	if err != nil {
		return nil, err
	}

	prefix := NamespacePrefix(principal.Handle)
	summaries := make([]Summary, 0, len(records))
	for _, h := range handles {
		rec, hasRecord := owned[h.ID]
		if !hasRecord && !strings.HasPrefix(h.Name, prefix) {
			continue
		}

		image := h.Image
		if hasRecord {
			image = rec.Image
			if rec.Status != h.Status {
				// Reconcile the observed state back into the ledger.
				if err := m.ledger.UpdateSandboxStatus(ctx, h.ID, h.Status); err != nil && !errors.Is(err, ledger.ErrNotFound) {
					return nil, err
				}
			}
		}

		summaries = append(summaries, Summary{
			ID:     h.ShortID,
			Name:   h.Name,
			Image:  image,
			Status: h.Status,
			Port:   firstHostPort(h.Ports),
		})
	}
	return summaries, nil
}

// Stop tears down the principal's sandbox: runtime stop+remove first, then
// the ledger record. A second Stop on the same identifier fails ErrNotFound.
func (m *Manager) Stop(ctx context.Context, principal ledger.Principal, id string) (string, error) {
	rec, err := m.authorize(ctx, principal, id)
	if err != nil {
		return "", err
	}

	if err := m.runtime.StopAndRemove(ctx, rec.RuntimeID); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// The runtime object is already gone; drop the stale record.
			if delErr := m.ledger.DeleteSandbox(ctx, rec.RuntimeID); delErr != nil && !errors.Is(delErr, ledger.ErrNotFound) {
				return "", delErr
			}
			return fmt.Sprintf("Container %s stopped and removed.", rec.ShortID), nil
		}
		var opErr *gateway.OperationError
		if errors.As(err, &opErr) && opErr.Stage == gateway.StageRemove {
			// Stopped but not removed: keep the record so removal can be
			// retried, but reflect the observed state.
			if updErr := m.ledger.UpdateSandboxStatus(ctx, rec.RuntimeID, gateway.StatusStopped); updErr != nil && !errors.Is(updErr, ledger.ErrNotFound) {
				return "", updErr
			}
		}
		return "", err
	}

	if err := m.ledger.DeleteSandbox(ctx, rec.RuntimeID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return "", err
	}

	if m.logger != nil {
		m.logger.Info("sandbox stopped",
			"sandbox_id", rec.ShortID,
			"name", rec.Name,
			"owner", principal.Handle,
		)
	}
	return fmt.Sprintf("Container %s stopped and removed.", rec.ShortID), nil
}

// Logs returns the last 50 lines of the sandbox's output.
func (m *Manager) Logs(ctx context.Context, principal ledger.Principal, id string) (LogsView, error) {
	rec, err := m.authorize(ctx, principal, id)
	if err != nil {
		return LogsView{}, err
	}

	text, err := m.runtime.TailLogs(ctx, rec.RuntimeID, logTailLines)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return LogsView{}, ErrNotFound
		}
		return LogsView{}, err
	}
	return LogsView{ID: rec.ShortID, Name: rec.Name, Logs: text}, nil
}

// Exec runs a command synchronously inside the principal's running sandbox
// and returns combined stdout+stderr. Sandboxes are fully trusted compute
// owned by the requesting principal; no command allow-listing happens here.
func (m *Manager) Exec(ctx context.Context, principal ledger.Principal, id string, command string) (string, error) {
	rec, err := m.authorize(ctx, principal, id)
	if err != nil {
		return "", err
	}

	output, err := m.runtime.Exec(ctx, rec.RuntimeID, command)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return output, nil
}

// authorize resolves the ledger record for id and requires the caller to be
// the owner of record. Every read/mutate path except List goes through here.
func (m *Manager) authorize(ctx context.Context, principal ledger.Principal, id string) (ledger.Sandbox, error) {
	rec, err := m.ledger.SandboxByID(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Sandbox{}, ErrNotFound
		}
		return ledger.Sandbox{}, err
	}
	if rec.OwnerID != principal.ID {
		return ledger.Sandbox{}, ErrForbidden
	}
	return rec, nil
}

func firstHostPort(ports map[string]int) *int {
	if len(ports) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ports))
	for k := range ports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	port := ports[keys[0]]
	return &port
}
