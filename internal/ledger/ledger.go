// Package ledger is the persistent ownership record: which principal owns
// which sandbox, plus the last-known runtime state. It is the only shared
// mutable resource in the control plane; every mutation is a single atomic
// record-level operation.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound reports a missing principal or sandbox record.
	ErrNotFound = errors.New("no such record")
	// ErrDuplicate reports a uniqueness violation (handle or runtime id).
	ErrDuplicate = errors.New("record already exists")
)

// Principal is an authenticated identity. Immutable after registration except
// for the active flag.
type Principal struct {
	ID           string
	Handle       string // lowercase email handle
	DisplayName  string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

// Sandbox is the durable record of a provisioned compute unit.
type Sandbox struct {
	RuntimeID string
	ShortID   string
	Name      string
	Image     string
	Status    string
	Ports     map[string]int
	OwnerID   string
	CreatedAt time.Time
}

// Store is a sqlite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and ensures
// the schema. Foreign keys are enabled so deleting a principal cascades over
// its sandbox rows.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database %q: %w", path, err)
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at_unix INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sandboxes (
			runtime_id TEXT PRIMARY KEY,
			short_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			image TEXT NOT NULL,
			status TEXT NOT NULL,
			ports_json TEXT NOT NULL DEFAULT '{}',
			owner_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			created_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreatePrincipal(ctx context.Context, p Principal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, handle, display_name, password_hash, active, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, strings.ToLower(p.Handle), p.DisplayName, p.PasswordHash, boolToInt(p.Active), p.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("principal %q: %w", p.Handle, ErrDuplicate)
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

// PrincipalByHandle looks up a principal case-insensitively. Handles are
// stored lowercase, but defensive matching is kept in case a mixed-case handle
// was entered elsewhere in the system.
func (s *Store) PrincipalByHandle(ctx context.Context, handle string) (Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, handle, display_name, password_hash, active, created_at_unix
		FROM principals WHERE lower(handle) = lower(?)`, handle)
	return scanPrincipal(row)
}

func (s *Store) PrincipalByID(ctx context.Context, id string) (Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, handle, display_name, password_hash, active, created_at_unix
		FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

// DeletePrincipal removes a principal; the schema cascades over its sandbox
// rows. Runtime units must be cleaned up separately before calling this.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	return requireRows(res)
}

func (s *Store) InsertSandbox(ctx context.Context, sb Sandbox) error {
	ports, err := json.Marshal(sb.Ports)
	if err != nil {
		return fmt.Errorf("encode sandbox ports: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (runtime_id, short_id, name, image, status, ports_json, owner_id, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.RuntimeID, sb.ShortID, sb.Name, sb.Image, sb.Status, string(ports), sb.OwnerID, sb.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sandbox %q: %w", sb.ShortID, ErrDuplicate)
		}
		return fmt.Errorf("insert sandbox: %w", err)
	}
	return nil
}

// SandboxByID resolves a sandbox record by short or full runtime identifier.
func (s *Store) SandboxByID(ctx context.Context, id string) (Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT runtime_id, short_id, name, image, status, ports_json, owner_id, created_at_unix
		FROM sandboxes WHERE short_id = ? OR runtime_id = ?`, id, id)
	return scanSandbox(row)
}

func (s *Store) SandboxesByOwner(ctx context.Context, ownerID string) ([]Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT runtime_id, short_id, name, image, status, ports_json, owner_id, created_at_unix
		FROM sandboxes WHERE owner_id = ? ORDER BY created_at_unix ASC, runtime_id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer rows.Close()

	items := make([]Sandbox, 0)
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandboxes: %w", err)
	}
	return items, nil
}

// UpdateSandboxStatus reconciles the last-observed runtime state into the
// record.
func (s *Store) UpdateSandboxStatus(ctx context.Context, runtimeID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET status = ? WHERE runtime_id = ?`, status, runtimeID)
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return requireRows(res)
}

func (s *Store) DeleteSandbox(ctx context.Context, runtimeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE runtime_id = ?`, runtimeID)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return requireRows(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (Principal, error) {
	var p Principal
	var active int64
	var createdAt int64
	err := row.Scan(&p.ID, &p.Handle, &p.DisplayName, &p.PasswordHash, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("scan principal: %w", err)
	}
	p.Active = active != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return p, nil
}

func scanSandbox(row rowScanner) (Sandbox, error) {
	var sb Sandbox
	var portsJSON string
	var createdAt int64
	err := row.Scan(&sb.RuntimeID, &sb.ShortID, &sb.Name, &sb.Image, &sb.Status, &portsJSON, &sb.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Sandbox{}, ErrNotFound
	}
	if err != nil {
		return Sandbox{}, fmt.Errorf("scan sandbox: %w", err)
	}
	if err := json.Unmarshal([]byte(portsJSON), &sb.Ports); err != nil {
		return Sandbox{}, fmt.Errorf("decode sandbox ports: %w", err)
	}
	sb.CreatedAt = time.Unix(createdAt, 0).UTC()
	return sb, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
