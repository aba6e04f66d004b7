// Package sqlite implements the netshare tunnel registry backed by a
// SQLite database. It owns the canonical Peer and Tunnel records; all
// multi-row mutations run in transactions so concurrent callers see
// linearizable per-record updates.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all registry operations.
type Store struct {
	db *sql.DB

	peerByIDStmt        *sql.Stmt
	eligibleSharersStmt *sql.Stmt
	activePortsStmt     *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const peerByIDQuery = `
SELECT id, role, daily_limit_gb, shared_today_gb, sharing_enabled,
       active_tunnel_id, last_reset, created_at
FROM peers WHERE id = ?`

const eligibleSharersQuery = `
SELECT id, role, daily_limit_gb, shared_today_gb, sharing_enabled,
       active_tunnel_id, last_reset, created_at
FROM peers
WHERE role = 'sharer' AND sharing_enabled = 1 AND shared_today_gb < daily_limit_gb
ORDER BY id ASC`

const activePortsQuery = `SELECT port FROM tunnels WHERE status = 'active' ORDER BY port ASC`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations,
// and enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions is [Open] with tunable connection pool settings.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go on the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.peerByIDStmt, err = s.db.PrepareContext(ctx, peerByIDQuery); err != nil {
		return fmt.Errorf("prepare peer lookup query: %w", err)
	}
	if s.eligibleSharersStmt, err = s.db.PrepareContext(ctx, eligibleSharersQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare eligible sharers query: %w", err), closeErr)
	}
	if s.activePortsStmt, err = s.db.PrepareContext(ctx, activePortsQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare active ports query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.peerByIDStmt))
	err = errors.Join(err, closeStmt(&s.eligibleSharersStmt))
	err = errors.Join(err, closeStmt(&s.activePortsStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not
// already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS peers (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	daily_limit_gb INTEGER NOT NULL DEFAULT 5,
	shared_today_gb REAL NOT NULL DEFAULT 0,
	sharing_enabled INTEGER NOT NULL DEFAULT 0,
	active_tunnel_id TEXT NULL,
	last_reset DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	sharer_id TEXT NOT NULL,
	client_id TEXT NULL,
	status TEXT NOT NULL,
	instance TEXT NOT NULL,
	port INTEGER NOT NULL,
	proxy_user TEXT NOT NULL,
	proxy_pass TEXT NOT NULL,
	bandwidth_used_gb REAL NOT NULL DEFAULT 0,
	latency_ms REAL NULL,
	throughput_mbps REAL NULL,
	created_at DATETIME NOT NULL,
	last_active_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_active_port ON tunnels(port) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_tunnels_sharer_status ON tunnels(sharer_id, status);
CREATE INDEX IF NOT EXISTS idx_tunnels_client_id ON tunnels(client_id);
CREATE INDEX IF NOT EXISTS idx_tunnels_sharer_last_active ON tunnels(sharer_id, last_active_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_peers_role_sharing ON peers(role, sharing_enabled);
CREATE INDEX IF NOT EXISTS idx_peers_active_tunnel ON peers(active_tunnel_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return nil
}
