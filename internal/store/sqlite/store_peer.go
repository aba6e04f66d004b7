package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

const defaultDailyLimitGB = 5

// CreatePeer registers a peer with the given role. The identifier is
// the opaque 10-character id supplied by the identity layer.
func (s *Store) CreatePeer(ctx context.Context, id, role string) (domain.Peer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Peer{}, errors.New("empty peer id")
	}
	if role != domain.RoleSharer && role != domain.RoleClient {
		return domain.Peer{}, fmt.Errorf("invalid role %q", role)
	}

	now := utcNow()
	p := domain.Peer{
		ID:           id,
		Role:         role,
		DailyLimitGB: defaultDailyLimitGB,
		LastReset:    now,
		CreatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO peers(id, role, daily_limit_gb, shared_today_gb, sharing_enabled, active_tunnel_id, last_reset, created_at)
VALUES(?, ?, ?, 0, 0, NULL, ?, ?)`, p.ID, p.Role, p.DailyLimitGB, p.LastReset, p.CreatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.Peer{}, domain.ErrPeerExists
		}
		return domain.Peer{}, err
	}
	return p, nil
}

// PeerByID returns the peer record, or [domain.ErrPeerNotFound].
func (s *Store) PeerByID(ctx context.Context, id string) (domain.Peer, error) {
	var r row
	if s.peerByIDStmt != nil {
		r = s.peerByIDStmt.QueryRowContext(ctx, id)
	} else {
		r = s.db.QueryRowContext(ctx, peerByIDQuery, id)
	}
	p, err := scanPeer(r)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Peer{}, domain.ErrPeerNotFound
	}
	return p, err
}

// EligibleSharers returns all sharers with sharing enabled and
// remaining daily quota, ordered by id for deterministic iteration.
func (s *Store) EligibleSharers(ctx context.Context) ([]domain.Peer, error) {
	var rows *sql.Rows
	var err error
	if s.eligibleSharersStmt != nil {
		rows, err = s.eligibleSharersStmt.QueryContext(ctx)
	} else {
		rows, err = s.db.QueryContext(ctx, eligibleSharersQuery)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPeers(rows)
}

// BoundClients returns every client currently bound to a tunnel. The
// reconciliation loop walks this set each cycle.
func (s *Store) BoundClients(ctx context.Context) ([]domain.Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, daily_limit_gb, shared_today_gb, sharing_enabled,
       active_tunnel_id, last_reset, created_at
FROM peers
WHERE role = 'client' AND active_tunnel_id IS NOT NULL
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPeers(rows)
}

func collectPeers(rows *sql.Rows) ([]domain.Peer, error) {
	var peers []domain.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// SetSharing flips the sharer's sharing toggle. Cascading tunnel
// teardown on disable is the lifecycle manager's job, not the store's.
func (s *Store) SetSharing(ctx context.Context, sharerID string, enabled bool) error {
	return s.updateSharer(ctx, sharerID, `UPDATE peers SET sharing_enabled = ? WHERE id = ?`, boolToInt(enabled), sharerID)
}

// SetDailyLimit updates the sharer's daily quota in GB.
func (s *Store) SetDailyLimit(ctx context.Context, sharerID string, limitGB int) error {
	if limitGB < domain.MinDailyLimitGB || limitGB > domain.MaxDailyLimitGB {
		return fmt.Errorf("daily limit %d outside [%d,%d]", limitGB, domain.MinDailyLimitGB, domain.MaxDailyLimitGB)
	}
	return s.updateSharer(ctx, sharerID, `UPDATE peers SET daily_limit_gb = ? WHERE id = ?`, limitGB, sharerID)
}

func (s *Store) updateSharer(ctx context.Context, sharerID, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var role string
	if err = tx.QueryRowContext(ctx, `SELECT role FROM peers WHERE id = ?`, sharerID).Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrPeerNotFound
		}
		return err
	}
	if role != domain.RoleSharer {
		return domain.ErrWrongRole
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetDailyUsage zeroes shared_today_gb and stamps last_reset with
// dayStart for every sharer whose last reset predates it. Running it
// again in the same day matches zero rows, which makes the reset
// idempotent.
func (s *Store) ResetDailyUsage(ctx context.Context, dayStart time.Time) (int64, error) {
	dayStart = dayStart.UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE peers
SET shared_today_gb = 0, last_reset = ?
WHERE role = 'sharer' AND last_reset < ?`, dayStart, dayStart)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
