package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/netshare/netshare/internal/domain"
)

const tunnelColumns = `id, sharer_id, client_id, status, instance, port,
       proxy_user, proxy_pass, bandwidth_used_gb, latency_ms, throughput_mbps,
       created_at, last_active_at`

// CreateTunnel inserts a new tunnel record. A port already held by an
// active tunnel trips the partial unique index and surfaces as
// [domain.ErrPortInUse] so callers can re-allocate and retry.
func (s *Store) CreateTunnel(ctx context.Context, t domain.Tunnel) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnels(id, sharer_id, client_id, status, instance, port,
	proxy_user, proxy_pass, bandwidth_used_gb, latency_ms, throughput_mbps,
	created_at, last_active_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SharerID, nullableString(t.ClientID), t.Status, t.Instance, t.Port,
		t.ProxyUser, t.ProxyPass, t.BandwidthUsedGB, t.LatencyMs, t.ThroughputMbps,
		t.CreatedAt, t.LastActiveAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.ErrPortInUse
		}
		return err
	}
	return nil
}

// TunnelByID returns the tunnel record, or [domain.ErrTunnelNotFound].
func (s *Store) TunnelByID(ctx context.Context, id string) (domain.Tunnel, error) {
	r := s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	t, err := scanTunnel(r)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tunnel{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// ActiveTunnelsBySharer returns all active tunnels served by the sharer.
func (s *Store) ActiveTunnelsBySharer(ctx context.Context, sharerID string) ([]domain.Tunnel, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+tunnelColumns+`
FROM tunnels
WHERE sharer_id = ? AND status = 'active'
ORDER BY last_active_at DESC, id DESC`, sharerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTunnels(rows)
}

// UnboundActiveTunnelBySharer returns the most recently active tunnel
// of the sharer that no client currently holds, for reuse on connect.
// Returns [domain.ErrTunnelNotFound] when none is free.
func (s *Store) UnboundActiveTunnelBySharer(ctx context.Context, sharerID string) (domain.Tunnel, error) {
	r := s.db.QueryRowContext(ctx, `
SELECT `+tunnelColumns+`
FROM tunnels
WHERE sharer_id = ? AND status = 'active' AND client_id IS NULL
ORDER BY last_active_at DESC, id DESC
LIMIT 1`, sharerID)
	t, err := scanTunnel(r)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tunnel{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// ActivePorts returns the ports held by active tunnels in ascending
// order. Implements the allocator's PortLister.
func (s *Store) ActivePorts(ctx context.Context) ([]int, error) {
	var rows *sql.Rows
	var err error
	if s.activePortsStmt != nil {
		rows, err = s.activePortsStmt.QueryContext(ctx)
	} else {
		rows, err = s.db.QueryContext(ctx, activePortsQuery)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// BindClient attaches a client to an active tunnel. Both sides of the
// binding change in one transaction; a tunnel already held by another
// client returns [domain.ErrTunnelBusy], which is how racing connect
// requests lose. If the client still holds a different tunnel, that
// tunnel is released in the same transaction so it stays reusable.
func (s *Store) BindClient(ctx context.Context, tunnelID, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var boundClient *string
	err = tx.QueryRowContext(ctx, `SELECT status, client_id FROM tunnels WHERE id = ?`, tunnelID).
		Scan(&status, &boundClient)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTunnelNotFound
	}
	if err != nil {
		return err
	}
	if status != domain.TunnelStatusActive {
		return domain.ErrTunnelNotFound
	}
	if boundClient != nil && *boundClient != clientID {
		return domain.ErrTunnelBusy
	}

	var heldTunnel *string
	err = tx.QueryRowContext(ctx, `
SELECT active_tunnel_id FROM peers WHERE id = ? AND role = 'client'`, clientID).Scan(&heldTunnel)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrPeerNotFound
	}
	if err != nil {
		return err
	}

	now := utcNow()
	if heldTunnel != nil && *heldTunnel != tunnelID {
		if _, err = tx.ExecContext(ctx, `
UPDATE tunnels SET client_id = NULL, last_active_at = ? WHERE id = ? AND client_id = ?`, now, *heldTunnel, clientID); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE tunnels SET client_id = ?, last_active_at = ? WHERE id = ?`, clientID, now, tunnelID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE peers SET active_tunnel_id = ? WHERE id = ?`, tunnelID, clientID); err != nil {
		return err
	}
	return tx.Commit()
}

// UnbindClient detaches the client from its tunnel, leaving the tunnel
// active and reusable. Returns [domain.ErrNotConnected] if the client
// holds no tunnel.
func (s *Store) UnbindClient(ctx context.Context, clientID string) (domain.Tunnel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tunnel{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var tunnelID *string
	err = tx.QueryRowContext(ctx, `SELECT active_tunnel_id FROM peers WHERE id = ?`, clientID).
		Scan(&tunnelID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tunnel{}, domain.ErrPeerNotFound
	}
	if err != nil {
		return domain.Tunnel{}, err
	}
	if tunnelID == nil {
		return domain.Tunnel{}, domain.ErrNotConnected
	}

	now := utcNow()
	if _, err = tx.ExecContext(ctx, `
UPDATE tunnels SET client_id = NULL, last_active_at = ? WHERE id = ? AND client_id = ?`, now, *tunnelID, clientID); err != nil {
		return domain.Tunnel{}, err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE peers SET active_tunnel_id = NULL WHERE id = ?`, clientID); err != nil {
		return domain.Tunnel{}, err
	}

	t, err := scanTunnel(tx.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, *tunnelID))
	if err != nil {
		return domain.Tunnel{}, err
	}
	return t, tx.Commit()
}

// SetTunnelTerminated marks the tunnel terminated and clears the
// client binding on both the tunnel and, if one was bound, the client
// record. Terminating an already terminated tunnel is a no-op.
func (s *Store) SetTunnelTerminated(ctx context.Context, tunnelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var boundClient *string
	err = tx.QueryRowContext(ctx, `SELECT status, client_id FROM tunnels WHERE id = ?`, tunnelID).
		Scan(&status, &boundClient)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTunnelNotFound
	}
	if err != nil {
		return err
	}
	if status == domain.TunnelStatusTerminated {
		return tx.Commit()
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE tunnels SET status = ?, client_id = NULL, last_active_at = ? WHERE id = ?`,
		domain.TunnelStatusTerminated, utcNow(), tunnelID); err != nil {
		return err
	}
	if boundClient != nil {
		if _, err = tx.ExecContext(ctx, `
UPDATE peers SET active_tunnel_id = NULL WHERE id = ? AND active_tunnel_id = ?`, *boundClient, tunnelID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordUsage adds gb to the tunnel's bandwidth counter and to the
// serving sharer's daily usage in a single transaction, and refreshes
// the tunnel's activity timestamp.
func (s *Store) RecordUsage(ctx context.Context, tunnelID string, gb float64) error {
	if gb < 0 {
		return errors.New("negative usage")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var sharerID string
	err = tx.QueryRowContext(ctx, `SELECT sharer_id FROM tunnels WHERE id = ?`, tunnelID).Scan(&sharerID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTunnelNotFound
	}
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE tunnels SET bandwidth_used_gb = bandwidth_used_gb + ?, last_active_at = ? WHERE id = ?`,
		gb, utcNow(), tunnelID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE peers SET shared_today_gb = shared_today_gb + ? WHERE id = ?`, gb, sharerID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordQuality stores the latest probe measurements on the tunnel.
func (s *Store) RecordQuality(ctx context.Context, tunnelID string, sample domain.QualitySample) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnels SET latency_ms = ?, throughput_mbps = ?, last_active_at = ? WHERE id = ?`,
		sample.LatencyMs, sample.ThroughputMbps, utcNow(), tunnelID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTunnelNotFound
	}
	return nil
}

func collectTunnels(rows *sql.Rows) ([]domain.Tunnel, error) {
	var tunnels []domain.Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, rows.Err()
}
