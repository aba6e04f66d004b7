package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// row abstracts *sql.Row and *sql.Rows for shared scan helpers.
type row interface {
	Scan(dest ...any) error
}

func scanPeer(r row) (domain.Peer, error) {
	var p domain.Peer
	var sharing int
	var activeTunnel sql.NullString
	if err := r.Scan(&p.ID, &p.Role, &p.DailyLimitGB, &p.SharedTodayGB, &sharing,
		&activeTunnel, &p.LastReset, &p.CreatedAt); err != nil {
		return domain.Peer{}, err
	}
	p.SharingEnabled = sharing != 0
	p.ActiveTunnelID = activeTunnel.String
	return p, nil
}

func scanTunnel(r row) (domain.Tunnel, error) {
	var t domain.Tunnel
	var clientID sql.NullString
	var latency, throughput sql.NullFloat64
	if err := r.Scan(&t.ID, &t.SharerID, &clientID, &t.Status, &t.Instance, &t.Port,
		&t.ProxyUser, &t.ProxyPass, &t.BandwidthUsedGB, &latency, &throughput,
		&t.CreatedAt, &t.LastActiveAt); err != nil {
		return domain.Tunnel{}, err
	}
	t.ClientID = clientID.String
	t.LatencyMs = latency.Float64
	t.ThroughputMbps = throughput.Float64
	return t, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
