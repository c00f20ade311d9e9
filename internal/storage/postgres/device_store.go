package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/webaudit/sitescan/internal/scan"
)

// DeviceStore persists quota sessions in Postgres.
type DeviceStore struct {
	pool dbPool
}

// NewDeviceStore constructs a store from an existing pool.
func NewDeviceStore(pool dbPool) (*DeviceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DeviceStore{pool: pool}, nil
}

const deviceColumns = `
	device_hash, user_id, daily_scan_count, quota_remaining,
	last_scan_date, total_scans, first_seen_at, last_seen_at`

// GetDevice fetches a session by its identity hash.
func (s *DeviceStore) GetDevice(ctx context.Context, deviceHash string) (scan.DeviceSession, error) {
	query := `SELECT` + deviceColumns + ` FROM device_sessions WHERE device_hash = $1`
	var sess scan.DeviceSession
	err := s.pool.QueryRow(ctx, query, deviceHash).Scan(
		&sess.DeviceHash, &sess.UserID, &sess.DailyScanCount, &sess.QuotaRemaining,
		&sess.LastScanDate, &sess.TotalScans, &sess.FirstSeenAt, &sess.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.DeviceSession{}, scan.ErrNotFound
	}
	if err != nil {
		return scan.DeviceSession{}, fmt.Errorf("read device session: %w", err)
	}
	return sess, nil
}

// CreateDevice inserts a new session.
func (s *DeviceStore) CreateDevice(ctx context.Context, sess scan.DeviceSession) error {
	query := `
INSERT INTO device_sessions (` + deviceColumns + `
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		sess.DeviceHash, sess.UserID, sess.DailyScanCount, sess.QuotaRemaining,
		sess.LastScanDate, sess.TotalScans, sess.FirstSeenAt, sess.LastSeenAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return scan.ErrAlreadyExists
		}
		return fmt.Errorf("insert device session: %w", err)
	}
	return nil
}

// UpdateDevice overwrites a session.
func (s *DeviceStore) UpdateDevice(ctx context.Context, sess scan.DeviceSession) error {
	query := `
UPDATE device_sessions
SET user_id = $2,
	daily_scan_count = $3,
	quota_remaining = $4,
	last_scan_date = $5,
	total_scans = $6,
	last_seen_at = $7
WHERE device_hash = $1`
	tag, err := s.pool.Exec(ctx, query,
		sess.DeviceHash, sess.UserID, sess.DailyScanCount, sess.QuotaRemaining,
		sess.LastScanDate, sess.TotalScans, sess.LastSeenAt)
	if err != nil {
		return fmt.Errorf("update device session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}
