package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/webaudit/sitescan/internal/scan"
)

func TestGetDeviceNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeviceStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"device_hash", "user_id", "daily_scan_count", "quota_remaining",
			"last_scan_date", "total_scans", "first_seen_at", "last_seen_at",
		}))

	_, err = store.GetDevice(context.Background(), "missing")
	require.ErrorIs(t, err, scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeviceReturnsSession(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeviceStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	last := now.Add(-time.Hour)
	mock.ExpectQuery("SELECT").
		WithArgs("dev-hash").
		WillReturnRows(pgxmock.NewRows([]string{
			"device_hash", "user_id", "daily_scan_count", "quota_remaining",
			"last_scan_date", "total_scans", "first_seen_at", "last_seen_at",
		}).AddRow("dev-hash", "", 2, 3, &last, 10, now, now))

	sess, err := store.GetDevice(context.Background(), "dev-hash")
	require.NoError(t, err)
	require.Equal(t, 2, sess.DailyScanCount)
	require.Equal(t, 10, sess.TotalScans)
	require.NotNil(t, sess.LastScanDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeviceMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeviceStore(mock)
	require.NoError(t, err)

	sess := scan.DeviceSession{DeviceHash: "missing"}
	mock.ExpectExec("UPDATE device_sessions").
		WithArgs(sess.DeviceHash, sess.UserID, sess.DailyScanCount, sess.QuotaRemaining,
			sess.LastScanDate, sess.TotalScans, sess.LastSeenAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateDevice(context.Background(), sess)
	require.ErrorIs(t, err, scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
