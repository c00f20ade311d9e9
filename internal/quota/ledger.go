// Package quota enforces per-identity daily scan allowances. Counters roll
// over lazily: nobody resets them at midnight, the first check on a new UTC
// day does.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

// Tier identifies how the caller was recognized. Stronger identification
// earns a larger daily allowance.
type Tier string

// Identity tiers in precedence order.
const (
	TierUser   Tier = "user"
	TierDevice Tier = "device"
	TierIP     Tier = "ip"
)

// Identity is a resolved caller: one tier plus the key that names them
// within it.
type Identity struct {
	Tier Tier
	Key  string
}

// Limits holds the per-tier daily allowances.
type Limits struct {
	User   int
	Device int
	IP     int
}

// DefaultLimits returns the standard tier allowances.
func DefaultLimits() Limits {
	return Limits{User: 15, Device: 5, IP: 3}
}

func (l Limits) forTier(t Tier) int {
	switch t {
	case TierUser:
		return l.User
	case TierDevice:
		return l.Device
	default:
		return l.IP
	}
}

// DeniedError reports an exhausted allowance. Remaining is always zero; the
// reset time tells the caller when the next UTC day begins.
type DeniedError struct {
	Tier    Tier
	Limit   int
	ResetAt time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("daily scan limit of %d reached for %s identity, resets at %s",
		e.Limit, e.Tier, e.ResetAt.Format(time.RFC3339))
}

// IsDenied reports whether err is a quota denial and returns it if so.
func IsDenied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Ledger checks and consumes daily quota against the session store. A check
// never writes, so a denied request leaves the counter untouched; only a
// committed reservation consumes quota.
type Ledger struct {
	store  scan.DeviceStore
	limits Limits
	clock  scan.Clock
	logger *zap.Logger
}

// NewLedger builds a Ledger. A nil logger disables logging.
func NewLedger(store scan.DeviceStore, limits Limits, clock scan.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, limits: limits, clock: clock, logger: logger}
}

// Reservation is a checked-but-uncommitted quota slot. Commit consumes it;
// an abandoned reservation costs nothing.
type Reservation struct {
	ledger  *Ledger
	id      Identity
	session scan.DeviceSession
	// Remaining is the allowance left after this reservation commits.
	Remaining int
}

// CheckAndReserve verifies the identity has quota left today. It returns a
// DeniedError when the allowance is exhausted, without consuming anything.
func (l *Ledger) CheckAndReserve(ctx context.Context, id Identity) (*Reservation, error) {
	now := l.clock.Now()
	limit := l.limits.forTier(id.Tier)

	session, err := l.store.GetDevice(ctx, id.Key)
	if errors.Is(err, scan.ErrNotFound) {
		session = scan.DeviceSession{
			DeviceHash:  id.Key,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if err := l.store.CreateDevice(ctx, session); err != nil && !errors.Is(err, scan.ErrAlreadyExists) {
			return nil, fmt.Errorf("create quota session: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load quota session: %w", err)
	}

	count := session.DailyScanCount
	if rolledOver(session.LastScanDate, now) {
		count = 0
	}

	if count >= limit {
		return nil, &DeniedError{
			Tier:    id.Tier,
			Limit:   limit,
			ResetAt: nextUTCMidnight(now),
		}
	}

	session.DailyScanCount = count
	return &Reservation{
		ledger:    l,
		id:        id,
		session:   session,
		Remaining: limit - count - 1,
	}, nil
}

// LinkUser attaches a user id to a device session the first time an
// authenticated scan arrives from that device. An existing link is never
// overwritten, so a shared device stays tied to whoever signed in first.
func (l *Ledger) LinkUser(ctx context.Context, deviceHash, userID string) error {
	if deviceHash == "" || userID == "" {
		return nil
	}
	now := l.clock.Now()

	session, err := l.store.GetDevice(ctx, deviceHash)
	if errors.Is(err, scan.ErrNotFound) {
		session = scan.DeviceSession{
			DeviceHash:  deviceHash,
			UserID:      userID,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if err := l.store.CreateDevice(ctx, session); err != nil && !errors.Is(err, scan.ErrAlreadyExists) {
			return fmt.Errorf("create quota session: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load quota session: %w", err)
	}
	if session.UserID != "" {
		return nil
	}

	session.UserID = userID
	session.LastSeenAt = now
	if err := l.store.UpdateDevice(ctx, session); err != nil {
		return fmt.Errorf("link quota session: %w", err)
	}
	l.logger.Debug("device session linked to user",
		zap.String("device_hash", deviceHash),
		zap.String("user_id", userID))
	return nil
}

// Commit consumes the reserved slot, persisting the incremented counter.
func (r *Reservation) Commit(ctx context.Context) error {
	now := r.ledger.clock.Now()
	s := r.session
	s.DailyScanCount++
	s.TotalScans++
	s.QuotaRemaining = r.Remaining
	s.LastScanDate = &now
	s.LastSeenAt = now
	if err := r.ledger.store.UpdateDevice(ctx, s); err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	r.ledger.logger.Debug("quota consumed",
		zap.String("tier", string(r.id.Tier)),
		zap.String("key", r.id.Key),
		zap.Int("remaining", r.Remaining))
	return nil
}

// rolledOver reports whether the last recorded scan happened before the
// current UTC day.
func rolledOver(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	ly, lm, ld := last.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return ly != ny || lm != nm || ld != nd
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
