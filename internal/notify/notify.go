// Package notify delivers completion notices to scan owners. Delivery is
// fire-and-forget: callers log failures and move on.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

// LogNotifier writes notices to the structured log. It stands in for a real
// delivery channel in development deployments.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements scan.Notifier.
func (n *LogNotifier) Notify(_ context.Context, owner scan.Owner, title, message, kind string) error {
	n.logger.Info("owner notification",
		zap.String("user_id", owner.UserID),
		zap.String("device_id", owner.DeviceID),
		zap.String("kind", kind),
		zap.String("title", title),
		zap.String("message", message),
	)
	return nil
}

// Notice is one recorded notification.
type Notice struct {
	Owner   scan.Owner
	Title   string
	Message string
	Kind    string
}

// MemoryNotifier records notices in memory for tests.
type MemoryNotifier struct {
	mu      sync.Mutex
	notices []Notice
	fail    error
}

// NewMemoryNotifier builds a MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// FailWith makes subsequent Notify calls return err.
func (n *MemoryNotifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

// Notify implements scan.Notifier.
func (n *MemoryNotifier) Notify(_ context.Context, owner scan.Owner, title, message, kind string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.notices = append(n.notices, Notice{Owner: owner, Title: title, Message: message, Kind: kind})
	return nil
}

// Notices returns a copy of everything recorded so far.
func (n *MemoryNotifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.notices))
	copy(out, n.notices)
	return out
}
