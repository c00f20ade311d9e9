package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/webaudit/sitescan/internal/scan"
)

// verifyFactor widens the gap between verification re-reads.
const verifyFactor = 1.5

// verifier confirms that a durable write is visible on the fresh read path
// before dependent work proceeds. Exhausting the attempts is fatal: a write
// we cannot observe must never be silently assumed.
type verifier struct {
	attempts int
	base     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func newVerifier(attempts int, base time.Duration) *verifier {
	return &verifier{
		attempts: attempts,
		base:     base,
		sleep:    sleepCtx,
	}
}

// wait re-runs check until it reports the write visible. The delay before
// attempt n is base * 1.5^n. check errors abort immediately.
func (v *verifier) wait(ctx context.Context, what string, check func(ctx context.Context) (bool, error)) error {
	for attempt := 0; attempt < v.attempts; attempt++ {
		ok, err := check(ctx)
		if err != nil {
			return fmt.Errorf("verify %s: %w", what, err)
		}
		if ok {
			return nil
		}
		if attempt == v.attempts-1 {
			break
		}
		delay := time.Duration(float64(v.base) * math.Pow(verifyFactor, float64(attempt)))
		if err := v.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return scan.Fatal(fmt.Errorf("write not visible after %d attempts: %s", v.attempts, what))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
