package infra

import (
	"context"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// RealClock implements domain.Clock against the actual wall clock. The
// supervisor reads the time for the scheduler's due-time math through it.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
func (RealClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Ensure RealClock implements domain.Clock.
var _ domain.Clock = RealClock{}
