package schedule

import (
	"context"
	"time"
)

// MirrorEntry exposes mirrorEntry to external tests.
type MirrorEntry = mirrorEntry

// EvaluateDue exposes evaluateDue to external tests.
func (m *Manager) EvaluateDue(ctx context.Context, now time.Time) {
	m.evaluateDue(ctx, now)
}
