// File: internal/unlock/gate.go
package unlock

import (
	"context"
	"time"
)

// GateOutcome is the result of waiting on a challenge marker.
type GateOutcome int

const (
	// GateResolved means the marker disappeared before the deadline.
	GateResolved GateOutcome = iota
	// GateTimedOut means the marker was still present at the deadline.
	GateTimedOut
)

// PresenceProbe reports whether the watched challenge marker is still on
// the page.
type PresenceProbe func(ctx context.Context) (bool, error)

// Gate polls a challenge marker until it disappears or the stage budget
// runs out. Each stage gets a fresh deadline; budgets do not accumulate
// across stages.
type Gate struct {
	interval time.Duration
	clock    Clock
}

func NewGate(interval time.Duration, clock Clock) *Gate {
	if clock == nil {
		clock = SystemClock
	}
	return &Gate{interval: interval, clock: clock}
}

// Wait blocks until the probe reports absence, the budget elapses, or ctx
// is cancelled. A probe error is returned as-is; the page is gone and
// polling further is pointless.
func (g *Gate) Wait(ctx context.Context, probe PresenceProbe, budget time.Duration) (GateOutcome, error) {
	deadline := g.clock.Now().Add(budget)
	for {
		present, err := probe(ctx)
		if err != nil {
			return GateTimedOut, err
		}
		if !present {
			return GateResolved, nil
		}
		if !g.clock.Now().Before(deadline) {
			return GateTimedOut, nil
		}
		if err := g.clock.Sleep(ctx, g.interval); err != nil {
			return GateTimedOut, err
		}
	}
}
