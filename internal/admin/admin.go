// Package admin provides back-office endpoints for unsticking money that a
// background loop should have moved: an on-demand escrow sweep and the
// status of every loop.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/bazaar/internal/escrow"
)

// Sweeper runs one pass over overdue orders and disputes.
type Sweeper interface {
	Sweep(ctx context.Context) escrow.SweepStats
}

// Loop is a background loop whose liveness admins can inspect.
type Loop interface {
	Running() bool
}

// lastRunner is implemented by loops that record their last pass.
type lastRunner interface {
	LastRun() time.Time
}

// LoopStatus describes one background loop.
type LoopStatus struct {
	Name    string     `json:"name"`
	Running bool       `json:"running"`
	LastRun *time.Time `json:"lastRun,omitempty"`
}

// SweepReport is the outcome of a manual sweep.
type SweepReport struct {
	Stats    escrow.SweepStats `json:"stats"`
	Duration string            `json:"duration"`
	RanAt    time.Time         `json:"ranAt"`
}
