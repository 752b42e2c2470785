// Package connectivity reports whether the remote backend is believed reachable
// and announces offline and online transitions.
package connectivity

import (
	"context"
	"time"
)

// Monitor answers whether the remote backend is reachable. It cannot fail:
// when the state cannot be determined it reports online, so the remote call is
// attempted and its own failure classifies the situation.
type Monitor interface {
	IsOnline(ctx context.Context) bool
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(ctx context.Context) bool

// IsOnline calls f(ctx).
func (f MonitorFunc) IsOnline(ctx context.Context) bool {
	return f(ctx)
}

// Transition announces a change of connectivity state.
type Transition struct {
	Online bool
	At     time.Time
}
