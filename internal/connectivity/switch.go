package connectivity

import (
	"context"
	"sync/atomic"
	"time"
)

// Switch is a connectivity flag driven by the platform's network events or an
// explicit "work offline" toggle. The zero value reports online.
type Switch struct {
	offline    atomic.Bool
	dispatcher *Dispatcher
	clock      func() time.Time
}

// NewSwitch constructs an online switch that announces changes on the dispatcher.
func NewSwitch(dispatcher *Dispatcher) *Switch {
	return &Switch{dispatcher: dispatcher, clock: time.Now}
}

// IsOnline reports the current flag.
func (s *Switch) IsOnline(context.Context) bool {
	return !s.offline.Load()
}

// SetOnline updates the flag and publishes a transition when it changes.
func (s *Switch) SetOnline(online bool) {
	wasOffline := s.offline.Swap(!online)
	if wasOffline != online {
		return
	}
	clock := s.clock
	if clock == nil {
		clock = time.Now
	}
	s.dispatcher.Publish(Transition{Online: online, At: clock().UTC()})
}
