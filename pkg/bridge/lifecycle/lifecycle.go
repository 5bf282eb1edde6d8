package lifecycle

import "sync/atomic"

// State is a tiny process lifecycle holder shared across handlers.
// It is used for readiness draining during graceful shutdown.
type State struct {
	draining atomic.Bool
}

func (s *State) SetDraining(draining bool) {
	if s == nil {
		return
	}
	s.draining.Store(draining)
}

func (s *State) IsDraining() bool {
	if s == nil {
		return false
	}
	return s.draining.Load()
}
