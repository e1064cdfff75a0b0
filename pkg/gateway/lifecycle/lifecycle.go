package lifecycle

import "sync/atomic"

// Lifecycle holds process state shared across handlers. Readiness flips on
// once startup dependencies are wired and off again while draining.
type Lifecycle struct {
	ready    atomic.Bool
	draining atomic.Bool
}

func (l *Lifecycle) SetReady(ready bool) {
	if l == nil {
		return
	}
	l.ready.Store(ready)
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// AcceptingTraffic reports whether new live sessions may start.
func (l *Lifecycle) AcceptingTraffic() bool {
	if l == nil {
		return true
	}
	return l.ready.Load() && !l.draining.Load()
}
