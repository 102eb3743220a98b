package health

import "sync/atomic"

// atomicSnapshot double-buffers a Snapshot so GET handlers never block the
// Daemon's publish step and the Daemon's publish step never blocks a
// reader (spec §5).
type atomicSnapshot struct {
	v atomic.Value // holds Snapshot
}

func (a *atomicSnapshot) store(s Snapshot) {
	a.v.Store(s)
}

func (a *atomicSnapshot) load() Snapshot {
	v := a.v.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}
