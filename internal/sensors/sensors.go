// Package sensors implements the core sensor contract (spec component C4)
// and Pulse's four built-in sensors: a filesystem watcher, conversation
// activity, system health, and source-file scrape.
//
// Every sensor is initialize()/read()/stop() (spec §4.6): read() must be
// non-blocking in the sense that any slow inner I/O is cached, delegated
// to a worker, or timed out at a short budget, never suspending the main
// loop.
package sensors

import "time"

// Reading is what one sensor produces per tick: a monotonic timestamp and
// optional spike directives. A sensor's typed payload is not carried here;
// it is read through that sensor's own accessor (Active, Snapshot,
// ChangedPaths).
type Reading struct {
	Timestamp  time.Time
	Directives []SpikeDirective
}

// SpikeDirective mirrors drive.SpikeDirective so this package does not need
// to import internal/drive just for the type; the daemon converts between
// them at the call site.
type SpikeDirective struct {
	Drive string
	Delta float64
}

// Sensor is the contract every built-in (and any future) sensor satisfies.
type Sensor interface {
	Name() string
	Initialize() error
	Read() Reading
	Stop() error
}
