package sensors

import (
	"os"
	"sync"
	"time"
)

// sourceState tracks the last-seen mtime for one watched source path.
type sourceState struct {
	lastMod time.Time
	seen    bool
}

// SourceScrape does a cheap mtime poll over the file-path sources each
// drive declares, emitting a SpikeDirective for any drive whose source has
// changed since the previous tick (spec §4.6). A missing source file is
// "no change this tick," not an error (spec §4.1 edge case).
type SourceScrape struct {
	spikeDelta float64

	mu      sync.Mutex
	sources map[string]*sourceState // path -> state
	owners  map[string][]string     // path -> drive names watching it
}

// NewSourceScrape creates a scraper. spikeDelta is the amount applied to
// any drive whose source changed (spec default 1.5, shared with the Drive
// Engine's own source-change spike constant for symmetry).
func NewSourceScrape(spikeDelta float64) *SourceScrape {
	return &SourceScrape{
		spikeDelta: spikeDelta,
		sources:    make(map[string]*sourceState),
		owners:     make(map[string][]string),
	}
}

func (s *SourceScrape) Name() string { return "source_scrape" }

func (s *SourceScrape) Initialize() error { return nil }

func (s *SourceScrape) Stop() error { return nil }

// Watch registers that driveName's pressure should spike when path's
// mtime changes. Call once per (drive, source) pair at startup or when a
// mutation adds/removes a drive.
func (s *SourceScrape) Watch(driveName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[path]; !ok {
		s.sources[path] = &sourceState{}
	}
	for _, d := range s.owners[path] {
		if d == driveName {
			return
		}
	}
	s.owners[path] = append(s.owners[path], driveName)
}

// Unwatch removes driveName from every path it was registered against,
// used when a drive is removed by a mutation.
func (s *SourceScrape) Unwatch(driveName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, owners := range s.owners {
		kept := owners[:0]
		for _, d := range owners {
			if d != driveName {
				kept = append(kept, d)
			}
		}
		s.owners[path] = kept
	}
}

// Read stats every watched source path once and returns a SpikeDirective
// per drive whose source changed since the last Read.
func (s *SourceScrape) Read() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	var directives []SpikeDirective
	for path, state := range s.sources {
		info, err := os.Stat(path)
		if err != nil {
			continue // missing source: no change this tick, not an error
		}
		mod := info.ModTime()
		if !state.seen {
			// First sighting sets the baseline; it is not a change.
			state.lastMod = mod
			state.seen = true
			continue
		}
		if !mod.After(state.lastMod) {
			continue
		}
		state.lastMod = mod
		for _, driveName := range s.owners[path] {
			directives = append(directives, SpikeDirective{Drive: driveName, Delta: s.spikeDelta})
		}
	}

	return Reading{Timestamp: time.Now(), Directives: directives}
}
