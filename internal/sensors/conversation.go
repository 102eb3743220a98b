package sensors

import (
	"os"
	"sync"
	"time"
)

// ConversationActivity reports whether a human conversation looks active
// and how long ago it last showed a message, using the mtime of the
// largest log file over a size floor within a session directory — smaller
// files are ignored to exclude cron/hook session noise (spec §4.6).
type ConversationActivity struct {
	dir          string
	sizeFloor    int64
	activeWindow time.Duration

	mu       sync.Mutex
	lastMod  time.Time
	hasFiles bool
}

// NewConversationActivity creates a sensor over dir. sizeFloor defaults to
// 100 KB and activeWindow to 5 minutes if zero.
func NewConversationActivity(dir string, sizeFloor int64, activeWindow time.Duration) *ConversationActivity {
	if sizeFloor <= 0 {
		sizeFloor = 100 * 1024
	}
	if activeWindow <= 0 {
		activeWindow = 5 * time.Minute
	}
	return &ConversationActivity{dir: dir, sizeFloor: sizeFloor, activeWindow: activeWindow}
}

func (c *ConversationActivity) Name() string { return "conversation_activity" }

// Initialize is a no-op; the sensor has no resources to acquire beyond the
// directory it is told to scan.
func (c *ConversationActivity) Initialize() error { return nil }

func (c *ConversationActivity) Stop() error { return nil }

// Read scans the session directory for the largest file over sizeFloor
// and records its mtime. The scan is a plain os.ReadDir/Stat pass, bounded
// by the number of files in one flat directory, which stays within the
// sensor's short I/O budget in practice.
func (c *ConversationActivity) Read() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Reading{Timestamp: time.Now()}
	}

	var largestSize int64
	var largestMod time.Time
	found := false

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() < c.sizeFloor {
			continue
		}
		if !found || info.Size() > largestSize {
			largestSize = info.Size()
			largestMod = info.ModTime()
			found = true
		}
	}

	if found {
		c.lastMod = largestMod
		c.hasFiles = true
	}
	return Reading{Timestamp: time.Now()}
}

// Active reports whether the most recently observed session log's mtime
// falls within activeWindow, and how many seconds have elapsed since.
func (c *ConversationActivity) Active(now time.Time) (active bool, secondsSinceLastMessage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasFiles {
		return false, c.activeWindow.Seconds() * 1000 // "a very long time"
	}
	elapsed := now.Sub(c.lastMod)
	return elapsed <= c.activeWindow, elapsed.Seconds()
}
