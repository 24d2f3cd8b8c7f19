package endpoint

import (
	"sync"
	"time"
)

// Clock abstracts time for failure expiry so tests can simulate elapsed time
// without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default wall-clock implementation.
var SystemClock Clock = systemClock{}

// FailureTracker records temporarily banned endpoints. Entries expire lazily
// on read; nothing sweeps the map in the background, so there are no timer
// goroutines to leak.
type FailureTracker struct {
	mutex       sync.RWMutex
	bannedUntil map[string]time.Time
	resetAfter  time.Duration
	clock       Clock
}

// NewFailureTracker creates a tracker whose bans expire after resetAfter.
// A nil clock falls back to SystemClock.
func NewFailureTracker(resetAfter time.Duration, clock Clock) *FailureTracker {
	if clock == nil {
		clock = SystemClock
	}
	return &FailureTracker{
		bannedUntil: make(map[string]time.Time),
		resetAfter:  resetAfter,
		clock:       clock,
	}
}

// MarkFailed bans the endpoint until now + resetAfter. An existing ban is
// overwritten, never extended cumulatively.
func (ft *FailureTracker) MarkFailed(url string) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	ft.bannedUntil[url] = ft.clock.Now().Add(ft.resetAfter)
}

// IsFailed reports whether the endpoint is currently banned. Pure read, safe
// under concurrent access.
func (ft *FailureTracker) IsFailed(url string) bool {
	ft.mutex.RLock()
	defer ft.mutex.RUnlock()
	until, ok := ft.bannedUntil[url]
	if !ok {
		return false
	}
	// 惰性过期：到期的条目视为可用，留在 map 中无害
	return ft.clock.Now().Before(until)
}

// ResetAll clears every ban. Used by the caller's "all endpoints exhausted"
// recovery path.
func (ft *FailureTracker) ResetAll() {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	ft.bannedUntil = make(map[string]time.Time)
}

// BannedUntil returns the ban expiry for an endpoint, if one is active.
func (ft *FailureTracker) BannedUntil(url string) (time.Time, bool) {
	ft.mutex.RLock()
	defer ft.mutex.RUnlock()
	until, ok := ft.bannedUntil[url]
	if !ok || !ft.clock.Now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Snapshot returns a copy of all currently active bans, keyed by URL.
func (ft *FailureTracker) Snapshot() map[string]time.Time {
	ft.mutex.RLock()
	defer ft.mutex.RUnlock()
	now := ft.clock.Now()
	snapshot := make(map[string]time.Time)
	for url, until := range ft.bannedUntil {
		if now.Before(until) {
			snapshot[url] = until
		}
	}
	return snapshot
}
