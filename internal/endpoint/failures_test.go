package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock 手动推进的时钟，测试封禁过期无需真实等待
type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (fc *fakeClock) Now() time.Time {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	fc.now = fc.now.Add(d)
}

func TestFailureTracker_BanLifecycle(t *testing.T) {
	clock := newFakeClock()
	ft := NewFailureTracker(300*time.Second, clock)

	ft.MarkFailed("https://a.example.com")

	clock.Advance(299 * time.Second)
	assert.True(t, ft.IsFailed("https://a.example.com"), "ban should still hold at t=299s")

	clock.Advance(2 * time.Second)
	assert.False(t, ft.IsFailed("https://a.example.com"), "ban should have expired at t=301s")
}

func TestFailureTracker_UnknownURLNotFailed(t *testing.T) {
	ft := NewFailureTracker(300*time.Second, newFakeClock())
	assert.False(t, ft.IsFailed("https://never-seen.example.com"))
}

func TestFailureTracker_MarkFailedOverwritesBan(t *testing.T) {
	clock := newFakeClock()
	ft := NewFailureTracker(300*time.Second, clock)

	ft.MarkFailed("https://a.example.com")
	clock.Advance(200 * time.Second)

	// 再次失败：封禁重置为 now+300s，而不是累加
	ft.MarkFailed("https://a.example.com")
	until, ok := ft.BannedUntil("https://a.example.com")
	assert.True(t, ok)
	assert.Equal(t, clock.Now().Add(300*time.Second), until)
}

func TestFailureTracker_ResetAll(t *testing.T) {
	clock := newFakeClock()
	ft := NewFailureTracker(300*time.Second, clock)

	ft.MarkFailed("https://a.example.com")
	ft.MarkFailed("https://b.example.com")
	assert.Len(t, ft.Snapshot(), 2)

	ft.ResetAll()
	assert.Empty(t, ft.Snapshot())
	assert.False(t, ft.IsFailed("https://a.example.com"))
	assert.False(t, ft.IsFailed("https://b.example.com"))
}

func TestFailureTracker_SnapshotSkipsExpired(t *testing.T) {
	clock := newFakeClock()
	ft := NewFailureTracker(300*time.Second, clock)

	ft.MarkFailed("https://a.example.com")
	clock.Advance(100 * time.Second)
	ft.MarkFailed("https://b.example.com")

	clock.Advance(250 * time.Second) // a 已过期，b 还剩 50s
	snapshot := ft.Snapshot()
	assert.Len(t, snapshot, 1)
	assert.Contains(t, snapshot, "https://b.example.com")
}

func TestFailureTracker_ConcurrentAccess(t *testing.T) {
	ft := NewFailureTracker(300*time.Second, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ft.MarkFailed("https://a.example.com")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ft.IsFailed("https://a.example.com")
				ft.Snapshot()
			}
		}()
	}
	wg.Wait()
}
