package polling

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStartRequiresActiveGeneration(t *testing.T) {
	var pulls atomic.Int32
	f := New(Config{Pull: func() { pulls.Add(1) }})

	require.False(t, f.Start(5*time.Millisecond))
	require.False(t, f.Running())

	f.SetActiveGeneration(true)
	require.True(t, f.Start(5*time.Millisecond))
	require.False(t, f.Start(time.Second), "second start is a no-op")
	require.Equal(t, 5*time.Millisecond, f.Interval())

	require.Eventually(t, func() bool { return pulls.Load() >= 2 }, time.Second, time.Millisecond)

	f.SetActiveGeneration(false)
	require.False(t, f.Running())
	require.Zero(t, f.Interval())
	settled := pulls.Load()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, pulls.Load(), settled+1)
}

func TestTickSkipsInsideQuietWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lastWrite := clock.Now()
	var pulls atomic.Int32
	f := New(Config{
		QuietWindow: 2 * time.Second,
		LastWrite:   func() time.Time { return lastWrite },
		Pull:        func() { pulls.Add(1) },
		Now:         clock.Now,
	})
	f.SetActiveGeneration(true)
	require.True(t, f.Start(time.Hour))
	defer f.Stop()
	run := f.run

	clock.Advance(time.Second)
	require.False(t, f.tick(run))
	require.Zero(t, pulls.Load())

	clock.Advance(1500 * time.Millisecond)
	require.True(t, f.tick(run))
	require.Equal(t, int32(1), pulls.Load())
}

func TestTickPullsWhenNothingWasWritten(t *testing.T) {
	var pulls atomic.Int32
	f := New(Config{
		QuietWindow: time.Hour,
		LastWrite:   func() time.Time { return time.Time{} },
		Pull:        func() { pulls.Add(1) },
	})
	f.SetActiveGeneration(true)
	require.True(t, f.Start(time.Hour))
	defer f.Stop()
	require.True(t, f.tick(f.run))
	require.Equal(t, int32(1), pulls.Load())
}

func TestStaleRunDoesNotPull(t *testing.T) {
	var pulls atomic.Int32
	f := New(Config{Pull: func() { pulls.Add(1) }})
	f.SetActiveGeneration(true)
	require.True(t, f.Start(time.Hour))
	old := f.run
	f.Stop()
	require.True(t, f.Start(time.Hour))
	defer f.Stop()

	require.False(t, f.tick(old))
	require.True(t, f.tick(f.run))
	require.Equal(t, int32(1), pulls.Load())
	f.Stop()
	f.Stop()
}
