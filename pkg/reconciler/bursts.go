package reconciler

import (
	"sync"
	"time"
)

// DefaultBurstOffsets are the delays of a staggered refresh burst. They paper
// over the lag between the backend writing a segment and its parent story.
var DefaultBurstOffsets = []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Bursts is a cancellable set of deferred refresh tasks owned by one session.
type Bursts struct {
	key string

	mu     sync.Mutex
	timers map[uint64]*time.Timer
	next   uint64
	closed bool
}

func NewBursts(key string) *Bursts {
	return &Bursts{key: key, timers: map[uint64]*time.Timer{}}
}

// Schedule runs fn once per offset. It returns the number of tasks scheduled,
// which is zero once the set is closed.
func (b *Bursts) Schedule(offsets []time.Duration, fn func(offset time.Duration)) int {
	if b == nil || fn == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	for _, off := range offsets {
		if off < 0 {
			off = 0
		}
		b.next++
		id := b.next
		offset := off
		b.timers[id] = time.AfterFunc(offset, func() {
			if !b.take(id) {
				return
			}
			fn(offset)
		})
	}
	return len(offsets)
}

func (b *Bursts) take(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.timers[id]; !ok {
		return false
	}
	delete(b.timers, id)
	return true
}

// CancelAll stops every pending task and reports how many were cancelled.
func (b *Bursts) CancelAll() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
		n++
	}
	return n
}

// Close cancels pending tasks and refuses new ones.
func (b *Bursts) Close() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.CancelAll()
}

func (b *Bursts) Pending() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *Bursts) Key() string { return b.key }
