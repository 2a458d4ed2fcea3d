package channel

import (
	"context"
	"sync"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// Transition is a state change of a channel together with its cause.
type Transition struct {
	From  State
	To    State
	Cause error
}

// Update is either a state transition or a change event, never both.
type Update struct {
	Transition *Transition
	Event      *snapshot.ChangeEvent
}

// Channel is a single-use connection to one story's change feed. It starts in
// Connecting and its update stream is closed once it leaves Connecting or
// Subscribed.
type Channel interface {
	ResourceID() string
	State() State
	Updates() <-chan Update
	// Close tears the channel down. Closing an already closed channel is a no-op.
	Close() error
}

// Subscriber opens channels. Subscribe must not block on the network: the
// handshake runs in the background and is reported through Updates.
type Subscriber interface {
	Subscribe(ctx context.Context, resourceID string) (Channel, error)
}

const defaultUpdateBuffer = 64

// base is the state machine shared by channel implementations. Only the
// implementation's pump goroutine calls transition, emit and finish; Close may
// be called from anywhere.
type base struct {
	resourceID string

	mu       sync.Mutex
	state    State
	updates  chan Update
	done     chan struct{}
	closed   bool
	finished bool
	onClose  func()
}

func newBase(resourceID string, buffer int) *base {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	return &base{
		resourceID: resourceID,
		state:      StateConnecting,
		updates:    make(chan Update, buffer),
		done:       make(chan struct{}),
	}
}

func (b *base) ResourceID() string { return b.resourceID }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Updates() <-chan Update { return b.updates }

func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.state = StateClosed
	onClose := b.onClose
	close(b.done)
	b.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (b *base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *base) setOnClose(fn func()) {
	b.mu.Lock()
	b.onClose = fn
	b.mu.Unlock()
}

// transition moves the machine to `to` and emits the transition. Invalid
// transitions are ignored and reported as false.
func (b *base) transition(to State, cause error) bool {
	b.mu.Lock()
	from := b.state
	if !CanTransition(from, to) {
		b.mu.Unlock()
		return false
	}
	b.state = to
	b.mu.Unlock()
	b.send(Update{Transition: &Transition{From: from, To: to, Cause: cause}})
	return true
}

func (b *base) emit(ev snapshot.ChangeEvent) bool {
	if !b.State().Open() {
		return false
	}
	return b.send(Update{Event: &ev})
}

func (b *base) send(u Update) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.updates <- u:
		return true
	case <-b.done:
		return false
	}
}

// finish ends the update stream. It is safe to call more than once.
func (b *base) finish() {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.mu.Unlock()
	close(b.updates)
}
