package events

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrConsumerRunning is returned by Run when another consumer is
	// already attached to the bus.
	ErrConsumerRunning = errors.New("events: consumer already running")
	// ErrClosed is returned by Flush after the bus has been closed and
	// drained.
	ErrClosed = errors.New("events: bus closed")
)

type item struct {
	ev      Event
	barrier chan struct{} // non-nil for flush markers
}

// Bus is an unbounded FIFO queue with exactly one consumer. Push never
// blocks; the consumer sets the pace. Events pushed by one goroutine are
// delivered in push order, and every pushed event is delivered once.
type Bus struct {
	mu       sync.Mutex
	queue    []item
	closed   bool
	running  bool
	stopped  chan struct{} // closed when the consumer loop exits
	wake     chan struct{}
	rejected int
}

func NewBus() *Bus {
	return &Bus{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Push enqueues ev. Events pushed after Close are counted and discarded.
func (b *Bus) Push(ev Event) {
	b.enqueue(item{ev: ev})
}

func (b *Bus) enqueue(it item) bool {
	b.mu.Lock()
	if b.closed {
		b.rejected++
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, it)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush blocks until every event pushed before the call has been handled
// by the consumer, or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !b.enqueue(item{barrier: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-b.stopped:
		// The consumer may have handled the barrier right before exiting.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushSync enqueues ev and waits until it has been handled.
func (b *Bus) PushSync(ctx context.Context, ev Event) error {
	b.Push(ev)
	return b.Flush(ctx)
}

// Close stops accepting events. A running consumer drains what is already
// queued and then returns.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Rejected returns how many events were pushed after Close.
func (b *Bus) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Len returns the number of queued, not yet handled, entries.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run delivers events to h until the bus is closed and drained, or ctx is
// done. Only one Run may be active over the lifetime of a bus.
func (b *Bus) Run(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrConsumerRunning
	}
	b.running = true
	b.mu.Unlock()
	defer close(b.stopped)

	for {
		it, ok, closed := b.pop()
		if ok {
			if it.barrier != nil {
				close(it.barrier)
			} else {
				h(it.ev)
			}
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bus) pop() (it item, ok bool, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return item{}, false, b.closed
	}
	it = b.queue[0]
	b.queue[0] = item{}
	b.queue = b.queue[1:]
	return it, true, b.closed
}
