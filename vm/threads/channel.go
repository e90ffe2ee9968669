package threads

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("send on closed channel")

// Channel is an unbounded MPMC queue. Items sent by one sender are received
// in send order. Once closed, sends fail but queued items can still be
// received.
type Channel[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []T
	closed   bool

	sent     atomic.Uint64
	received atomic.Uint64

	senders   atomic.Int64
	receivers atomic.Int64
}

// New returns an open channel with no handles.
func New[T any]() *Channel[T] {
	ch := &Channel[T]{}
	ch.notEmpty = sync.NewCond(&ch.mu)
	return ch
}

// Send enqueues v.
func (ch *Channel[T]) Send(v T) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	ch.queue = append(ch.queue, v)
	ch.sent.Add(1)
	ch.notEmpty.Signal()
	return nil
}

// Recv blocks until an item is available or the channel is closed and
// drained. ok is false in the latter case.
func (ch *Channel[T]) Recv() (v T, ok bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for len(ch.queue) == 0 && !ch.closed {
		ch.notEmpty.Wait()
	}
	return ch.take()
}

// TryRecv returns the next item without blocking.
func (ch *Channel[T]) TryRecv() (v T, ok bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.take()
}

func (ch *Channel[T]) take() (v T, ok bool) {
	if len(ch.queue) == 0 {
		return v, false
	}
	v = ch.queue[0]
	var zero T
	ch.queue[0] = zero
	ch.queue = ch.queue[1:]
	ch.received.Add(1)
	return v, true
}

// Wait blocks until an item is queued or the channel is closed, without
// taking anything. It reports whether an item is available.
func (ch *Channel[T]) Wait() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for len(ch.queue) == 0 && !ch.closed {
		ch.notEmpty.Wait()
	}
	return len(ch.queue) > 0
}

// Close closes the channel and wakes every blocked receiver. Closing twice
// is harmless.
func (ch *Channel[T]) Close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.notEmpty.Broadcast()
}

// IsClosed reports whether Close has been called.
func (ch *Channel[T]) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Len returns the number of queued items.
func (ch *Channel[T]) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queue)
}

// Sent returns the number of successful sends.
func (ch *Channel[T]) Sent() uint64 { return ch.sent.Load() }

// Received returns the number of items taken.
func (ch *Channel[T]) Received() uint64 { return ch.received.Load() }

// Snapshot returns a copy of the queued items.
func (ch *Channel[T]) Snapshot() []T {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]T, len(ch.queue))
	copy(out, ch.queue)
	return out
}

// Sender is a sending handle. The channel closes when the last sender is
// dropped.
type Sender[T any] struct {
	ch      *Channel[T]
	dropped atomic.Bool
}

// Receiver is a receiving handle.
type Receiver[T any] struct {
	ch      *Channel[T]
	dropped atomic.Bool
}

// NewChannel creates a channel with one sender and one receiver.
func NewChannel[T any]() (*Sender[T], *Receiver[T]) {
	ch := New[T]()
	return ch.NewSender(), ch.NewReceiver()
}

// NewSender adds a sender handle to ch.
func (ch *Channel[T]) NewSender() *Sender[T] {
	ch.senders.Add(1)
	return &Sender[T]{ch: ch}
}

// NewReceiver adds a receiver handle to ch.
func (ch *Channel[T]) NewReceiver() *Receiver[T] {
	ch.receivers.Add(1)
	return &Receiver[T]{ch: ch}
}

// Handles returns the number of live sender and receiver handles.
func (ch *Channel[T]) Handles() (senders, receivers int) {
	return int(ch.senders.Load()), int(ch.receivers.Load())
}

func (s *Sender[T]) Send(v T) error       { return s.ch.Send(v) }
func (s *Sender[T]) Close()               { s.ch.Close() }
func (s *Sender[T]) Channel() *Channel[T] { return s.ch }

// Clone returns another handle on the same channel.
func (s *Sender[T]) Clone() *Sender[T] { return s.ch.NewSender() }

// Drop releases the handle. Dropping the last sender closes the channel.
// Dropping a handle twice has no further effect.
func (s *Sender[T]) Drop() {
	if s.dropped.Swap(true) {
		return
	}
	if s.ch.senders.Add(-1) == 0 {
		s.ch.Close()
	}
}

func (r *Receiver[T]) Recv() (T, bool)      { return r.ch.Recv() }
func (r *Receiver[T]) TryRecv() (T, bool)   { return r.ch.TryRecv() }
func (r *Receiver[T]) Close()               { r.ch.Close() }
func (r *Receiver[T]) Channel() *Channel[T] { return r.ch }

// Clone returns another handle on the same channel.
func (r *Receiver[T]) Clone() *Receiver[T] { return r.ch.NewReceiver() }

// Drop releases the handle.
func (r *Receiver[T]) Drop() {
	if !r.dropped.Swap(true) {
		r.ch.receivers.Add(-1)
	}
}
