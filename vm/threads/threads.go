// Package threads provides OS-thread spawning with explicit join and
// blocking multi-producer multi-consumer channels.
package threads

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrUnknownThread = errors.New("thread not found")
	ErrAlreadyJoined = errors.New("thread already joined")
	ErrThreadPanic   = errors.New("thread panicked")
)

// ID identifies a spawned thread. IDs are unique for the life of the
// process.
type ID uint64

var nextID atomic.Uint64

// NextID returns a fresh thread ID. The first ID handed out is 1.
func NextID() ID { return ID(nextID.Add(1)) }

type handle[T any] struct {
	id     ID
	done   chan struct{}
	result T
	err    error
	joined bool
}

// Spawner starts threads and keeps their handles until they are joined.
type Spawner[T any] struct {
	mu      sync.Mutex
	handles map[ID]*handle[T]
}

// NewSpawner returns an empty spawner.
func NewSpawner[T any]() *Spawner[T] {
	return &Spawner[T]{handles: make(map[ID]*handle[T])}
}

// Spawn runs f on its own goroutine, locked to an OS thread, and returns the
// thread's ID. A panic in f is reported by Join.
func (s *Spawner[T]) Spawn(f func() (T, error)) ID {
	h := &handle[T]{id: NextID(), done: make(chan struct{})}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("%w: thread %d: %v", ErrThreadPanic, h.id, r)
			}
		}()
		h.result, h.err = f()
	}()
	return h.id
}

func (s *Spawner[T]) lookup(id ID) (*handle[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	if h.joined {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyJoined, id)
	}
	return h, nil
}

// Wait blocks until thread id has finished, without joining it.
func (s *Spawner[T]) Wait(id ID) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	<-h.done
	return nil
}

// Join waits for thread id and returns its result. A thread can be joined
// once.
func (s *Spawner[T]) Join(id ID) (T, error) {
	var zero T
	h, err := s.lookup(id)
	if err != nil {
		return zero, err
	}
	<-h.done

	s.mu.Lock()
	if h.joined {
		s.mu.Unlock()
		return zero, fmt.Errorf("%w: %d", ErrAlreadyJoined, id)
	}
	h.joined = true
	s.mu.Unlock()

	if h.err != nil {
		return zero, h.err
	}
	return h.result, nil
}

// Active returns the number of threads not yet joined.
func (s *Spawner[T]) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.joined {
			n++
		}
	}
	return n
}

// Finished calls fn with the result of every thread that has completed
// successfully but has not been joined.
func (s *Spawner[T]) Finished(fn func(id ID, result T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		if h.joined {
			continue
		}
		select {
		case <-h.done:
			if h.err == nil {
				fn(id, h.result)
			}
		default:
		}
	}
}

// Cleanup forgets joined threads. Joining one afterwards reports
// ErrUnknownThread.
func (s *Spawner[T]) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		if h.joined {
			delete(s.handles, id)
		}
	}
}
