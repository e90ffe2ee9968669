package vm

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/moca/vm/threads"
)

// ---------------------------------------------------------------------------
// Channel registry: bytecode addresses channels by integer ID
// ---------------------------------------------------------------------------

type channelRegistry struct {
	mu       sync.RWMutex
	channels map[int64]*threads.Channel[Value]
	next     atomic.Int64
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[int64]*threads.Channel[Value])}
}

// create registers a new channel and returns its ID. IDs start at 1.
func (r *channelRegistry) create() int64 {
	id := r.next.Add(1)
	r.mu.Lock()
	r.channels[id] = threads.New[Value]()
	r.mu.Unlock()
	return id
}

func (r *channelRegistry) get(id int64) (*threads.Channel[Value], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// each calls fn with the queued items of every channel, in ID order.
func (r *channelRegistry) each(fn func(id int64, queued []Value)) {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if ch, ok := r.get(id); ok {
			fn(id, ch.Snapshot())
		}
	}
}

// channel resolves a channel handle operand.
func (t *thread) channel(v Value) (*threads.Channel[Value], int64, error) {
	id, ok := v.AsInt()
	if !ok {
		return nil, 0, typeErrorf("expected a channel handle, got %s", v.Kind)
	}
	ch, ok := t.vm.channels.get(id)
	if !ok {
		return nil, id, t.raise("unknown channel %d", id)
	}
	return ch, id, nil
}

// send queues v. Sending on a closed channel raises an exception.
func (t *thread) send(chv, v Value) error {
	ch, id, err := t.channel(chv)
	if err != nil {
		return err
	}
	if err := ch.Send(v); err != nil {
		if errors.Is(err, threads.ErrClosed) {
			return t.raise("send on closed channel %d", id)
		}
		return err
	}
	return nil
}

// recv takes the next value, blocking with the world lock released while
// the channel is empty. A closed and drained channel yields null.
func (t *thread) recv(chv Value) (Value, error) {
	ch, _, err := t.channel(chv)
	if err != nil {
		return Null, err
	}
	for {
		if v, ok := ch.TryRecv(); ok {
			return v, nil
		}
		if ch.IsClosed() {
			return Null, nil
		}
		t.blocking(func() { ch.Wait() })
	}
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// spawn starts f on a new thread. The thread stays registered, and its
// result rooted, until it is joined.
func (vm *VM) spawn(f *function) (threads.ID, error) {
	if f.fn.Arity != 0 {
		return 0, typeErrorf("spawned function %s must take no arguments, takes %d", f.fn.Name, f.fn.Arity)
	}
	t := vm.newThread()
	id := vm.spawner.Spawn(func() (Value, error) {
		vm.world.RLock()
		defer vm.world.RUnlock()
		v, err := t.call(f, nil)
		if err != nil {
			return Null, vm.uncaught(err)
		}
		t.result = v
		return v, nil
	})
	vm.threadsMu.Lock()
	vm.byID[id] = t
	vm.threadsMu.Unlock()
	log.Debugf("spawned thread %d running %s", id, f.fn.Name)
	return id, nil
}

// join waits for the thread v names and returns its result. Joining an
// unknown thread, joining twice, or joining a thread that failed raises an
// exception.
func (t *thread) join(v Value) (Value, error) {
	n, ok := v.AsInt()
	if !ok {
		return Null, typeErrorf("expected a thread handle, got %s", v.Kind)
	}
	vm := t.vm
	id := threads.ID(n)

	var waitErr error
	t.blocking(func() { waitErr = vm.spawner.Wait(id) })
	if waitErr != nil {
		return Null, t.raise("join: %s", waitErr)
	}

	result, err := vm.spawner.Join(id)
	if errors.Is(err, threads.ErrAlreadyJoined) {
		return Null, t.raise("join: %s", err)
	}
	vm.threadsMu.Lock()
	if child, ok := vm.byID[id]; ok {
		delete(vm.byID, id)
		delete(vm.live, child)
	}
	vm.threadsMu.Unlock()
	if err != nil {
		return Null, t.raise("join: %s", err)
	}
	return result, nil
}
