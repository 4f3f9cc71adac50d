// Package regcache implements spec §4.2's RegisterCache<K,V>: an
// in-process map over a persistent store with single-flight
// initialization and waiter fan-out. Every key is, at any moment, vacant,
// pending (a waiter is installed but no initializer has run yet), or
// available (an initializer has been registered, possibly still running).
package regcache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/kubrick/internal/jobkey"
)

// Backend is the persistent half of the "consult store, else init, then
// persist" sequence (spec §4.2). A director wires this to its
// SubmissionStore's result table.
type Backend interface {
	Load(key jobkey.JobKey) (encoded []byte, found bool, err error)
	Store(key jobkey.JobKey, encoded []byte) error
	Delete(key jobkey.JobKey) error
}

// Status reports where a key stands in the cache: Vacant (no entry),
// Pending (an entry whose initializer has not finished), or Available
// (fulfilled).
type Status int

const (
	Vacant Status = iota
	Pending
	Available
)

// future is the retained outcome for one key: singleflight.Group collapses
// concurrent initializer calls, but forgets the result the instant Do
// returns. future keeps it around (closed done channel + value/err) so a
// valueWhenAvailable/valueIfRegistered caller arriving after fulfillment
// still observes it, exactly as spec §4.2 requires. initiated marks
// whether some Register call has actually started the "consult store,
// else init" task for this future — a future created only by
// ValueWhenAvailable sits pending with initiated=false until a Register
// call claims it, per spec §4.2: "if vacant or pending: transition to
// available; start a task...".
type future struct {
	done      chan struct{}
	value     []byte
	err       error
	initiated bool
	cancel    context.CancelFunc // cancels the in-flight initializer; set once initiated
}

// Cache is the in-process register/execute/deregister gate for one
// director's job keys. It is safe for concurrent use; mutations to its
// entry table happen under a single mutex (spec's "serialized critical
// section per cache"), but the initializer itself runs outside that lock.
type Cache struct {
	backend Backend
	group   singleflight.Group

	mu      sync.Mutex
	entries map[jobkey.JobKey]*future
}

// New wraps backend with an empty cache.
func New(backend Backend) *Cache {
	return &Cache{backend: backend, entries: make(map[jobkey.JobKey]*future)}
}

// Register transitions key to available: if it is already available,
// every caller shares the existing future without re-running init; if it
// is vacant or pending, this call (or a concurrent sibling collapsed onto
// it by singleflight) consults the backend, falling back to init and then
// persisting, and broadcasts the outcome to every waiter — including ones
// parked in ValueWhenAvailable before this call arrived (spec §4.2, I1). A
// failed init is never persisted and its entry is dropped, so the next
// Register for the same key retries cleanly. Cancelling a caller parked on
// someone else's in-flight initializer triggers an asynchronous Deregister,
// which also cancels that initializer (spec §4.2's cancellation contract,
// §8 P6).
func (c *Cache) Register(ctx context.Context, key jobkey.JobKey, init func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	f, ok := c.entries[key]
	if ok && f.initiated {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			go func() { _ = c.Deregister(key) }()
			return nil, ctx.Err()
		}
	}
	if !ok {
		f = &future{done: make(chan struct{})}
		c.entries[key] = f
	}
	f.initiated = true
	initCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.load(initCtx, key, init)
	})
	if err == nil {
		f.value = v.([]byte)
	} else {
		f.err = err
	}
	close(f.done)

	if err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}
	return f.value, f.err
}

func (c *Cache) load(ctx context.Context, key jobkey.JobKey, init func(context.Context) ([]byte, error)) (any, error) {
	if encoded, found, err := c.backend.Load(key); err != nil {
		return nil, err
	} else if found {
		return encoded, nil
	}
	encoded, err := init(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Store(key, encoded); err != nil {
		return nil, err
	}
	return encoded, nil
}

// ValueWhenAvailable installs a pending entry for key if none exists and
// blocks until some caller's Register fulfills it, or ctx is cancelled.
// Per spec it never times out on its own; only ctx cancellation or process
// exit can unblock it early.
func (c *Cache) ValueWhenAvailable(ctx context.Context, key jobkey.JobKey) ([]byte, error) {
	c.mu.Lock()
	f, ok := c.entries[key]
	if !ok {
		f = &future{done: make(chan struct{})}
		c.entries[key] = f
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ValueIfRegistered reports key's current Status and, if Available, its
// fulfilled value and error.
func (c *Cache) ValueIfRegistered(key jobkey.JobKey) (value []byte, status Status, err error) {
	c.mu.Lock()
	f, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, Vacant, nil
	}
	select {
	case <-f.done:
		return f.value, Available, f.err
	default:
		return nil, Pending, nil
	}
}

// Deregister removes key from the persistent backend, then from memory,
// so the next Register call re-initializes it (spec §4.4's retry
// operation, and a disconnecting caller's async cleanup per §4.2). An
// initializer still in flight for key is cancelled.
func (c *Cache) Deregister(key jobkey.JobKey) error {
	c.group.Forget(key.String())
	c.mu.Lock()
	f := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if f != nil && f.cancel != nil {
		f.cancel()
	}
	return c.backend.Delete(key)
}
