package graph

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Context is handed to a rule body. It records the dependencies the body
// requests and the external resources it reads. It is safe for concurrent
// use by goroutines the body starts, as long as they finish before the body
// returns.
type Context struct {
	g     *Graph
	entry *entry
	run   *run
	slot  *slot

	mu    sync.Mutex
	deps  []dep
	seen  map[int]int
	fatal error
}

// Key returns the key being computed.
func (c *Context) Key() Key { return c.entry.key }

// Get requests key as a dependency of the running node. The evaluation slot
// held by the body is released while waiting.
func (c *Context) Get(ctx context.Context, key Key) (any, error) {
	c.slot.suspend()
	o, e := c.g.request(ctx, key, c)
	if err := c.slot.resume(ctx); err != nil && o.err == nil {
		return nil, err
	}
	if e != nil {
		c.record(dep{id: e.id, gen: o.gen})
	}
	if o.err != nil && IsFatal(o.err) {
		c.setFatal(o.err)
	}
	return o.value, o.err
}

// Observe registers an external resource (such as a file path) read by the
// running node, so that a change to it invalidates the node.
func (c *Context) Observe(resource string) {
	if c.g.observer != nil {
		c.g.observer.Observe(c.entry.key, resource)
	}
}

func (c *Context) record(d dep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[int]int)
	}
	if i, ok := c.seen[d.id]; ok {
		c.deps[i].gen = d.gen
		return
	}
	c.seen[d.id] = len(c.deps)
	c.deps = append(c.deps, d)
}

func (c *Context) edges() []dep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dep(nil), c.deps...)
}

func (c *Context) setFatal(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
}

func (c *Context) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// GetAs requests key and asserts its value to T.
func GetAs[T any](ctx context.Context, c *Context, key Key) (T, error) {
	var zero T
	v, err := c.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: value has type %T, want %T", key.ID(), v, zero)
	}
	return t, nil
}

// RequestAs is GetAs for callers outside a rule body.
func RequestAs[T any](ctx context.Context, g *Graph, key Key) (T, error) {
	var zero T
	v, err := g.Request(ctx, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: value has type %T, want %T", key.ID(), v, zero)
	}
	return t, nil
}

// slot is the body's share of the global evaluation bound. Concurrent Gets
// from one body release it once and take it back when the last returns.
type slot struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	held    bool
	waiting int
	closed  bool
}

func (s *slot) acquire(ctx context.Context) error {
	if s == nil || s.sem == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held = true
	return nil
}

func (s *slot) suspend() {
	if s == nil || s.sem == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting++
	if s.held {
		s.sem.Release(1)
		s.held = false
	}
}

func (s *slot) resume(ctx context.Context) error {
	if s == nil || s.sem == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting--
	if s.waiting > 0 || s.held || s.closed {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held = true
	return nil
}

// close gives the slot back once the body has returned.
func (s *slot) close() {
	if s == nil || s.sem == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.held {
		s.sem.Release(1)
		s.held = false
	}
}
