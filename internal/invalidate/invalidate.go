// Package invalidate turns filesystem changes into graph invalidations.
//
// Rule bodies register the resources they read through graph.Context.Observe.
// The Index keeps the resource to node mapping; the Invalidator resolves a
// batch of change events against it and invalidates every affected node in a
// single graph invalidation.
package invalidate

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"buildcore/internal/graph"
)

// Kind classifies a change event.
type Kind int

const (
	Created Kind = iota + 1
	Modified
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one change to a path relative to the watched root.
type Event struct {
	Path string
	Kind Kind
}

// CleanPath normalizes a resource path to the slash-separated relative form
// used as an index key. The root itself is ".".
func CleanPath(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "/" {
		return "."
	}
	return p
}

// Index is a graph.Observer that remembers which nodes read which resources.
type Index struct {
	mu         sync.RWMutex
	byResource map[string]map[string]graph.Key
	byKey      map[string][]string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byResource: make(map[string]map[string]graph.Key),
		byKey:      make(map[string][]string),
	}
}

// Reset forgets the registrations of key. The graph calls it before the
// key's body runs again, so registrations always describe the latest run.
func (x *Index) Reset(key graph.Key) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := key.ID()
	for _, res := range x.byKey[id] {
		if keys := x.byResource[res]; keys != nil {
			delete(keys, id)
			if len(keys) == 0 {
				delete(x.byResource, res)
			}
		}
	}
	delete(x.byKey, id)
}

// Observe registers that key read resource.
func (x *Index) Observe(key graph.Key, resource string) {
	res := CleanPath(resource)
	id := key.ID()
	x.mu.Lock()
	defer x.mu.Unlock()
	keys := x.byResource[res]
	if keys == nil {
		keys = make(map[string]graph.Key)
		x.byResource[res] = keys
	}
	if _, ok := keys[id]; ok {
		return
	}
	keys[id] = key
	x.byKey[id] = append(x.byKey[id], res)
}

// Resources returns the sorted resources registered for key.
func (x *Index) Resources(key graph.Key) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := append([]string(nil), x.byKey[key.ID()]...)
	sort.Strings(out)
	return out
}

// Lookup returns the keys registered to resource.
func (x *Index) Lookup(resource string) []graph.Key {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedKeys(x.byResource[CleanPath(resource)])
}

// affected collects the keys that must be invalidated for one event: the
// path itself, its parent directory listing and, for removals, anything
// registered beneath it.
func (x *Index) affected(ev Event, into map[string]graph.Key) {
	p := CleanPath(ev.Path)
	x.mu.RLock()
	defer x.mu.RUnlock()
	add := func(res string) {
		for id, k := range x.byResource[res] {
			into[id] = k
		}
	}
	add(p)
	if p != "." {
		add(path.Dir(p))
	}
	if ev.Kind == Removed {
		prefix := p + "/"
		if p == "." {
			prefix = ""
		}
		for res := range x.byResource {
			if strings.HasPrefix(res, prefix) {
				add(res)
			}
		}
	}
}

func sortedKeys(m map[string]graph.Key) []graph.Key {
	out := make([]graph.Key, 0, len(m))
	for _, k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Target is the part of the graph the invalidator drives.
type Target interface {
	Invalidate(keys ...graph.Key) graph.InvalidationResult
}

// Options configures an Invalidator.
type Options struct {
	// Debounce is how long Run waits for more events before applying a
	// batch. Zero applies every received event immediately.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Result reports what one batch did.
type Result struct {
	Paths int
	Keys  []graph.Key
	graph.InvalidationResult
}

// Invalidator applies change events to a graph.
type Invalidator struct {
	target   Target
	index    *Index
	debounce time.Duration
	logger   *slog.Logger

	mu sync.Mutex
}

// New returns an Invalidator that resolves events through index and
// invalidates nodes of target.
func New(target Target, index *Index, opts Options) *Invalidator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{target: target, index: index, debounce: opts.Debounce, logger: logger}
}

// Apply invalidates every node affected by events in one graph
// invalidation. Duplicate events are collapsed and applying the same batch
// twice is harmless.
func (inv *Invalidator) Apply(events []Event) Result {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	seen := make(map[Event]bool, len(events))
	keys := make(map[string]graph.Key)
	res := Result{}
	for _, ev := range events {
		ev.Path = CleanPath(ev.Path)
		if seen[ev] {
			continue
		}
		seen[ev] = true
		res.Paths++
		inv.index.affected(ev, keys)
	}
	res.Keys = sortedKeys(keys)
	if len(res.Keys) == 0 {
		return res
	}
	res.InvalidationResult = inv.target.Invalidate(res.Keys...)
	inv.logger.Info("applied file changes",
		"paths", res.Paths,
		"keys", len(res.Keys),
		"cleared", res.Cleared,
		"dirtied", res.Dirtied,
		"generation", res.Generation)
	return res
}

// Run applies events from ch in debounced batches until ctx ends or ch is
// closed. Pending events are applied before returning on close.
func (inv *Invalidator) Run(ctx context.Context, ch <-chan Event) error {
	var (
		batch []Event
		timer *time.Timer
		fire  <-chan time.Time
	)
	flush := func() {
		if len(batch) > 0 {
			inv.Apply(batch)
			batch = nil
		}
		fire = nil
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, ev)
			if inv.debounce <= 0 {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(inv.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(inv.debounce)
			}
			fire = timer.C
		case <-fire:
			flush()
		}
	}
}
