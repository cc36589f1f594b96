package graph

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a node.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// dep is an edge observed during a run: the dependency's arena index and the
// generation of the value that was consumed.
type dep struct {
	id  int
	gen uint64
}

type outcome struct {
	value any
	err   error
	gen   uint64
}

// snapshot is published for clean Completed/Failed entries so that readers
// never take the entry lock on the hot path.
type snapshot struct {
	outcome
}

// entry is one node in the arena. All fields below mu are guarded by it.
type entry struct {
	id   int
	key  Key
	rule *Rule

	snap    atomic.Pointer[snapshot]
	current atomic.Pointer[run]

	mu    sync.Mutex
	state State
	dirty bool
	// result of the last completed run; retained while Pending so that a
	// re-run producing an equal value keeps its generation.
	result    outcome
	hasResult bool
	// retained is set while result.value is held through the Retainer.
	retained bool
	deps     []dep
	run      *run
	// runs counts started runs; it sequences dependent registrations.
	runs uint64
	// dependents maps arena indexes of nodes that requested this one to the
	// requester's run sequence at registration.
	dependents map[int]uint64
	// edges holds arena indexes of nodes this one is registered on.
	edges map[int]struct{}
}

func (e *entry) addDependent(id int, seq uint64) {
	e.mu.Lock()
	if e.dependents == nil {
		e.dependents = make(map[int]uint64)
	}
	if seq > e.dependents[id] {
		e.dependents[id] = seq
	}
	e.mu.Unlock()
}

// removeDependent drops id unless a run newer than seq registered it again.
func (e *entry) removeDependent(id int, seq uint64) {
	e.mu.Lock()
	if cur, ok := e.dependents[id]; ok && cur <= seq {
		delete(e.dependents, id)
	}
	e.mu.Unlock()
}

func (e *entry) noteEdge(id int) {
	e.mu.Lock()
	if e.edges == nil {
		e.edges = make(map[int]struct{})
	}
	e.edges[id] = struct{}{}
	e.mu.Unlock()
}

// pruneEdgesLocked keeps only the edges in deps and returns the rest.
func (e *entry) pruneEdgesLocked(deps []dep) []int {
	keep := make(map[int]struct{}, len(deps))
	for _, d := range deps {
		keep[d.id] = struct{}{}
	}
	var dropped []int
	for id := range e.edges {
		if _, ok := keep[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	e.edges = keep
	return dropped
}

func (e *entry) dependentIDs() []int {
	out := make([]int, 0, len(e.dependents))
	for id := range e.dependents {
		out = append(out, id)
	}
	return out
}

// publishLocked exposes the current result for lock-free reads when the
// entry is clean.
func (e *entry) publishLocked() {
	if (e.state == Completed || e.state == Failed) && !e.dirty {
		e.snap.Store(&snapshot{outcome: e.result})
		return
	}
	e.snap.Store(nil)
}

// run is one in-flight evaluation of an entry, shared by all its waiters.
type run struct {
	entry  *entry
	done   chan struct{}
	cancel context.CancelFunc
	// path holds the arena indexes on the request chain that started the
	// run, this entry included.
	path []int

	// cleaning runs start from a dirty Completed/Failed entry and try to
	// reuse its value before running the body.
	cleaning bool
	prior    State
	prevDeps []dep
	seq      uint64

	// guarded by entry.mu
	waiters     int
	invalidated bool
	dirtied     bool

	// set before done is closed
	result outcome
	retry  bool

	// guarded by Graph.waitMu
	blockedOn map[*entry]int
}

func (r *run) onPath(id int) bool {
	for _, p := range r.path {
		if p == id {
			return true
		}
	}
	return false
}
