// Package graph implements the memoized, incrementally invalidated
// computation graph.
//
// A node is identified by a Key (rule plus parameters). Requesting a key runs
// the rule body at most once per generation no matter how many callers ask
// concurrently; later requests are served from the memoized value until the
// node or one of its transitive dependencies is invalidated. Dependencies are
// discovered while the body runs and rebuilt on every run.
//
// Invalidation clears the named roots and marks everything that depends on
// them dirty. A dirty node is "cleaned" on its next request: its recorded
// dependencies are re-requested in order, and if every one of them still has
// the generation the node consumed, the old value is reused without running
// the body.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"buildcore/internal/trace"
)

// maxInvalidationRetries bounds how often a waiter re-requests a node whose
// run was discarded by a concurrent invalidation.
const maxInvalidationRetries = 16

// Rule is a pure function from typed parameters to a value. The body may
// request other nodes through c; those requests become the node's edges.
type Rule struct {
	ID     RuleID
	Params []ParamSpec
	Run    func(ctx context.Context, c *Context) (any, error)
}

// Observer learns which external resources each node read. Reset is called
// before every body run so stale registrations can be dropped.
type Observer interface {
	Reset(key Key)
	Observe(key Key, resource string)
}

// Retainer is told which values are held by valid nodes, so the content they
// reference can be protected from eviction.
type Retainer interface {
	Retain(value any)
	Release(value any)
}

// Equaler lets values define equality for early cutoff. Values without it
// are compared with reflect.DeepEqual.
type Equaler interface {
	Equal(other any) bool
}

// Options configures a Graph.
type Options struct {
	// MaxConcurrentRules bounds how many rule bodies execute at once.
	// Zero means unbounded.
	MaxConcurrentRules int

	Observer Observer
	Retainer Retainer
	Trace    trace.Sink
	Logger   *slog.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Ran            int64
	Cleaned        int64
	CleaningFailed int64
	Invalidations  int64
	Nodes          int
}

// InvalidationResult reports what one invalidation touched.
type InvalidationResult struct {
	Cleared    int
	Dirtied    int
	Generation uint64
}

// NodeInfo is a point-in-time view of one node.
type NodeInfo struct {
	Key        Key
	State      State
	Dirty      bool
	Generation uint64
	Deps       []Key
}

// Graph holds every node and the rules that compute them.
type Graph struct {
	logger   *slog.Logger
	sink     trace.Sink
	sem      *semaphore.Weighted
	limit    int
	observer Observer
	retainer Retainer

	rulesMu sync.RWMutex
	rules   map[RuleID]*Rule

	index   sync.Map // key ID -> *entry
	arenaMu sync.RWMutex
	arena   []*entry

	epoch  atomic.Uint64
	waitMu sync.Mutex

	ran            atomic.Int64
	cleaned        atomic.Int64
	cleaningFailed atomic.Int64
	invalidations  atomic.Int64
}

// New returns an empty graph.
func New(opts Options) *Graph {
	g := &Graph{
		logger:   opts.Logger,
		sink:     opts.Trace,
		observer: opts.Observer,
		retainer: opts.Retainer,
		rules:    make(map[RuleID]*Rule),
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.sink == nil {
		g.sink = trace.NopSink{}
	}
	if opts.MaxConcurrentRules > 0 {
		g.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentRules))
		g.limit = opts.MaxConcurrentRules
	}
	return g
}

// MaxConcurrentRules returns the bound on concurrently executing rule
// bodies, or zero when evaluation is unbounded.
func (g *Graph) MaxConcurrentRules() int { return g.limit }

// Register adds a rule. Rule IDs must be unique.
func (g *Graph) Register(r Rule) error {
	if r.ID == "" {
		return errors.New("graph: rule ID is empty")
	}
	if r.Run == nil {
		return fmt.Errorf("graph: rule %s has no body", r.ID)
	}
	g.rulesMu.Lock()
	defer g.rulesMu.Unlock()
	if _, ok := g.rules[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
	}
	rule := r
	rule.Params = append([]ParamSpec(nil), r.Params...)
	g.rules[r.ID] = &rule
	return nil
}

func (g *Graph) rule(key Key) (*Rule, error) {
	g.rulesMu.RLock()
	r, ok := g.rules[key.Rule()]
	g.rulesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, key.Rule())
	}
	if err := key.matches(r.Params); err != nil {
		return nil, err
	}
	return r, nil
}

func (g *Graph) entryFor(key Key, rule *Rule) *entry {
	if v, ok := g.index.Load(key.ID()); ok {
		return v.(*entry)
	}
	g.arenaMu.Lock()
	defer g.arenaMu.Unlock()
	if v, ok := g.index.Load(key.ID()); ok {
		return v.(*entry)
	}
	e := &entry{id: len(g.arena), key: key, rule: rule}
	g.arena = append(g.arena, e)
	g.index.Store(key.ID(), e)
	return e
}

func (g *Graph) entryAt(id int) *entry {
	g.arenaMu.RLock()
	defer g.arenaMu.RUnlock()
	return g.arena[id]
}

func (g *Graph) lookup(key Key) *entry {
	if v, ok := g.index.Load(key.ID()); ok {
		return v.(*entry)
	}
	return nil
}

// Request returns the value of key, computing it if needed. It blocks until
// the value is available or ctx ends. Leaving early does not cancel the
// computation while other callers still wait for it.
func (g *Graph) Request(ctx context.Context, key Key) (any, error) {
	o, _ := g.request(ctx, key, nil)
	return o.value, o.err
}

func (g *Graph) request(ctx context.Context, key Key, parent *Context) (outcome, *entry) {
	rule, err := g.rule(key)
	if err != nil {
		return outcome{err: err}, nil
	}
	e := g.entryFor(key, rule)
	if parent != nil {
		if parent.run.onPath(e.id) {
			return outcome{err: g.pathCycle(parent.run.path, e)}, e
		}
		e.addDependent(parent.entry.id, parent.run.seq)
		parent.entry.noteEdge(e.id)
	}
	return g.requestEntry(ctx, e, parent), e
}

func (g *Graph) requestEntry(ctx context.Context, e *entry, parent *Context) outcome {
	var path []int
	if parent != nil {
		path = parent.run.path
	}
	for attempt := 0; ; attempt++ {
		if s := e.snap.Load(); s != nil {
			return s.outcome
		}
		if err := ctx.Err(); err != nil {
			return outcome{err: err}
		}

		e.mu.Lock()
		var r *run
		switch e.state {
		case Completed, Failed:
			if !e.dirty {
				o := e.result
				e.mu.Unlock()
				return o
			}
			r = g.startLocked(ctx, e, path, true)
		case Pending:
			r = g.startLocked(ctx, e, path, false)
		case Running:
			r = e.run
		}
		r.waiters++
		e.mu.Unlock()

		o, retry, err := g.await(ctx, e, r, parent)
		if err != nil {
			return outcome{err: err}
		}
		if !retry {
			return o
		}
		if attempt >= maxInvalidationRetries {
			return outcome{err: fmt.Errorf("%w: %s", ErrInvalidated, e.key.ID())}
		}
	}
}

func (g *Graph) await(ctx context.Context, e *entry, r *run, parent *Context) (outcome, bool, error) {
	if parent != nil {
		if err := g.block(parent.run, e, r); err != nil {
			g.leave(e, r)
			return outcome{}, false, err
		}
		defer g.unblock(parent.run, e)
	}
	select {
	case <-r.done:
		return r.result, r.retry, nil
	case <-ctx.Done():
		g.leave(e, r)
		return outcome{}, false, ctx.Err()
	}
}

// leave drops one waiter; the last one to leave cancels the run.
func (g *Graph) leave(e *entry, r *run) {
	e.mu.Lock()
	r.waiters--
	if r.waiters <= 0 && e.run == r {
		r.cancel()
	}
	e.mu.Unlock()
}

func (g *Graph) startLocked(ctx context.Context, e *entry, path []int, cleaning bool) *run {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		entry:    e,
		done:     make(chan struct{}),
		cancel:   cancel,
		path:     append(append([]int(nil), path...), e.id),
		cleaning: cleaning,
		prior:    e.state,
		prevDeps: e.deps,
	}
	e.runs++
	r.seq = e.runs
	e.state = Running
	e.run = r
	e.current.Store(r)
	e.publishLocked()
	go g.execute(runCtx, r)
	return r
}

func (g *Graph) execute(ctx context.Context, r *run) {
	defer r.cancel()
	if r.cleaning && g.clean(ctx, r) {
		g.finish(ctx, r, outcome{}, nil, true)
		return
	}
	o, deps := g.runBody(ctx, r)
	g.finish(ctx, r, o, deps, false)
}

// clean re-requests the recorded dependencies in order and reports whether
// all of them still carry the generation this node consumed.
func (g *Graph) clean(ctx context.Context, r *run) bool {
	c := &Context{g: g, entry: r.entry, run: r}
	for _, d := range r.prevDeps {
		de := g.entryAt(d.id)
		o := g.requestEntry(ctx, de, c)
		if ctx.Err() != nil {
			return false
		}
		if o.gen != d.gen || (o.err != nil && IsFatal(o.err)) {
			g.cleaningFailed.Add(1)
			return false
		}
	}
	return true
}

func (g *Graph) runBody(ctx context.Context, r *run) (outcome, []dep) {
	e := r.entry
	if g.observer != nil {
		g.observer.Reset(e.key)
	}
	retried := false
	for {
		c := &Context{g: g, entry: e, run: r, slot: &slot{sem: g.sem}}
		if err := c.slot.acquire(ctx); err != nil {
			return outcome{err: err}, nil
		}
		value, err := g.call(ctx, e, c)
		c.slot.close()
		deps := c.edges()

		if fatal := c.fatalErr(); fatal != nil {
			return outcome{err: fatal}, deps
		}
		if err == nil {
			return outcome{value: value}, deps
		}
		if ctx.Err() != nil {
			return outcome{err: err}, nil
		}
		if !retried && retryOnce(err) {
			retried = true
			g.logger.Warn("rerunning rule after recoverable store error", "node", e.key.ID(), "error", err)
			continue
		}
		var cyc *CycleError
		var re *RuleError
		if !errors.As(err, &cyc) && !errors.As(err, &re) {
			err = &RuleError{Key: e.key, Err: err}
		}
		return outcome{err: err}, deps
	}
}

func (g *Graph) call(ctx context.Context, e *entry, c *Context) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRulePanicked, p)
		}
	}()
	return e.rule.Run(ctx, c)
}

func (g *Graph) finish(ctx context.Context, r *run, o outcome, deps []dep, reused bool) {
	e := r.entry
	var events []trace.Event
	var dropped []int

	e.mu.Lock()
	stale := r.invalidated || (!reused && o.err != nil && ctx.Err() != nil)
	switch {
	case stale:
		if r.cleaning && !r.invalidated {
			e.state = r.prior
			e.dirty = true
		} else {
			e.state = Pending
			e.deps = nil
		}
		r.retry = true
	case reused:
		e.state = r.prior
		e.dirty = r.dirtied
		r.result = e.result
		g.cleaned.Add(1)
		events = append(events, trace.Event{Kind: trace.EventNodeCleaned, Node: e.key.ID()})
	default:
		gen := g.epoch.Load()
		if o.err == nil && e.hasResult && e.result.err == nil && equalValues(e.result.value, o.value) {
			gen = e.result.gen
		}
		o.gen = gen
		g.swapRetainedLocked(e, o)
		e.result = o
		e.hasResult = true
		e.deps = deps
		dropped = e.pruneEdgesLocked(deps)
		e.state = Completed
		if o.err != nil {
			e.state = Failed
		}
		e.dirty = r.dirtied
		r.result = o
		g.ran.Add(1)

		reason := "Pending"
		if r.cleaning {
			reason = "DependencyChanged"
		}
		events = append(events, trace.Event{Kind: trace.EventNodeRan, Node: e.key.ID(), Reason: reason})
		if o.err != nil {
			events = append(events, trace.Event{Kind: trace.EventNodeFailed, Node: e.key.ID(), Reason: failureReason(o.err)})
		}
	}
	if r.dirtied && !stale {
		r.retry = true
	}
	e.run = nil
	e.current.Store(nil)
	e.publishLocked()
	e.mu.Unlock()

	for _, id := range dropped {
		g.entryAt(id).removeDependent(e.id, r.seq)
	}
	close(r.done)

	for _, ev := range events {
		trace.SafeRecord(g.sink, ev)
	}
	if stale {
		g.logger.Debug("discarded stale run", "node", e.key.ID())
	} else if o.err != nil {
		g.logger.Debug("node failed", "node", e.key.ID(), "error", o.err)
	}
}

func (g *Graph) swapRetainedLocked(e *entry, next outcome) {
	if g.retainer == nil {
		return
	}
	wasRetained, prev := e.retained, e.result.value
	e.retained = false
	if next.err == nil {
		g.retainer.Retain(next.value)
		e.retained = true
	}
	if wasRetained {
		g.retainer.Release(prev)
	}
}

func failureReason(err error) string {
	var cyc *CycleError
	switch {
	case errors.As(err, &cyc):
		return "Cycle"
	case IsFatal(err):
		return "Fatal"
	default:
		return "RuleError"
	}
}

func equalValues(a, b any) bool {
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

// Invalidate clears the given keys and dirties everything that transitively
// depends on them. It advances the global generation once.
func (g *Graph) Invalidate(keys ...Key) InvalidationResult {
	var roots []*entry
	for _, k := range keys {
		if e := g.lookup(k); e != nil {
			roots = append(roots, e)
		}
	}
	return g.invalidate(roots)
}

// InvalidateWhere invalidates every known key for which pred returns true.
func (g *Graph) InvalidateWhere(pred func(Key) bool) InvalidationResult {
	g.arenaMu.RLock()
	all := append([]*entry(nil), g.arena...)
	g.arenaMu.RUnlock()
	var roots []*entry
	for _, e := range all {
		if pred(e.key) {
			roots = append(roots, e)
		}
	}
	return g.invalidate(roots)
}

func (g *Graph) invalidate(roots []*entry) InvalidationResult {
	if len(roots) == 0 {
		return InvalidationResult{Generation: g.epoch.Load()}
	}
	res := InvalidationResult{Generation: g.epoch.Add(1)}
	g.invalidations.Add(1)

	type item struct {
		id    int
		cause string
	}
	visited := make(map[int]bool)
	var queue []item
	var events []trace.Event

	for _, e := range roots {
		if visited[e.id] {
			continue
		}
		visited[e.id] = true
		e.mu.Lock()
		cleared := true
		switch e.state {
		case Running:
			e.run.invalidated = true
			e.run.cancel()
		case Completed, Failed:
			if e.retained {
				g.retainer.Release(e.result.value)
				e.retained = false
			}
			e.state = Pending
			e.dirty = false
			e.deps = nil
		default:
			cleared = false
		}
		e.publishLocked()
		for _, id := range e.dependentIDs() {
			queue = append(queue, item{id: id, cause: e.key.ID()})
		}
		e.mu.Unlock()
		if cleared {
			res.Cleared++
			events = append(events, trace.Event{Kind: trace.EventNodeInvalidated, Node: e.key.ID(), Reason: "Cleared"})
		}
	}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if visited[it.id] {
			continue
		}
		visited[it.id] = true
		e := g.entryAt(it.id)
		e.mu.Lock()
		changed := false
		switch e.state {
		case Completed, Failed:
			if !e.dirty {
				e.dirty = true
				changed = true
			}
		case Running:
			if !e.run.dirtied {
				e.run.dirtied = true
				changed = true
			}
		}
		e.publishLocked()
		for _, id := range e.dependentIDs() {
			queue = append(queue, item{id: id, cause: e.key.ID()})
		}
		e.mu.Unlock()
		if changed {
			res.Dirtied++
			events = append(events, trace.Event{Kind: trace.EventNodeDirtied, Node: e.key.ID(), Cause: it.cause})
		}
	}

	for _, ev := range events {
		trace.SafeRecord(g.sink, ev)
	}
	g.logger.Debug("invalidated", "cleared", res.Cleared, "dirtied", res.Dirtied, "generation", res.Generation)
	return res
}

// Inspect returns the current view of key.
func (g *Graph) Inspect(key Key) (NodeInfo, bool) {
	e := g.lookup(key)
	if e == nil {
		return NodeInfo{}, false
	}
	e.mu.Lock()
	info := NodeInfo{Key: e.key, State: e.state, Dirty: e.dirty, Generation: e.result.gen}
	deps := append([]dep(nil), e.deps...)
	e.mu.Unlock()
	for _, d := range deps {
		info.Deps = append(info.Deps, g.entryAt(d.id).key)
	}
	return info, true
}

// State returns the lifecycle state of key.
func (g *Graph) State(key Key) (State, bool) {
	info, ok := g.Inspect(key)
	return info.State, ok
}

// Generation returns the generation at which key's value last changed.
func (g *Graph) Generation(key Key) (uint64, bool) {
	info, ok := g.Inspect(key)
	return info.Generation, ok
}

// CurrentGeneration returns the global invalidation epoch.
func (g *Graph) CurrentGeneration() uint64 { return g.epoch.Load() }

// Stats returns cumulative counters.
func (g *Graph) Stats() Stats {
	g.arenaMu.RLock()
	n := len(g.arena)
	g.arenaMu.RUnlock()
	return Stats{
		Ran:            g.ran.Load(),
		Cleaned:        g.cleaned.Load(),
		CleaningFailed: g.cleaningFailed.Load(),
		Invalidations:  g.invalidations.Load(),
		Nodes:          n,
	}
}

func (g *Graph) pathCycle(path []int, e *entry) *CycleError {
	start := 0
	for i, id := range path {
		if id == e.id {
			start = i
			break
		}
	}
	keys := make([]Key, 0, len(path)-start+1)
	for _, id := range path[start:] {
		keys = append(keys, g.entryAt(id).key)
	}
	keys = append(keys, e.key)
	return &CycleError{Path: keys}
}

// block records that waiter is suspended on target's run r and fails if r
// (transitively) waits on waiter's own node. This catches cycles between runs
// started by different requesters, which the request path cannot see.
func (g *Graph) block(waiter *run, target *entry, r *run) error {
	g.waitMu.Lock()
	defer g.waitMu.Unlock()
	if waiter.blockedOn == nil {
		waiter.blockedOn = make(map[*entry]int)
	}
	waiter.blockedOn[target]++

	visited := make(map[*run]bool)
	var chain []*entry
	var dfs func(x *run) bool
	dfs = func(x *run) bool {
		if visited[x] {
			return false
		}
		visited[x] = true
		for be := range x.blockedOn {
			if be == waiter.entry {
				chain = append(chain, be)
				return true
			}
			if next := be.current.Load(); next != nil {
				chain = append(chain, be)
				if dfs(next) {
					return true
				}
				chain = chain[:len(chain)-1]
			}
		}
		return false
	}
	if !dfs(r) {
		return nil
	}
	g.releaseBlockLocked(waiter, target)
	keys := []Key{waiter.entry.key, target.key}
	for _, be := range chain {
		keys = append(keys, be.key)
	}
	return &CycleError{Path: keys}
}

func (g *Graph) unblock(waiter *run, target *entry) {
	g.waitMu.Lock()
	g.releaseBlockLocked(waiter, target)
	g.waitMu.Unlock()
}

func (g *Graph) releaseBlockLocked(waiter *run, target *entry) {
	if n := waiter.blockedOn[target]; n > 1 {
		waiter.blockedOn[target] = n - 1
	} else {
		delete(waiter.blockedOn, target)
	}
}
