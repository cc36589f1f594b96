// Package engine assembles a working build core from configuration: content
// store tiers, the executor chain, the computation graph with its
// invalidator, and the scheduler that drives root requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"

	"buildcore/internal/cas"
	"buildcore/internal/cas/redisstore"
	"buildcore/internal/config"
	"buildcore/internal/ctxlog"
	"buildcore/internal/digest"
	"buildcore/internal/exec"
	"buildcore/internal/graph"
	"buildcore/internal/history"
	"buildcore/internal/invalidate"
	"buildcore/internal/merkle"
	"buildcore/internal/metrics"
	"buildcore/internal/remote"
	"buildcore/internal/scheduler"
	"buildcore/internal/trace"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
	trace  trace.Sink
	conn   grpc.ClientConnInterface
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTrace adds a sink that receives every graph and executor event.
func WithTrace(s trace.Sink) Option { return func(o *options) { o.trace = s } }

// WithConn makes the remote tiers use conn instead of dialing
// remote.target. The caller keeps ownership of conn.
func WithConn(conn grpc.ClientConnInterface) Option { return func(o *options) { o.conn = conn } }

// Engine owns every long-lived component. It is safe for concurrent use.
type Engine struct {
	cfg       config.Config
	workspace string
	logger    *slog.Logger
	policy    merkle.Policy

	local   *cas.Local
	store   cas.Store
	cache   exec.ActionCache
	bounded *exec.Bounded
	runner  exec.Runner
	history *history.Store

	graph       *graph.Graph
	index       *invalidate.Index
	invalidator *invalidate.Invalidator
	scheduler   *scheduler.Scheduler
	metrics     *metrics.Metrics

	// actions holds actions submitted through Execute so that flags not
	// carried by the action digest (Retryable, Description) survive.
	actions sync.Map

	stopWatch context.CancelFunc
	watchDone chan struct{}

	closeOnce sync.Once
	closers   []func() error
}

// Open builds an Engine from cfg. On error every component opened so far
// is closed again.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	}
	ctx = ctxlog.WithLogger(ctx, o.logger)

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", cfg.Workspace, err)
	}
	e := &Engine{
		cfg:       cfg,
		workspace: workspace,
		logger:    o.logger,
		policy:    merkle.Policy{IncludeExecutable: cfg.Exec.IncludeExecutable, Symlinks: merkle.SymlinksPreserve},
		index:     invalidate.NewIndex(),
		metrics:   metrics.New(),
	}
	if cfg.Exec.FollowSymlinks {
		e.policy.Symlinks = merkle.SymlinksFollow
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	sink := trace.Sink(e.metrics)
	if o.trace != nil {
		sink = trace.Multi(e.metrics, o.trace)
	}

	conn, err := e.remoteConn(ctx, o.conn)
	if err != nil {
		return nil, err
	}
	if err := e.openStores(conn); err != nil {
		return nil, err
	}
	if err := e.openExecutor(conn, sink); err != nil {
		return nil, err
	}

	e.graph = graph.New(graph.Options{
		MaxConcurrentRules: cfg.Graph.MaxConcurrentRules,
		Observer:           e.index,
		Retainer:           newRetainer(e.store, e.logger),
		Trace:              sink,
		Logger:             e.logger,
	})
	if err := e.registerIntrinsics(); err != nil {
		return nil, err
	}
	e.invalidator = invalidate.New(e.graph, e.index, invalidate.Options{Debounce: cfg.Watch.Debounce, Logger: e.logger})
	e.scheduler = scheduler.New(e.graph, scheduler.Options{MaxRoots: cfg.Scheduler.MaxRoots, Logger: e.logger})
	e.closers = append(e.closers, func() error { e.scheduler.Close(); return nil })

	if err := e.metrics.RegisterGraph(e.graph.Stats); err != nil {
		return nil, err
	}
	if err := e.metrics.RegisterExecutor(e.bounded); err != nil {
		return nil, err
	}

	if cfg.Watch.Enabled {
		if err := e.watch(ctx); err != nil {
			return nil, err
		}
	}
	e.logger.Info("engine ready",
		"workspace", e.workspace,
		"cas", cfg.CAS.Dir,
		"remote", cfg.Remote.Target,
		"remote_execution", cfg.Remote.Execute,
		"watch", cfg.Watch.Enabled)
	return e, nil
}

func (e *Engine) remoteConn(ctx context.Context, conn grpc.ClientConnInterface) (grpc.ClientConnInterface, error) {
	if conn != nil {
		return conn, nil
	}
	if e.cfg.Remote.Target == "" {
		return nil, nil
	}
	cc, err := remote.Dial(ctx, e.cfg.Remote.Target)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, cc.Close)
	if err := remote.CheckCapabilities(ctx, cc, e.cfg.Remote.Instance, e.cfg.Remote.Execute); err != nil {
		e.logger.Warn("remote capabilities check failed", "target", e.cfg.Remote.Target, "error", err)
	}
	return cc, nil
}

func (e *Engine) remoteOptions() remote.Options {
	r := e.cfg.Remote
	return remote.Options{
		Instance:      r.Instance,
		MaxBatchBytes: r.MaxBatchBytes,
		Concurrency:   r.Concurrency,
		Retry: remote.RetryPolicy{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff,
			MaxBackoff:     r.Retry.MaxBackoff,
		},
		Logger: e.logger,
	}
}

// openStores stacks the content store tiers (disk, then Redis, then the
// remote CAS) and the matching action cache tiers.
func (e *Engine) openStores(conn grpc.ClientConnInterface) error {
	local, err := cas.OpenLocal(e.cfg.CAS.Dir, cas.LocalOptions{MaxBytes: e.cfg.CAS.MaxBytes, Logger: e.logger})
	if err != nil {
		return err
	}
	e.local = local
	e.store = local

	var cache exec.ActionCache = exec.NewMemoryCache()
	if p := e.cfg.Cache.Path; p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("action cache dir: %w", err)
		}
		bolt, err := exec.OpenBoltCache(p)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, bolt.Close)
		cache = bolt
	}

	if r := e.cfg.Redis; r.Addr != "" {
		rs, err := redisstore.New(redisstore.Options{Addr: r.Addr, Password: r.Password, DB: r.DB, TTL: r.TTL})
		if err != nil {
			return err
		}
		e.closers = append(e.closers, rs.Close)
		e.store = &cas.Tiered{Local: e.store, Remote: rs, WriteRemote: true, Logger: e.logger}
		cache = exec.TieredCache{Local: cache, Remote: exec.BackendCache{Backend: rs}}
	}

	if conn != nil {
		opts := e.remoteOptions()
		rc := remote.NewCAS(conn, opts)
		// Remote execution uploads inputs itself; a cache-only remote gets
		// every new blob so that its action results stay complete.
		e.store = &cas.Tiered{Local: e.store, Remote: rc, WriteRemote: !e.cfg.Remote.Execute, Logger: e.logger}
		cache = exec.TieredCache{Local: cache, Remote: remote.NewActionCache(conn, e.store, opts)}
	}
	e.cache = cache
	return nil
}

// openExecutor builds
//
//	Recorded(Retrying(Cached(Bounded(Fallback(remote, local)))))
//
// leaving out the layers that are not configured.
func (e *Engine) openExecutor(conn grpc.ClientConnInterface, sink trace.Sink) error {
	if dir := e.cfg.Exec.SandboxRoot; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sandbox root: %w", err)
		}
	}
	var runner exec.Runner = exec.NewLocal(e.store, exec.LocalOptions{
		SandboxRoot:   e.cfg.Exec.SandboxRoot,
		KeepSandboxes: e.cfg.Exec.KeepSandboxes,
		Policy:        e.policy,
		Logger:        e.logger,
	})
	if e.cfg.Remote.Execute && conn != nil {
		primary := remote.NewExecutor(conn, e.store, e.remoteOptions())
		if e.cfg.Remote.Fallback {
			runner = &exec.Fallback{Primary: primary, Secondary: runner, Trace: sink, Logger: e.logger}
		} else {
			runner = primary
		}
	}
	e.bounded = exec.NewBounded(runner, e.cfg.Exec.MaxParallel)
	runner = exec.NewCached(e.bounded, e.cache, e.store, exec.CachedOptions{
		CacheFailures: e.cfg.Cache.CacheFailures,
		Trace:         sink,
		Logger:        e.logger,
	})
	r := e.cfg.Exec.Retry
	runner = exec.NewRetrying(runner, exec.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
	}, sink, e.logger)

	if p := e.cfg.History.Path; p != "" {
		h, err := history.Open(p)
		if err != nil {
			return err
		}
		e.history = h
		e.closers = append(e.closers, h.Close)
		runner = exec.NewRecorded(runner, h, e.logger)
	}
	e.runner = runner
	return nil
}

func (e *Engine) watch(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := invalidate.Watch(wctx, e.workspace, e.cfg.Watch.Interval)
	if err != nil {
		cancel()
		return err
	}
	e.stopWatch = cancel
	e.watchDone = make(chan struct{})
	go func() {
		defer close(e.watchDone)
		if err := e.invalidator.Run(wctx, events); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("watcher stopped", "error", err)
		}
	}()
	e.closers = append(e.closers, func() error {
		e.stopWatch()
		<-e.watchDone
		return nil
	})
	return nil
}

// Close stops the watcher and the scheduler and releases every store.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Health reports whether the stores are usable.
func (e *Engine) Health(ctx context.Context) error {
	if _, err := e.local.Has(ctx, digest.Empty); err != nil {
		return fmt.Errorf("cas: %w", err)
	}
	if e.history != nil {
		if err := e.history.Ping(ctx); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	return nil
}

func (e *Engine) Workspace() string                    { return e.workspace }
func (e *Engine) Policy() merkle.Policy                { return e.policy }
func (e *Engine) Store() cas.Store                     { return e.store }
func (e *Engine) ActionCache() exec.ActionCache        { return e.cache }
func (e *Engine) Runner() exec.Runner                  { return e.runner }
func (e *Engine) Graph() *graph.Graph                  { return e.graph }
func (e *Engine) Invalidator() *invalidate.Invalidator { return e.invalidator }
func (e *Engine) Scheduler() *scheduler.Scheduler      { return e.scheduler }
func (e *Engine) Metrics() *metrics.Metrics            { return e.metrics }

// History is nil when history.path is empty.
func (e *Engine) History() *history.Store { return e.history }

// Register adds a rule to the graph.
func (e *Engine) Register(r graph.Rule) error { return e.graph.Register(r) }

// Get evaluates key through the scheduler.
func (e *Engine) Get(ctx context.Context, key graph.Key) (any, error) {
	return e.scheduler.Get(ctx, key)
}

// retainer pins the content referenced by values held in valid nodes. Tree
// roots are pinned together with every directory and file blob beneath them.
// The closure computed when a root is first retained is remembered so that
// Release unpins exactly what Retain pinned.
type retainer struct {
	store  cas.Store
	logger *slog.Logger

	mu    sync.Mutex
	trees map[digest.Digest]*closure
}

type closure struct {
	refs    int
	digests []digest.Digest
}

func newRetainer(store cas.Store, logger *slog.Logger) *retainer {
	return &retainer{store: store, logger: logger, trees: make(map[digest.Digest]*closure)}
}

// refs splits the content a value references into plain blobs and tree
// roots. A bare digest may name either; it is treated as a tree and falls
// back to a single blob when it does not parse as one.
func refs(v any) (blobs, trees []digest.Digest) {
	switch v := v.(type) {
	case FileDigest:
		return []digest.Digest{v.Digest}, nil
	case digest.Digest:
		return nil, []digest.Digest{v}
	case *exec.Result:
		if v != nil {
			return []digest.Digest{v.Stdout, v.Stderr}, []digest.Digest{v.OutputRoot}
		}
	}
	return nil, nil
}

func (r *retainer) Retain(v any) {
	p, ok := r.store.(cas.Pinner)
	if !ok {
		return
	}
	blobs, trees := refs(v)
	for _, d := range blobs {
		p.Pin(d)
	}
	for _, root := range trees {
		for _, d := range r.acquire(root) {
			p.Pin(d)
		}
	}
}

func (r *retainer) Release(v any) {
	p, ok := r.store.(cas.Pinner)
	if !ok {
		return
	}
	blobs, trees := refs(v)
	for _, d := range blobs {
		p.Unpin(d)
	}
	for _, root := range trees {
		for _, d := range r.release(root) {
			p.Unpin(d)
		}
	}
}

func (r *retainer) acquire(root digest.Digest) []digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.trees[root]; ok {
		c.refs++
		return c.digests
	}
	ds, err := merkle.Walk(context.Background(), r.store, root)
	if err != nil {
		r.logger.Debug("pinning digest without tree closure", "digest", root.String(), "error", err)
		ds = []digest.Digest{root}
	}
	r.trees[root] = &closure{refs: 1, digests: ds}
	return ds
}

func (r *retainer) release(root digest.Digest) []digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.trees[root]
	if !ok {
		return nil
	}
	if c.refs--; c.refs == 0 {
		delete(r.trees, root)
	}
	return c.digests
}
