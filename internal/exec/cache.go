package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
	"buildcore/internal/merkle"
	"buildcore/internal/trace"
)

// ActionCache maps action digests to results. Lookup returns (nil, nil) on
// a miss.
type ActionCache interface {
	Lookup(ctx context.Context, action digest.Digest) (*Result, error)
	Record(ctx context.Context, action digest.Digest, r *Result) error
}

// MemoryCache is an in-process ActionCache.
type MemoryCache struct {
	mu      sync.RWMutex
	results map[digest.Digest]Result
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{results: make(map[digest.Digest]Result)}
}

func (m *MemoryCache) Lookup(_ context.Context, d digest.Digest) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[d]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryCache) Record(_ context.Context, d digest.Digest, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *r
	stored.Meta = Metadata{}
	m.results[d] = stored
	return nil
}

// Len returns the number of cached results.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

var actionsBucket = []byte("actions")

// BoltCache is an ActionCache persisted in a bbolt database. Entries are
// JSON-encoded results keyed by the action digest string.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens (creating if needed) the cache database at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening action cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(actionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating action cache bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Close() error { return c.db.Close() }

func (c *BoltCache) Lookup(_ context.Context, d digest.Digest) (*Result, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(actionsBucket).Get([]byte(d.String())); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	return decodeResult(data)
}

func (c *BoltCache) Record(_ context.Context, d digest.Digest, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(actionsBucket).Put([]byte(d.String()), data)
	})
}

// ResultBackend stores opaque encoded results, e.g. redisstore.Store.
// A miss is reported as cas.ErrNotFound.
type ResultBackend interface {
	GetActionResult(ctx context.Context, action digest.Digest) ([]byte, error)
	PutActionResult(ctx context.Context, action digest.Digest, data []byte) error
}

// BackendCache adapts a ResultBackend to ActionCache.
type BackendCache struct {
	Backend ResultBackend
}

func (c BackendCache) Lookup(ctx context.Context, d digest.Digest) (*Result, error) {
	data, err := c.Backend.GetActionResult(ctx, d)
	if errors.Is(err, cas.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeResult(data)
}

func (c BackendCache) Record(ctx context.Context, d digest.Digest, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return c.Backend.PutActionResult(ctx, d, data)
}

func decodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding cached result: %w", err)
	}
	return &r, nil
}

// TieredCache consults Local first, then Remote, copying remote hits into
// Local. Records go to both tiers.
type TieredCache struct {
	Local  ActionCache
	Remote ActionCache
}

func (t TieredCache) Lookup(ctx context.Context, d digest.Digest) (*Result, error) {
	if t.Local != nil {
		r, err := t.Local.Lookup(ctx, d)
		if err != nil || r != nil {
			return r, err
		}
	}
	if t.Remote == nil {
		return nil, nil
	}
	r, err := t.Remote.Lookup(ctx, d)
	if err != nil || r == nil {
		return r, err
	}
	if t.Local != nil {
		if err := t.Local.Record(ctx, d, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (t TieredCache) Record(ctx context.Context, d digest.Digest, r *Result) error {
	if t.Local != nil {
		if err := t.Local.Record(ctx, d, r); err != nil {
			return err
		}
	}
	if t.Remote != nil {
		return t.Remote.Record(ctx, d, r)
	}
	return nil
}

// CachedOptions configures a Cached runner.
type CachedOptions struct {
	// CacheFailures also records results with a non-zero exit code.
	CacheFailures bool
	Trace         trace.Sink
	Logger        *slog.Logger
}

// Cached serves actions from an ActionCache and runs the inner runner on a
// miss. A cached result is only used if every blob it references is still
// present in the store.
type Cached struct {
	inner Runner
	cache ActionCache
	store cas.Store
	opts  CachedOptions
}

func NewCached(inner Runner, cache ActionCache, store cas.Store, opts CachedOptions) *Cached {
	if opts.Trace == nil {
		opts.Trace = trace.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cached{inner: inner, cache: cache, store: store, opts: opts}
}

func (c *Cached) Run(ctx context.Context, a *Action) (*Result, error) {
	ad, err := a.Digest()
	if err != nil {
		return nil, err
	}
	if !a.NoCache {
		hit, err := c.lookup(ctx, ad)
		if err != nil {
			c.opts.Logger.Warn("action cache lookup failed", "action", ad.String(), "error", err)
		} else if hit != nil {
			hit.Meta = Metadata{Location: LocationCache, CacheHit: true}
			trace.SafeRecord(c.opts.Trace, trace.Event{Kind: trace.EventActionCacheHit, Action: ad.String()})
			return hit, nil
		}
	}

	res, err := c.inner.Run(ctx, a)
	if err != nil {
		return nil, err
	}
	trace.SafeRecord(c.opts.Trace, trace.Event{Kind: trace.EventActionExecuted, Action: ad.String(), Reason: res.Meta.Location})
	if a.NoCache || (res.ExitCode != 0 && !c.opts.CacheFailures) {
		return res, nil
	}
	if err := c.cache.Record(ctx, ad, res); err != nil {
		c.opts.Logger.Warn("recording action result failed", "action", ad.String(), "error", err)
	}
	return res, nil
}

// lookup returns a cached result whose blobs are all present, or nil.
func (c *Cached) lookup(ctx context.Context, ad digest.Digest) (*Result, error) {
	hit, err := c.cache.Lookup(ctx, ad)
	if err != nil || hit == nil {
		return nil, err
	}
	want := []digest.Digest{hit.Stdout, hit.Stderr}
	tree, err := merkle.Walk(ctx, c.store, hit.OutputRoot)
	if err != nil {
		c.opts.Logger.Info("cached result has an unreadable output tree", "action", ad.String(), "error", err)
		return nil, nil
	}
	want = append(want, tree...)
	missing, err := c.store.FindMissing(ctx, want)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		c.opts.Logger.Info("cached result references missing blobs", "action", ad.String(), "missing", len(missing))
		return nil, nil
	}
	return hit.clone(), nil
}
