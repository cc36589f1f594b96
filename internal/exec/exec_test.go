package exec

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore/internal/cas"
	"buildcore/internal/cas/redisstore"
	"buildcore/internal/ctxlog"
	"buildcore/internal/digest"
	"buildcore/internal/merkle"
	"buildcore/internal/trace"
)

func inputTree(t *testing.T, store cas.Store, files map[string]string) digest.Digest {
	t.Helper()
	ctx := context.Background()
	b := merkle.NewBuilder(merkle.DefaultPolicy)
	for p, content := range files {
		d, err := store.Store(ctx, []byte(content))
		require.NoError(t, err)
		require.NoError(t, b.AddFile(merkle.File{Path: p, Digest: d}))
	}
	root, err := b.Build(ctx, store)
	require.NoError(t, err)
	return root
}

func shell(script string) *Action {
	return &Action{
		Argv:      []string{"/bin/sh", "-c", script},
		InputRoot: merkle.EmptyDigest,
	}
}

func load(t *testing.T, store cas.Store, d digest.Digest) string {
	t.Helper()
	data, err := store.Load(context.Background(), d)
	require.NoError(t, err)
	return string(data)
}

func newLocal(store cas.Store, t *testing.T) *Local {
	return NewLocal(store, LocalOptions{SandboxRoot: t.TempDir(), Policy: merkle.DefaultPolicy, Logger: ctxlog.Discard()})
}

func TestActionDigest_Canonical(t *testing.T) {
	a := &Action{
		Argv:              []string{"cc", "-c", "a.c"},
		Env:               map[string]string{"B": "2", "A": "1"},
		InputRoot:         merkle.EmptyDigest,
		OutputFiles:       []string{"b.o", "a.o"},
		OutputDirectories: []string{"gen"},
		Timeout:           time.Minute,
		Platform:          map[string]string{"os": "linux"},
		Description:       "compile a.c",
	}
	b := *a
	b.Env = map[string]string{"A": "1", "B": "2"}
	b.OutputFiles = []string{"a.o", "b.o"}
	b.Description = "something else"
	b.Retryable = true

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	c := b
	c.NoCache = true
	dc, err := c.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)

	d := b
	d.Argv = []string{"cc", "-c", "b.c"}
	dd, err := d.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, dd)
}

func TestActionFromProto_RoundTrip(t *testing.T) {
	a := &Action{
		Argv:              []string{"tool", "--flag"},
		Env:               map[string]string{"PATH": "/bin"},
		InputRoot:         merkle.EmptyDigest,
		OutputFiles:       []string{"out.txt"},
		OutputDirectories: []string{"gen"},
		WorkingDirectory:  "sub",
		Timeout:           3 * time.Second,
		Platform:          map[string]string{"arch": "amd64"},
		NoCache:           true,
	}
	enc, err := a.Encode()
	require.NoError(t, err)
	back, err := ActionFromProto(enc.Action, a.Command())
	require.NoError(t, err)
	assert.Equal(t, a, back)
	d, err := back.Digest()
	require.NoError(t, err)
	assert.Equal(t, enc.ActionDigest, d)
}

func TestAction_Validate(t *testing.T) {
	for name, a := range map[string]*Action{
		"no argv":        {InputRoot: merkle.EmptyDigest},
		"no input root":  {Argv: []string{"x"}},
		"absolute out":   {Argv: []string{"x"}, InputRoot: merkle.EmptyDigest, OutputFiles: []string{"/etc/passwd"}},
		"escaping out":   {Argv: []string{"x"}, InputRoot: merkle.EmptyDigest, OutputDirectories: []string{"../up"}},
		"bad env":        {Argv: []string{"x"}, InputRoot: merkle.EmptyDigest, Env: map[string]string{"A=B": "c"}},
		"negative limit": {Argv: []string{"x"}, InputRoot: merkle.EmptyDigest, Timeout: -time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, a.Validate(), ErrInvalidAction)
		})
	}
}

func TestLocal_RunsInSandboxAndCapturesOutputs(t *testing.T) {
	store := cas.NewMemory()
	ctx := context.Background()
	a := shell(`cat src/in.txt > out/copy.txt && mkdir -p gen/deep && echo generated > gen/deep/g.txt && echo done && echo warn >&2`)
	a.InputRoot = inputTree(t, store, map[string]string{"src/in.txt": "hello"})
	a.OutputFiles = []string{"out/copy.txt", "missing.txt"}
	a.OutputDirectories = []string{"gen"}

	res, err := newLocal(store, t).Run(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "done\n", load(t, store, res.Stdout))
	assert.Equal(t, "warn\n", load(t, store, res.Stderr))
	assert.Equal(t, LocationLocal, res.Meta.Location)

	tree, err := merkle.Expand(ctx, store, res.OutputRoot)
	require.NoError(t, err)
	var files []string
	for _, e := range tree.Files() {
		files = append(files, e.Path)
	}
	assert.Equal(t, []string{"gen/deep/g.txt", "out/copy.txt"}, files)
	copyEntry, _ := tree.Lookup("out/copy.txt")
	assert.Equal(t, "hello", load(t, store, copyEntry.Digest))
}

func TestLocal_EnvironmentIsAllowListed(t *testing.T) {
	t.Setenv("BUILDCORE_LEAK", "secret")
	store := cas.NewMemory()
	a := shell(`echo "leak=$BUILDCORE_LEAK declared=$DECLARED"`)
	a.Env = map[string]string{"DECLARED": "yes"}

	res, err := newLocal(store, t).Run(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "leak= declared=yes\n", load(t, store, res.Stdout))
}

func TestLocal_NonZeroExitIsAResult(t *testing.T) {
	store := cas.NewMemory()
	a := shell(`echo partial > out.txt; exit 3`)
	a.OutputFiles = []string{"out.txt"}

	res, err := newLocal(store, t).Run(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, merkle.EmptyDigest, res.OutputRoot, "failed actions report no outputs")
}

func TestLocal_TimeoutKillsProcessGroup(t *testing.T) {
	store := cas.NewMemory()
	a := shell(`sleep 30 & sleep 30; wait`)
	a.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := newLocal(store, t).Run(context.Background(), a)
	require.Error(t, err)
	assert.True(t, IsKind(err, Timeout), "got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocal_CancellationStopsProcess(t *testing.T) {
	store := cas.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newLocal(store, t).Run(ctx, shell(`sleep 30`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_StartFailureIsSandboxSetup(t *testing.T) {
	store := cas.NewMemory()
	a := &Action{Argv: []string{filepath.Join(t.TempDir(), "no-such-binary")}, InputRoot: merkle.EmptyDigest}
	_, err := newLocal(store, t).Run(context.Background(), a)
	assert.True(t, IsKind(err, SandboxSetupFailure), "got %v", err)
}

func TestLocal_BareProgramNeedsDeclaredPath(t *testing.T) {
	store := cas.NewMemory()
	l := newLocal(store, t)

	_, err := l.Run(context.Background(), &Action{Argv: []string{"sh", "-c", "true"}, InputRoot: merkle.EmptyDigest})
	assert.True(t, IsKind(err, SandboxSetupFailure), "got %v", err)

	_, err = l.Run(context.Background(), &Action{
		Argv:      []string{"sh", "-c", "true"},
		Env:       map[string]string{"PATH": t.TempDir()},
		InputRoot: merkle.EmptyDigest,
	})
	assert.True(t, IsKind(err, SandboxSetupFailure), "host PATH must not be consulted: %v", err)

	res, err := l.Run(context.Background(), &Action{
		Argv:      []string{"sh", "-c", "echo found"},
		Env:       map[string]string{"PATH": "/bin:/usr/bin"},
		InputRoot: merkle.EmptyDigest,
	})
	require.NoError(t, err)
	assert.Equal(t, "found\n", load(t, store, res.Stdout))
}

func TestLocal_KeepSandboxes(t *testing.T) {
	store := cas.NewMemory()
	root := t.TempDir()
	l := NewLocal(store, LocalOptions{SandboxRoot: root, KeepSandboxes: true, Logger: ctxlog.Discard()})
	_, err := l.Run(context.Background(), shell(`touch marker`))
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(root, "sandbox-*", "marker"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

// fakeRunner stores fixed outputs and counts executions.
type fakeRunner struct {
	store cas.Store
	calls atomic.Int32
	exit  int
	err   func(n int32) error
}

func (f *fakeRunner) Run(ctx context.Context, a *Action) (*Result, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		if err := f.err(n); err != nil {
			return nil, err
		}
	}
	out, err := f.store.Store(ctx, []byte(fmt.Sprintf("run %s", a.Description)))
	if err != nil {
		return nil, err
	}
	b := merkle.NewBuilder(merkle.DefaultPolicy)
	if err := b.AddFile(merkle.File{Path: "out.txt", Digest: out}); err != nil {
		return nil, err
	}
	root, err := b.Build(ctx, f.store)
	if err != nil {
		return nil, err
	}
	return &Result{ExitCode: f.exit, Stdout: out, Stderr: digest.Empty, OutputRoot: root, Meta: Metadata{Location: LocationLocal, Attempts: 1}}, nil
}

func TestCached_HitSkipsExecution(t *testing.T) {
	store := cas.NewMemory()
	_, err := store.Store(context.Background(), nil)
	require.NoError(t, err)
	inner := &fakeRunner{store: store}
	rec := trace.NewRecorder()
	c := NewCached(inner, NewMemoryCache(), store, CachedOptions{Trace: rec, Logger: ctxlog.Discard()})
	a := shell("true")
	a.Description = "x"

	first, err := c.Run(context.Background(), a)
	require.NoError(t, err)
	second, err := c.Run(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	assert.True(t, first.Equal(second))
	assert.True(t, second.Meta.CacheHit)
	assert.Equal(t, LocationCache, second.Meta.Location)

	ad, _ := a.Digest()
	assert.Equal(t, 1, rec.Count(trace.EventActionExecuted, ad.String()))
	assert.Equal(t, 1, rec.Count(trace.EventActionCacheHit, ad.String()))
}

func TestCached_MissingBlobsForceRerun(t *testing.T) {
	store := cas.NewMemory()
	_, _ = store.Store(context.Background(), nil)
	inner := &fakeRunner{store: store}
	c := NewCached(inner, NewMemoryCache(), store, CachedOptions{Logger: ctxlog.Discard()})
	a := shell("true")

	res, err := c.Run(context.Background(), a)
	require.NoError(t, err)
	store.Delete(res.Stdout)

	_, err = c.Run(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCached_NoCacheAndFailuresAreNotRecorded(t *testing.T) {
	store := cas.NewMemory()
	_, _ = store.Store(context.Background(), nil)
	cache := NewMemoryCache()

	inner := &fakeRunner{store: store}
	c := NewCached(inner, cache, store, CachedOptions{Logger: ctxlog.Discard()})
	a := shell("true")
	a.NoCache = true
	for i := 0; i < 2; i++ {
		_, err := c.Run(context.Background(), a)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 0, cache.Len())

	failing := &fakeRunner{store: store, exit: 1}
	c = NewCached(failing, cache, store, CachedOptions{Logger: ctxlog.Discard()})
	_, err := c.Run(context.Background(), shell("false"))
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())

	c = NewCached(failing, cache, store, CachedOptions{CacheFailures: true, Logger: ctxlog.Discard()})
	_, err = c.Run(context.Background(), shell("false"))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestBoltCache_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ac.db")
	ctx := context.Background()
	ad := digest.Of([]byte("action"))
	want := &Result{ExitCode: 2, Stdout: digest.Of([]byte("o")), Stderr: digest.Empty, OutputRoot: merkle.EmptyDigest, Meta: Metadata{Location: LocationLocal}}

	c, err := OpenBoltCache(path)
	require.NoError(t, err)
	miss, err := c.Lookup(ctx, ad)
	require.NoError(t, err)
	assert.Nil(t, miss)
	require.NoError(t, c.Record(ctx, ad, want))
	require.NoError(t, c.Close())

	c, err = OpenBoltCache(path)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Lookup(ctx, ad)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.Equal(got))
	assert.Equal(t, Metadata{}, got.Meta)
}

func TestBackendCache_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := redisstore.New(redisstore.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rs.Close()
	ctx := context.Background()

	c := BackendCache{Backend: rs}
	ad := digest.Of([]byte("action"))
	miss, err := c.Lookup(ctx, ad)
	require.NoError(t, err)
	assert.Nil(t, miss)

	want := &Result{Stdout: digest.Empty, Stderr: digest.Empty, OutputRoot: merkle.EmptyDigest}
	require.NoError(t, c.Record(ctx, ad, want))
	got, err := c.Lookup(ctx, ad)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestTieredCache_CopiesRemoteHits(t *testing.T) {
	ctx := context.Background()
	local, remote := NewMemoryCache(), NewMemoryCache()
	ad := digest.Of([]byte("a"))
	want := &Result{ExitCode: 0, Stdout: digest.Empty, Stderr: digest.Empty, OutputRoot: merkle.EmptyDigest}
	require.NoError(t, remote.Record(ctx, ad, want))

	tc := TieredCache{Local: local, Remote: remote}
	got, err := tc.Lookup(ctx, ad)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, 1, local.Len())
}

func TestRetrying_TimeoutsOfRetryableActions(t *testing.T) {
	store := cas.NewMemory()
	timeout := &ExecutionError{Kind: Timeout}
	inner := &fakeRunner{store: store, err: func(n int32) error {
		if n < 3 {
			return timeout
		}
		return nil
	}}
	rec := trace.NewRecorder()
	r := NewRetrying(inner, RetryPolicy{MaxAttempts: 3}, rec, ctxlog.Discard())

	a := shell("slow")
	a.Retryable = true
	res, err := r.Run(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Meta.Attempts)
	ad, _ := a.Digest()
	assert.Equal(t, 2, rec.Count(trace.EventActionRetried, ad.String()))

	inner.calls.Store(0)
	a.Retryable = false
	_, err = r.Run(context.Background(), a)
	assert.True(t, IsKind(err, Timeout))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetrying_NonZeroExitOfNoCacheActions(t *testing.T) {
	store := cas.NewMemory()
	inner := &fakeRunner{store: store, exit: 1}
	r := NewRetrying(inner, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, nil, ctxlog.Discard())

	a := shell("flaky")
	a.NoCache = true
	_, err := r.Run(context.Background(), a)
	var ee *ExecutionError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, NonZeroExit, ee.Kind)
	assert.Equal(t, 1, ee.ExitCode)
	assert.Equal(t, int32(3), inner.calls.Load())

	// Cacheable actions report a non-zero exit as a plain result.
	inner.calls.Store(0)
	res, err := r.Run(context.Background(), shell("flaky"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestBounded_LimitsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	inner := RunnerFunc(func(ctx context.Context, a *Action) (*Result, error) {
		now := active.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &Result{}, nil
	})
	b := NewBounded(inner, 3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Run(context.Background(), shell("x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(0), b.InFlight())
}

func TestFallback(t *testing.T) {
	local := RunnerFunc(func(ctx context.Context, a *Action) (*Result, error) {
		return &Result{Meta: Metadata{Location: LocationLocal}}, nil
	})
	for name, tc := range map[string]struct {
		err      error
		fallback bool
	}{
		"protocol":    {err: fmt.Errorf("bad stage: %w", ErrProtocol), fallback: true},
		"unavailable": {err: &ExecutionError{Kind: RemoteUnavailable}, fallback: true},
		"timeout":     {err: &ExecutionError{Kind: Timeout}, fallback: false},
	} {
		t.Run(name, func(t *testing.T) {
			rec := trace.NewRecorder()
			f := &Fallback{
				Primary:   RunnerFunc(func(ctx context.Context, a *Action) (*Result, error) { return nil, tc.err }),
				Secondary: local,
				Trace:     rec,
				Logger:    ctxlog.Discard(),
			}
			res, err := f.Run(context.Background(), shell("x"))
			if tc.fallback {
				require.NoError(t, err)
				assert.Equal(t, LocationLocal, res.Meta.Location)
				assert.Len(t, rec.Snapshot(), 1)
			} else {
				assert.ErrorIs(t, err, tc.err)
				assert.Empty(t, rec.Snapshot())
			}
		})
	}
}

type memoryHistory struct {
	mu      sync.Mutex
	records []Record
}

func (m *memoryHistory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func TestRecorded_AppendsEveryExecution(t *testing.T) {
	store := cas.NewMemory()
	_, _ = store.Store(context.Background(), nil)
	hist := &memoryHistory{}
	inner := &fakeRunner{store: store}
	r := NewRecorded(NewCached(inner, NewMemoryCache(), store, CachedOptions{Logger: ctxlog.Discard()}), hist, ctxlog.Discard())

	a := shell("x")
	a.Description = "compile"
	for i := 0; i < 2; i++ {
		_, err := r.Run(context.Background(), a)
		require.NoError(t, err)
	}
	require.Len(t, hist.records, 2)
	assert.False(t, hist.records[0].CacheHit)
	assert.Equal(t, LocationLocal, hist.records[0].Location)
	assert.True(t, hist.records[1].CacheHit)
	assert.Equal(t, "compile", hist.records[1].Description)
	ad, _ := a.Digest()
	assert.Equal(t, ad, hist.records[1].Action)
}

func TestResultProto_RoundTripPreservesOutputRoot(t *testing.T) {
	store := cas.NewMemory()
	ctx := context.Background()
	a := shell(`mkdir -p gen/sub empty && echo one > gen/sub/a && echo two > top.txt && chmod +x top.txt && ln -s top.txt link`)
	a.OutputFiles = []string{"top.txt", "link"}
	a.OutputDirectories = []string{"gen", "empty"}
	res, err := newLocal(store, t).Run(ctx, a)
	require.NoError(t, err)

	for name, action := range map[string]*Action{"declared": a, "top-level": nil} {
		t.Run(name, func(t *testing.T) {
			ar, err := ResultToProto(ctx, store, action, res)
			require.NoError(t, err)
			back, err := ResultFromProto(ctx, store, ar)
			require.NoError(t, err)
			assert.True(t, res.Equal(back), "want %v got %v", res.OutputRoot, back.OutputRoot)
		})
	}
}
