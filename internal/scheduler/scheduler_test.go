package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore/internal/ctxlog"
	"buildcore/internal/graph"
)

// gated registers a rule whose body blocks until release is closed or its
// context ends.
func gated(t *testing.T, g *graph.Graph, id graph.RuleID, release <-chan struct{}, runs, cancels *atomic.Int32) {
	t.Helper()
	require.NoError(t, g.Register(graph.Rule{
		ID:     id,
		Params: []graph.ParamSpec{{Name: "n", Kind: graph.KindInt}},
		Run: func(ctx context.Context, c *graph.Context) (any, error) {
			runs.Add(1)
			select {
			case <-release:
				return c.Key().IntParam("n") * 10, nil
			case <-ctx.Done():
				cancels.Add(1)
				return nil, ctx.Err()
			}
		},
	}))
}

func newScheduler(g *graph.Graph, maxRoots int) *Scheduler {
	return New(g, Options{MaxRoots: maxRoots, Logger: ctxlog.Discard()})
}

func TestSubmitPollWait(t *testing.T) {
	g := graph.New(graph.Options{})
	release := make(chan struct{})
	var runs, cancels atomic.Int32
	gated(t, g, "slow", release, &runs, &cancels)
	s := newScheduler(g, 0)
	defer s.Close()

	key := graph.NewKey("slow", graph.P("n", 4))
	h, err := s.Submit(key)
	require.NoError(t, err)

	st, err := s.Poll(h)
	require.NoError(t, err)
	assert.Equal(t, Running, st.State)
	assert.Equal(t, key, st.Key)

	close(release)
	st, err = s.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, st.State)
	assert.Equal(t, int64(40), st.Value)
	assert.NoError(t, st.Err)
	assert.False(t, st.Finished.Before(st.Submitted))

	// A second submission of the same key is a cache hit.
	v, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(40), v)
	assert.Equal(t, int32(1), runs.Load())
}

func TestFailedSubmission(t *testing.T) {
	g := graph.New(graph.Options{})
	boom := errors.New("boom")
	require.NoError(t, g.Register(graph.Rule{
		ID:  "broken",
		Run: func(context.Context, *graph.Context) (any, error) { return nil, boom },
	}))
	s := newScheduler(g, 0)
	defer s.Close()

	h, err := s.Submit(graph.NewKey("broken"))
	require.NoError(t, err)
	st, err := s.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, Failed, st.State)
	assert.ErrorIs(t, st.Err, boom)
	var re *graph.RuleError
	assert.ErrorAs(t, st.Err, &re)
}

func TestCancelIsReferenceCounted(t *testing.T) {
	g := graph.New(graph.Options{})
	release := make(chan struct{})
	var runs, cancels atomic.Int32
	gated(t, g, "shared", release, &runs, &cancels)
	s := newScheduler(g, 0)
	defer s.Close()

	key := graph.NewKey("shared", graph.P("n", 1))
	a, err := s.Submit(key)
	require.NoError(t, err)
	b, err := s.Submit(key)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	info := func() graph.NodeInfo {
		i, _ := g.Inspect(key)
		return i
	}
	require.Eventually(t, func() bool { return info().State == graph.Running }, time.Second, time.Millisecond)

	require.NoError(t, s.Cancel(a))
	st, err := s.Wait(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, st.State)
	assert.ErrorIs(t, st.Err, ErrCancelled)
	assert.Zero(t, cancels.Load())

	close(release)
	st, err = s.Wait(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, st.State)
	assert.Equal(t, int64(10), st.Value)
	assert.Equal(t, int32(1), runs.Load())

	// Cancelling a finished submission changes nothing.
	require.NoError(t, s.Cancel(b))
	st, err = s.Poll(b)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, st.State)
}

func TestCancelLastInterestStopsTheRule(t *testing.T) {
	g := graph.New(graph.Options{})
	release := make(chan struct{})
	defer close(release)
	var runs, cancels atomic.Int32
	gated(t, g, "lonely", release, &runs, &cancels)
	s := newScheduler(g, 0)
	defer s.Close()

	h, err := s.Submit(graph.NewKey("lonely", graph.P("n", 1)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Cancel(h))

	st, err := s.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, st.State)
	require.Eventually(t, func() bool { return cancels.Load() == 1 }, time.Second, time.Millisecond)
}

func TestMaxRootsProvidesBackpressure(t *testing.T) {
	g := graph.New(graph.Options{})
	release := make(chan struct{})
	var runs, cancels atomic.Int32
	gated(t, g, "root", release, &runs, &cancels)
	s := newScheduler(g, 1)
	defer s.Close()

	first, err := s.Submit(graph.NewKey("root", graph.P("n", 1)))
	require.NoError(t, err)
	second, err := s.Submit(graph.NewKey("root", graph.P("n", 2)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	st, err := s.Poll(second)
	require.NoError(t, err)
	assert.Equal(t, Running, st.State)

	close(release)
	for _, h := range []Handle{first, second} {
		st, err := s.Wait(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, Succeeded, st.State)
	}
	assert.Equal(t, int32(2), runs.Load())
}

func TestUnknownHandlesAndForget(t *testing.T) {
	g := graph.New(graph.Options{})
	require.NoError(t, g.Register(graph.Rule{
		ID:  "const",
		Run: func(context.Context, *graph.Context) (any, error) { return "v", nil },
	}))
	s := newScheduler(g, 0)

	_, err := s.Poll("nope")
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, s.Cancel("nope"), ErrUnknownHandle)
	_, err = s.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownHandle)

	h, err := s.Submit(graph.NewKey("const"))
	require.NoError(t, err)
	_, err = s.Wait(context.Background(), h)
	require.NoError(t, err)
	s.Forget(h)
	_, err = s.Poll(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	s.Close()
	_, err = s.Submit(graph.NewKey("const"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGetCancelledByContext(t *testing.T) {
	g := graph.New(graph.Options{})
	release := make(chan struct{})
	defer close(release)
	var runs, cancels atomic.Int32
	gated(t, g, "slow", release, &runs, &cancels)
	s := newScheduler(g, 0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, graph.NewKey("slow", graph.P("n", 1)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool { return cancels.Load() == 1 }, time.Second, time.Millisecond)
}
