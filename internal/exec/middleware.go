package exec

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"buildcore/internal/digest"
	"buildcore/internal/trace"
)

// Bounded limits how many actions run concurrently.
type Bounded struct {
	inner    Runner
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewBounded allows at most n concurrent executions of inner.
func NewBounded(inner Runner, n int) *Bounded {
	if n < 1 {
		n = 1
	}
	return &Bounded{inner: inner, sem: semaphore.NewWeighted(int64(n))}
}

func (b *Bounded) Run(ctx context.Context, a *Action) (*Result, error) {
	b.waiting.Add(1)
	err := b.sem.Acquire(ctx, 1)
	b.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	return b.inner.Run(ctx, a)
}

// InFlight returns the number of executions holding a slot.
func (b *Bounded) InFlight() int64 { return b.inFlight.Load() }

// Waiting returns the number of executions queued for a slot.
func (b *Bounded) Waiting() int64 { return b.waiting.Load() }

// RetryPolicy bounds retries of failed executions.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.InitialBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retrying re-runs actions that timed out (when the action is Retryable)
// and non-zero exits of NoCache actions, up to the policy's attempts.
type Retrying struct {
	inner  Runner
	policy RetryPolicy
	sink   trace.Sink
	logger *slog.Logger
}

func NewRetrying(inner Runner, policy RetryPolicy, sink trace.Sink, logger *slog.Logger) *Retrying {
	if sink == nil {
		sink = trace.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, policy: policy, sink: sink, logger: logger}
}

func (r *Retrying) Run(ctx context.Context, a *Action) (*Result, error) {
	bo := backoff.WithContext(r.policy.backOff(), ctx)
	limit := r.policy.attempts()
	var ad digest.Digest
	for attempt := 1; ; attempt++ {
		res, err := r.inner.Run(ctx, a)
		retry, final := r.classify(a, res, err)
		if res != nil {
			res.Meta.Attempts = attempt
		}
		if !retry || attempt >= limit {
			if final != nil {
				return nil, final
			}
			return res, nil
		}

		if ad.IsZero() {
			ad, _ = a.Digest()
		}
		trace.SafeRecord(r.sink, trace.Event{Kind: trace.EventActionRetried, Action: ad.String(), Reason: retryReason(err)})
		r.logger.Info("retrying action", "description", a.Description, "attempt", attempt+1, "max_attempts", limit, "error", err)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, ctx.Err()
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
}

// classify decides whether an outcome is retried and what the caller sees
// if it is not.
func (r *Retrying) classify(a *Action, res *Result, err error) (retry bool, final error) {
	if err != nil {
		return a.Retryable && IsKind(err, Timeout), err
	}
	if res.ExitCode != 0 && a.NoCache {
		return true, &ExecutionError{Kind: NonZeroExit, Description: a.Description, ExitCode: res.ExitCode, Result: res}
	}
	return false, nil
}

func retryReason(err error) string {
	if err != nil {
		return "Timeout"
	}
	return "NonZeroExit"
}

// Fallback runs actions on Primary and, when the primary reports a protocol
// violation or is unreachable, on Secondary.
type Fallback struct {
	Primary   Runner
	Secondary Runner
	Trace     trace.Sink
	Logger    *slog.Logger
}

func (f *Fallback) Run(ctx context.Context, a *Action) (*Result, error) {
	res, err := f.Primary.Run(ctx, a)
	if err == nil || f.Secondary == nil || !shouldFallBack(err) {
		return res, err
	}
	ad, _ := a.Digest()
	trace.SafeRecord(f.sink(), trace.Event{Kind: trace.EventActionFallback, Action: ad.String(), Reason: fallbackReason(err)})
	f.logger().Warn("remote execution failed, running locally", "description", a.Description, "error", err)
	return f.Secondary.Run(ctx, a)
}

func (f *Fallback) sink() trace.Sink {
	if f.Trace == nil {
		return trace.NopSink{}
	}
	return f.Trace
}

func (f *Fallback) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func shouldFallBack(err error) bool {
	return errors.Is(err, ErrProtocol) || IsKind(err, RemoteUnavailable)
}

func fallbackReason(err error) string {
	if errors.Is(err, ErrProtocol) {
		return "ProtocolError"
	}
	return "RemoteUnavailable"
}

// Record is one completed execution as kept in the history.
type Record struct {
	Action      digest.Digest
	Description string
	Location    string
	CacheHit    bool
	ExitCode    int
	Duration    time.Duration
	Attempts    int
	Error       string
	FinishedAt  time.Time
}

// HistorySink receives a Record for every execution.
type HistorySink interface {
	Append(ctx context.Context, rec Record) error
}

// Recorded appends a Record to sink after every execution, including
// failed ones.
type Recorded struct {
	inner  Runner
	sink   HistorySink
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorded(inner Runner, sink HistorySink, logger *slog.Logger) *Recorded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorded{inner: inner, sink: sink, logger: logger, now: time.Now}
}

func (r *Recorded) Run(ctx context.Context, a *Action) (*Result, error) {
	start := r.now()
	res, err := r.inner.Run(ctx, a)
	if ctx.Err() != nil {
		return res, err
	}
	ad, _ := a.Digest()
	rec := Record{
		Action:      ad,
		Description: a.Description,
		Duration:    r.now().Sub(start),
		FinishedAt:  r.now().UTC(),
		Attempts:    1,
	}
	if res != nil {
		rec.Location = res.Meta.Location
		rec.CacheHit = res.Meta.CacheHit
		rec.ExitCode = res.ExitCode
		if res.Meta.Attempts > 0 {
			rec.Attempts = res.Meta.Attempts
		}
	}
	if err != nil {
		rec.Error = err.Error()
		var ee *ExecutionError
		if errors.As(err, &ee) && ee.Result != nil {
			rec.Location = ee.Result.Meta.Location
			rec.ExitCode = ee.Result.ExitCode
			rec.Attempts = ee.Result.Meta.Attempts
		}
	}
	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Warn("failed to append execution history", "action", ad.String(), "error", err)
	}
	return res, err
}
