// Package scheduler is the public entry point for evaluating root requests:
// submit a key, poll or wait on the handle, cancel it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"buildcore/internal/graph"
)

var (
	// ErrUnknownHandle is returned for handles that were never issued or
	// have been forgotten.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrCancelled is the error of a cancelled submission.
	ErrCancelled = errors.New("submission cancelled")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Requester resolves keys; *graph.Graph satisfies it.
type Requester interface {
	Request(ctx context.Context, key graph.Key) (any, error)
}

// Handle identifies one submission.
type Handle string

// State of a submission.
type State int

const (
	Running State = iota
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Done reports whether the state is final.
func (s State) Done() bool { return s != Running }

// Status is a snapshot of a submission.
type Status struct {
	Key       graph.Key
	State     State
	Value     any
	Err       error
	Submitted time.Time
	Finished  time.Time
}

// Options configures a Scheduler.
type Options struct {
	// MaxRoots bounds how many submissions are evaluated at once; the rest
	// wait in Running state. Zero means unbounded. Rule bodies are bounded
	// separately by the graph.
	MaxRoots int
	Logger   *slog.Logger
}

type job struct {
	status    Status
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Scheduler drives root requests against a Requester.
type Scheduler struct {
	req    Requester
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[Handle]*job
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(req Requester, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		req:    req,
		logger: opts.Logger,
		jobs:   make(map[Handle]*job),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.MaxRoots > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxRoots))
	}
	return s
}

// Submit starts evaluating key and returns immediately.
func (s *Scheduler) Submit(key graph.Key) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := Handle(uuid.NewString())
	j := &job{
		status: Status{Key: key, State: Running, Submitted: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.jobs[h] = j
	s.wg.Add(1)
	go s.run(ctx, h, j)
	return h, nil
}

func (s *Scheduler) run(ctx context.Context, h Handle, j *job) {
	defer s.wg.Done()
	defer j.cancel()

	var v any
	err := s.acquire(ctx)
	if err == nil {
		v, err = s.req.Request(ctx, j.status.Key)
		s.release()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case j.cancelled || (err != nil && ctx.Err() != nil):
		j.status.State = Cancelled
		j.status.Err = ErrCancelled
	case err != nil:
		j.status.State = Failed
		j.status.Err = err
	default:
		j.status.State = Succeeded
		j.status.Value = v
	}
	j.status.Finished = time.Now()
	close(j.done)
	s.logger.Debug("submission finished",
		"handle", string(h),
		"key", j.status.Key.String(),
		"state", j.status.State.String(),
		"duration", j.status.Finished.Sub(j.status.Submitted))
}

func (s *Scheduler) acquire(ctx context.Context) error {
	if s.sem == nil {
		return ctx.Err()
	}
	return s.sem.Acquire(ctx, 1)
}

func (s *Scheduler) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// Poll returns the current status without blocking.
func (s *Scheduler) Poll(h Handle) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[h]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return j.status, nil
}

// Cancel withdraws the submission's interest in its key. Nodes other
// requesters still wait on keep running. Cancelling a finished submission
// does nothing.
func (s *Scheduler) Cancel(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if !j.status.State.Done() {
		j.cancelled = true
		j.cancel()
	}
	return nil
}

// Wait blocks until the submission finishes or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, h Handle) (Status, error) {
	s.mu.Lock()
	j, ok := s.jobs[h]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	select {
	case <-j.done:
		return s.Poll(h)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Forget drops a finished submission. Running submissions are kept.
func (s *Scheduler) Forget(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[h]; ok && j.status.State.Done() {
		delete(s.jobs, h)
	}
}

// Get submits key, waits for it and forgets the handle. If ctx ends first
// the submission is cancelled.
func (s *Scheduler) Get(ctx context.Context, key graph.Key) (any, error) {
	h, err := s.Submit(key)
	if err != nil {
		return nil, err
	}
	st, err := s.Wait(ctx, h)
	if err != nil {
		_ = s.Cancel(h)
		go func() {
			<-s.jobDone(h)
			s.Forget(h)
		}()
		return nil, err
	}
	s.Forget(h)
	return st.Value, st.Err
}

func (s *Scheduler) jobDone(h Handle) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[h].done
}

// Close cancels every running submission and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
