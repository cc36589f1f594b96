package server

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
	"buildcore/internal/exec"
	"buildcore/internal/merkle"
)

// operation is one execution's latest state. Watchers wait on changed, which
// is closed and replaced on every update.
type operation struct {
	mu      sync.Mutex
	latest  *longrunningpb.Operation
	changed chan struct{}
}

func newOperation() *operation {
	return &operation{changed: make(chan struct{})}
}

func (o *operation) set(op *longrunningpb.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latest = op
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *operation) watch() (*longrunningpb.Operation, <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest, o.changed
}

// follow sends every new state of o until it is done.
func follow(ctx context.Context, o *operation, send func(*longrunningpb.Operation) error) error {
	var last *longrunningpb.Operation
	for {
		cur, changed := o.watch()
		if cur != nil && cur != last {
			if err := send(cur); err != nil {
				return err
			}
			if cur.GetDone() {
				return nil
			}
			last = cur
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-changed:
		}
	}
}

type executionServer struct {
	repb.UnimplementedExecutionServer
	s *Server
}

// Execute starts the action in the background and streams its progress.
// The execution outlives the stream so WaitExecution can pick it up again.
func (e *executionServer) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	if err := e.s.checkInstance(req.GetInstanceName()); err != nil {
		return err
	}
	ad, err := digest.FromProto(req.GetActionDigest())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "action digest: %v", err)
	}
	name := "operations/" + uuid.NewString()
	o := newOperation()
	e.s.ops.Add(name, o)
	go e.s.run(name, o, ad, req.GetSkipCacheLookup())
	return follow(stream.Context(), o, stream.Send)
}

func (e *executionServer) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	v, ok := e.s.ops.Get(req.GetName())
	if !ok {
		return status.Errorf(codes.NotFound, "operation %q not found", req.GetName())
	}
	return follow(stream.Context(), v.(*operation), stream.Send)
}

func (s *Server) run(name string, o *operation, ad digest.Digest, skipCache bool) {
	stage := func(st repb.ExecutionStage_Value) {
		md, _ := anypb.New(&repb.ExecuteOperationMetadata{Stage: st, ActionDigest: ad.Proto()})
		o.set(&longrunningpb.Operation{Name: name, Metadata: md})
	}
	resp := s.process(s.ctx, ad, skipCache, stage)

	md, _ := anypb.New(&repb.ExecuteOperationMetadata{Stage: repb.ExecutionStage_COMPLETED, ActionDigest: ad.Proto()})
	packed, err := anypb.New(resp)
	op := &longrunningpb.Operation{Name: name, Metadata: md, Done: true}
	if err != nil {
		op.Result = &longrunningpb.Operation_Error{Error: status.New(codes.Internal, err.Error()).Proto()}
	} else {
		op.Result = &longrunningpb.Operation_Response{Response: packed}
	}
	o.set(op)
}

func (s *Server) process(ctx context.Context, ad digest.Digest, skipCache bool, stage func(repb.ExecutionStage_Value)) *repb.ExecuteResponse {
	stage(repb.ExecutionStage_CACHE_CHECK)
	a, err := exec.LoadAction(ctx, s.store, ad)
	if err != nil {
		return &repb.ExecuteResponse{Status: errorStatus(err)}
	}

	if !skipCache && !a.NoCache {
		if ar := s.cachedResult(ctx, ad); ar != nil {
			return &repb.ExecuteResponse{Result: ar, CachedResult: true}
		}
	}

	stage(repb.ExecutionStage_QUEUED)
	stage(repb.ExecutionStage_EXECUTING)
	res, err := s.runner.Run(ctx, a)
	if err != nil {
		s.logger.Info("execution failed", "action", ad.String(), "error", err)
		return &repb.ExecuteResponse{Status: errorStatus(err)}
	}
	ar, err := exec.ResultToProto(ctx, s.store, a, res)
	if err != nil {
		return &repb.ExecuteResponse{Status: errorStatus(err)}
	}
	if !a.NoCache && (res.ExitCode == 0 || s.opts.CacheFailures) {
		if err := s.cache.Record(ctx, ad, res); err != nil {
			s.logger.Warn("recording action result failed", "action", ad.String(), "error", err)
		}
	}
	return &repb.ExecuteResponse{Result: ar}
}

// cachedResult returns the cached ActionResult for ad if every blob it
// references is present.
func (s *Server) cachedResult(ctx context.Context, ad digest.Digest) *repb.ActionResult {
	hit, err := s.cache.Lookup(ctx, ad)
	if err != nil || hit == nil {
		return nil
	}
	refs, err := merkle.Walk(ctx, s.store, hit.OutputRoot)
	if err != nil {
		return nil
	}
	missing, err := s.store.FindMissing(ctx, append(refs, hit.Stdout, hit.Stderr))
	if err != nil || len(missing) > 0 {
		return nil
	}
	ar, err := exec.ResultToProto(ctx, s.store, nil, hit)
	if err != nil {
		return nil
	}
	return ar
}

// errorStatus maps execution failures onto the status carried in an
// ExecuteResponse.
func errorStatus(err error) *spb.Status {
	code := codes.Internal
	switch {
	case exec.IsKind(err, exec.Timeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, cas.ErrNotFound):
		code = codes.FailedPrecondition
	case errors.Is(err, exec.ErrInvalidAction):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.New(code, err.Error()).Proto()
}

type actionCacheServer struct {
	repb.UnimplementedActionCacheServer
	s *Server
}

func (a *actionCacheServer) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	if err := a.s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	ad, err := digest.FromProto(req.GetActionDigest())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "action digest: %v", err)
	}
	ar := a.s.cachedResult(ctx, ad)
	if ar == nil {
		return nil, status.Errorf(codes.NotFound, "no result for %s", ad)
	}
	return ar, nil
}

func (a *actionCacheServer) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	if err := a.s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	ad, err := digest.FromProto(req.GetActionDigest())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "action digest: %v", err)
	}
	res, err := exec.ResultFromProto(ctx, a.s.store, req.GetActionResult())
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "action result: %v", err)
	}
	if err := a.s.cache.Record(ctx, ad, res); err != nil {
		return nil, storeStatus(err)
	}
	return req.GetActionResult(), nil
}
