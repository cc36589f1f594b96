package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
	"buildcore/internal/exec"
	"buildcore/internal/merkle"
)

// Executor runs actions on a REAPI execution service. It implements
// exec.Runner and produces the same Result schema as exec.Local.
type Executor struct {
	opts   Options
	client repb.ExecutionClient
	cas    *CAS
	local  cas.Store
	tiered *cas.Tiered
}

var _ exec.Runner = (*Executor)(nil)

// NewExecutor returns an executor that uploads inputs from local and reads
// outputs through local, falling back to the remote CAS.
func NewExecutor(conn grpc.ClientConnInterface, local cas.Store, opts Options) *Executor {
	opts = opts.withDefaults()
	c := NewCAS(conn, opts)
	return &Executor{
		opts:   opts,
		client: repb.NewExecutionClient(conn),
		cas:    c,
		local:  local,
		tiered: &cas.Tiered{Local: local, Remote: c, Logger: opts.Logger},
	}
}

// CAS returns the executor's storage client.
func (e *Executor) CAS() *CAS { return e.cas }

func (e *Executor) Run(ctx context.Context, a *exec.Action) (*exec.Result, error) {
	start := time.Now()
	enc, err := a.Encode()
	if err != nil {
		return nil, err
	}
	if err := e.uploadInputs(ctx, a, enc); err != nil {
		return nil, unavailable(a.Description, err)
	}

	resp, err := e.execute(ctx, a.Description, enc.ActionDigest, a.NoCache)
	if err != nil {
		return nil, err
	}
	if st := resp.GetStatus(); codes.Code(st.GetCode()) != codes.OK {
		return nil, e.statusError(a, resp)
	}
	if resp.GetResult() == nil {
		return nil, &ProtocolError{Op: "Execute", Msg: "completed without a result"}
	}
	res, err := exec.ResultFromProto(ctx, e.tiered, resp.GetResult())
	if err != nil {
		return nil, &ProtocolError{Op: "Execute", Msg: err.Error()}
	}
	res.Meta = exec.Metadata{
		Location: exec.LocationRemote,
		CacheHit: resp.GetCachedResult(),
		Attempts: 1,
		Duration: time.Since(start),
	}
	e.opts.Logger.Debug("remote action finished",
		"description", a.Description,
		"action", enc.ActionDigest.String(),
		"exit_code", res.ExitCode,
		"cached", res.Meta.CacheHit)
	return res, nil
}

func (e *Executor) uploadInputs(ctx context.Context, a *exec.Action, enc *exec.Encoded) error {
	ds := []digest.Digest{enc.ActionDigest, enc.CommandDigest}
	if a.InputRoot != merkle.EmptyDigest {
		inputs, err := merkle.Walk(ctx, e.local, a.InputRoot)
		if err != nil {
			return fmt.Errorf("walking input root: %w", err)
		}
		ds = append(ds, inputs...)
	}
	return uploadMissing(ctx, e.cas, e.local, ds, enc.Blobs())
}

// execute issues Execute and follows the operation stream to completion.
// Opening the stream and receiving its first operation are retried together,
// since a server-streaming call only reports transport failures on Recv;
// re-issuing Execute for the same action digest is safe. If the stream drops
// after an operation name is known it resumes with WaitExecution.
func (e *Executor) execute(ctx context.Context, desc string, ad digest.Digest, skipCache bool) (*repb.ExecuteResponse, error) {
	req := &repb.ExecuteRequest{
		InstanceName:    e.opts.Instance,
		ActionDigest:    ad.Proto(),
		SkipCacheLookup: skipCache,
	}
	var (
		stream repb.Execution_ExecuteClient
		op     *longrunningpb.Operation
	)
	err := e.opts.Retry.do(ctx, func() (err error) {
		stream, err = e.client.Execute(ctx, req)
		if err != nil {
			return err
		}
		op, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			return &ProtocolError{Op: "Execute", Msg: "stream ended before the operation completed"}
		}
		return err
	})
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, e.rpcError(desc, ad, err)
	}

	var (
		name       string
		stage      repb.ExecutionStage_Value
		reconnects int
	)
	for {
		if op == nil {
			op, err = stream.Recv()
		}
		if err != nil {
			dropped := errors.Is(err, io.EOF) || IsTransient(err)
			if !dropped || name == "" || reconnects >= e.opts.Retry.MaxAttempts {
				if errors.Is(err, io.EOF) {
					return nil, &ProtocolError{Op: "Execute", Msg: "stream ended before the operation completed"}
				}
				return nil, e.rpcError(desc, ad, err)
			}
			reconnects++
			e.opts.Logger.Info("execution stream dropped, waiting on operation", "operation", name, "error", err)
			stream, err = e.client.WaitExecution(ctx, &repb.WaitExecutionRequest{Name: name})
			if err != nil {
				return nil, e.rpcError(desc, ad, err)
			}
			continue
		}

		if name == "" {
			name = op.GetName()
		}
		if md := op.GetMetadata(); md != nil {
			var meta repb.ExecuteOperationMetadata
			if err := md.UnmarshalTo(&meta); err != nil {
				return nil, &ProtocolError{Op: "Execute", Msg: "bad operation metadata: " + err.Error()}
			}
			if meta.GetStage() < stage {
				return nil, &ProtocolError{Op: "Execute", Msg: fmt.Sprintf("stage went back from %s to %s", stage, meta.GetStage())}
			}
			stage = meta.GetStage()
		}
		if op.GetDone() {
			return e.unpack(desc, ad, op)
		}
		op = nil
	}
}

func (e *Executor) unpack(desc string, ad digest.Digest, op *longrunningpb.Operation) (*repb.ExecuteResponse, error) {
	if st := op.GetError(); st != nil {
		return nil, e.rpcError(desc, ad, status.ErrorProto(st))
	}
	packed := op.GetResponse()
	if packed == nil {
		return nil, &ProtocolError{Op: "Execute", Msg: "done operation has neither error nor response"}
	}
	var resp repb.ExecuteResponse
	if err := packed.UnmarshalTo(&resp); err != nil {
		return nil, &ProtocolError{Op: "Execute", Msg: "bad response: " + err.Error()}
	}
	return &resp, nil
}

func (e *Executor) rpcError(desc string, ad digest.Digest, err error) error {
	if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
		return fmt.Errorf("execution cancelled: %w", context.Canceled)
	}
	return unavailable(desc, fmt.Errorf("execute %s: %w", ad, err))
}

// statusError maps a non-OK ExecuteResponse status to an ExecutionError.
func (e *Executor) statusError(a *exec.Action, resp *repb.ExecuteResponse) error {
	st := resp.GetStatus()
	err := status.ErrorProto(st)
	switch codes.Code(st.GetCode()) {
	case codes.DeadlineExceeded:
		return &exec.ExecutionError{Kind: exec.Timeout, Description: a.Description, Err: err}
	case codes.Unavailable, codes.ResourceExhausted:
		return &exec.ExecutionError{Kind: exec.RemoteUnavailable, Description: a.Description, Err: err}
	case codes.FailedPrecondition, codes.InvalidArgument, codes.Internal:
		return &exec.ExecutionError{Kind: exec.SandboxSetupFailure, Description: a.Description, Err: err}
	default:
		return &ProtocolError{Op: "Execute", Msg: err.Error()}
	}
}
