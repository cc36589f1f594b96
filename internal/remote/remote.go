// Package remote implements REAPI v2 clients: content-addressable storage,
// action cache and remote execution.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/cenkalti/backoff/v4"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"buildcore/internal/exec"
)

// DefaultMaxBatchBytes keeps batch requests under gRPC's default 4 MiB
// message limit.
const DefaultMaxBatchBytes = 4<<20 - 64<<10

// Options configures the remote clients.
type Options struct {
	// Instance is the REAPI instance name.
	Instance string

	// MaxBatchBytes is the largest blob (and batch) sent through the batch
	// APIs; larger blobs use ByteStream.
	MaxBatchBytes int64

	// Concurrency bounds parallel uploads.
	Concurrency int

	Retry  RetryPolicy
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// RetryPolicy controls retries of transient gRPC failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 50 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// do runs op, retrying transient failures with exponential backoff.
func (p RetryPolicy) do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}

// IsTransient reports whether err is a gRPC failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.Internal, codes.Unknown:
		return strings.Contains(err.Error(), "connection reset")
	}
	return false
}

// ProtocolError reports a server response that violates REAPI. It matches
// exec.ErrProtocol so that exec.Fallback can run the action locally.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote %s: protocol error: %s", e.Op, e.Msg)
}

func (e *ProtocolError) Is(target error) bool { return target == exec.ErrProtocol }

// unavailable wraps connection-level failures for exec.Fallback.
func unavailable(desc string, err error) error {
	if IsTransient(err) {
		return &exec.ExecutionError{Kind: exec.RemoteUnavailable, Description: desc, Err: err}
	}
	return err
}

// Dial connects to a REAPI endpoint with client metrics interceptors.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if target == "" {
		return nil, errors.New("remote: empty target")
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	}
	return grpc.DialContext(ctx, target, append(base, opts...)...)
}

// CheckCapabilities verifies that the server speaks SHA-256 and, when
// needExec is set, that remote execution is enabled.
func CheckCapabilities(ctx context.Context, conn grpc.ClientConnInterface, instance string, needExec bool) error {
	caps, err := repb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &repb.GetCapabilitiesRequest{InstanceName: instance})
	if err != nil {
		return unavailable("", fmt.Errorf("get capabilities: %w", err))
	}
	sha256 := false
	for _, f := range caps.GetCacheCapabilities().GetDigestFunctions() {
		sha256 = sha256 || f == repb.DigestFunction_SHA256
	}
	if !sha256 {
		return &ProtocolError{Op: "GetCapabilities", Msg: "server does not support SHA256"}
	}
	if needExec && !caps.GetExecutionCapabilities().GetExecEnabled() {
		return &ProtocolError{Op: "GetCapabilities", Msg: "remote execution is disabled"}
	}
	return nil
}
