// Package server serves the REAPI v2 services (Execution, ActionCache,
// ContentAddressableStorage, ByteStream and Capabilities) on top of a local
// store, runner and action cache.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	lru "github.com/hashicorp/golang-lru"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"buildcore/internal/cas"
	"buildcore/internal/exec"
	"buildcore/internal/remote"
)

// Options configures a Server.
type Options struct {
	Instance      string
	MaxBatchBytes int64

	// RetainedOperations is how many finished operations stay available to
	// WaitExecution.
	RetainedOperations int

	// CacheFailures also records results with a non-zero exit code.
	CacheFailures bool

	Logger *slog.Logger
}

// Server implements the REAPI services.
type Server struct {
	opts   Options
	store  cas.Store
	runner exec.Runner
	cache  exec.ActionCache
	logger *slog.Logger

	execEnabled bool

	ops    *lru.Cache
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a server that executes with runner, keeps blobs in store and
// results in cache.
func New(store cas.Store, runner exec.Runner, cache exec.ActionCache, opts Options) (*Server, error) {
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = remote.DefaultMaxBatchBytes
	}
	if opts.RetainedOperations <= 0 {
		opts.RetainedOperations = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ops, err := lru.New(opts.RetainedOperations)
	if err != nil {
		return nil, fmt.Errorf("creating operation table: %w", err)
	}
	// Clients never upload the empty blob, but inputs and results refer to it.
	if _, err := store.Store(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("storing empty blob: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		store:  store,
		runner: runner,
		cache:  cache,
		logger: opts.Logger,
		ops:    ops,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close cancels executions still in progress.
func (s *Server) Close() { s.cancel() }

// Register adds every service to g.
func (s *Server) Register(g *grpc.Server) {
	s.execEnabled = true
	repb.RegisterExecutionServer(g, &executionServer{s: s})
	s.RegisterStorage(g)
}

// RegisterStorage adds every service except Execution, for cache-only
// deployments.
func (s *Server) RegisterStorage(g *grpc.Server) {
	repb.RegisterActionCacheServer(g, &actionCacheServer{s: s})
	repb.RegisterContentAddressableStorageServer(g, &casServer{s: s})
	repb.RegisterCapabilitiesServer(g, &capabilitiesServer{s: s})
	bspb.RegisterByteStreamServer(g, &byteStreamServer{s: s})
}

// NewGRPCServer returns a gRPC server with metrics interceptors installed.
// Call grpc_prometheus.Register after registering services.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	return grpc.NewServer(append(base, opts...)...)
}

func (s *Server) checkInstance(name string) error {
	if name != s.opts.Instance {
		return status.Errorf(codes.InvalidArgument, "unknown instance %q", name)
	}
	return nil
}

// storeStatus maps store errors to gRPC status errors.
func storeStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cas.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, cas.ErrCorrupt):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type capabilitiesServer struct {
	repb.UnimplementedCapabilitiesServer
	s *Server
}

func (c *capabilitiesServer) GetCapabilities(_ context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	if err := c.s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions:               []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{UpdateEnabled: true},
			MaxBatchTotalSizeBytes:        c.s.opts.MaxBatchBytes,
			SymlinkAbsolutePathStrategy:   repb.SymlinkAbsolutePathStrategy_DISALLOWED,
		},
		ExecutionCapabilities: &repb.ExecutionCapabilities{
			DigestFunction:  repb.DigestFunction_SHA256,
			DigestFunctions: []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ExecEnabled:     c.s.execEnabled,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 3},
	}, nil
}
