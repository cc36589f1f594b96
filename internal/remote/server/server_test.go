package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"buildcore/internal/cas"
	"buildcore/internal/ctxlog"
	"buildcore/internal/digest"
	"buildcore/internal/exec"
	"buildcore/internal/merkle"
	"buildcore/internal/remote"
)

func serve(t *testing.T, withExec bool) (*cas.Memory, *grpc.ClientConn) {
	t.Helper()
	store := cas.NewMemory()
	local := exec.NewLocal(store, exec.LocalOptions{SandboxRoot: t.TempDir(), Policy: merkle.DefaultPolicy, Logger: ctxlog.Discard()})
	s, err := New(store, local, exec.NewMemoryCache(), Options{Instance: "ci", Logger: ctxlog.Discard()})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	g := NewGRPCServer()
	if withExec {
		s.Register(g)
	} else {
		s.RegisterStorage(g)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return store, conn
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()
	for _, withExec := range []bool{true, false} {
		_, conn := serve(t, withExec)
		caps, err := repb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &repb.GetCapabilitiesRequest{InstanceName: "ci"})
		require.NoError(t, err)
		assert.Equal(t, withExec, caps.GetExecutionCapabilities().GetExecEnabled())
		assert.Equal(t, []repb.DigestFunction_Value{repb.DigestFunction_SHA256}, caps.GetCacheCapabilities().GetDigestFunctions())
	}
}

func TestBatchUpdateRejectsMismatchedDigest(t *testing.T) {
	_, conn := serve(t, false)
	good := []byte("good")
	resp, err := repb.NewContentAddressableStorageClient(conn).BatchUpdateBlobs(context.Background(), &repb.BatchUpdateBlobsRequest{
		InstanceName: "ci",
		Requests: []*repb.BatchUpdateBlobsRequest_Request{
			{Digest: digest.Of(good).Proto(), Data: good},
			{Digest: digest.Of([]byte("other")).Proto(), Data: []byte("lie")},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.GetResponses(), 2)
	assert.Equal(t, int32(codes.OK), resp.GetResponses()[0].GetStatus().GetCode())
	assert.Equal(t, int32(codes.InvalidArgument), resp.GetResponses()[1].GetStatus().GetCode())
}

func TestUnknownInstanceIsRejected(t *testing.T) {
	_, conn := serve(t, false)
	_, err := repb.NewContentAddressableStorageClient(conn).FindMissingBlobs(context.Background(), &repb.FindMissingBlobsRequest{InstanceName: "prod"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestByteStreamReadOffsetAndLimit(t *testing.T) {
	ctx := context.Background()
	store, conn := serve(t, false)
	data := []byte("0123456789")
	d, err := store.Store(ctx, data)
	require.NoError(t, err)

	read := func(off, limit int64) (string, error) {
		stream, err := bspb.NewByteStreamClient(conn).Read(ctx, &bspb.ReadRequest{
			ResourceName: remote.ReadResourceName("ci", d),
			ReadOffset:   off,
			ReadLimit:    limit,
		})
		if err != nil {
			return "", err
		}
		var out []byte
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return string(out), nil
			}
			if err != nil {
				return "", err
			}
			out = append(out, resp.GetData()...)
		}
	}

	got, err := read(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", got)
	got, err = read(3, 4)
	require.NoError(t, err)
	assert.Equal(t, "3456", got)
	_, err = read(11, 0)
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestByteStreamWriteChecksOffsets(t *testing.T) {
	ctx := context.Background()
	store, conn := serve(t, false)
	data := []byte("abcdef")
	d := digest.Of(data)
	name := remote.UploadResourceName("ci", "u1", d)

	stream, err := bspb.NewByteStreamClient(conn).Write(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&bspb.WriteRequest{ResourceName: name, Data: data[:3]}))
	_ = stream.Send(&bspb.WriteRequest{WriteOffset: 2, Data: data[3:], FinishWrite: true})
	_, err = stream.CloseAndRecv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stream, err = bspb.NewByteStreamClient(conn).Write(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&bspb.WriteRequest{ResourceName: name, Data: data[:3]}))
	require.NoError(t, stream.Send(&bspb.WriteRequest{WriteOffset: 3, Data: data[3:], FinishWrite: true}))
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.GetCommittedSize())
	ok, err := store.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetTree(t *testing.T) {
	ctx := context.Background()
	store, conn := serve(t, false)
	b := merkle.NewBuilder(merkle.DefaultPolicy)
	fd, err := store.Store(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.AddFile(merkle.File{Path: "a/b/c.txt", Digest: fd}))
	root, err := b.Build(ctx, store)
	require.NoError(t, err)

	stream, err := repb.NewContentAddressableStorageClient(conn).GetTree(ctx, &repb.GetTreeRequest{InstanceName: "ci", RootDigest: root.Proto()})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Len(t, resp.GetDirectories(), 3)
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestExecuteWithMissingActionFailsPrecondition(t *testing.T) {
	_, conn := serve(t, true)
	stream, err := repb.NewExecutionClient(conn).Execute(context.Background(), &repb.ExecuteRequest{
		InstanceName: "ci",
		ActionDigest: digest.Of([]byte("no such action")).Proto(),
	})
	require.NoError(t, err)
	for {
		op, err := stream.Recv()
		require.NoError(t, err)
		if !op.GetDone() {
			continue
		}
		var resp repb.ExecuteResponse
		require.NoError(t, op.GetResponse().UnmarshalTo(&resp))
		assert.Equal(t, int32(codes.FailedPrecondition), resp.GetStatus().GetCode())
		return
	}
}

func TestWaitExecutionUnknownOperation(t *testing.T) {
	_, conn := serve(t, true)
	stream, err := repb.NewExecutionClient(conn).WaitExecution(context.Background(), &repb.WaitExecutionRequest{Name: "operations/missing"})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}
