package server

import (
	"context"
	"errors"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"buildcore/internal/digest"
	"buildcore/internal/merkle"
	"buildcore/internal/remote"
)

const chunkSize = 64 << 10

type casServer struct {
	repb.UnimplementedContentAddressableStorageServer
	s *Server
}

func (c *casServer) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	if err := c.s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	ds := make([]digest.Digest, 0, len(req.GetBlobDigests()))
	for _, p := range req.GetBlobDigests() {
		d, err := digest.FromProto(p)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		ds = append(ds, d)
	}
	missing, err := c.s.store.FindMissing(ctx, ds)
	if err != nil {
		return nil, storeStatus(err)
	}
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range missing {
		if d.Size > 0 {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d.Proto())
		}
	}
	return resp, nil
}

func (c *casServer) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	if err := c.s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.GetRequests() {
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{
			Digest: r.GetDigest(),
			Status: status.Convert(c.s.put(ctx, r.GetDigest(), r.GetData())).Proto(),
		})
	}
	return resp, nil
}

func (s *Server) put(ctx context.Context, p *repb.Digest, data []byte) error {
	d, err := digest.FromProto(p)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if !d.Matches(data) {
		return status.Errorf(codes.InvalidArgument, "data does not match digest %s", d)
	}
	_, err = s.store.Store(ctx, data)
	return storeStatus(err)
}

func (c *casServer) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	if err := c.s.checkInstance(req.GetInstanceName()); err != nil {
		return nil, err
	}
	resp := &repb.BatchReadBlobsResponse{}
	for _, p := range req.GetDigests() {
		r := &repb.BatchReadBlobsResponse_Response{Digest: p}
		d, err := digest.FromProto(p)
		if err == nil {
			r.Data, err = c.s.load(ctx, d)
		} else {
			err = status.Error(codes.InvalidArgument, err.Error())
		}
		r.Status = status.Convert(err).Proto()
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func (s *Server) load(ctx context.Context, d digest.Digest) ([]byte, error) {
	if d.Size == 0 {
		return []byte{}, nil
	}
	data, err := s.store.Load(ctx, d)
	return data, storeStatus(err)
}

// GetTree returns the whole tree in a single page.
func (c *casServer) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	if err := c.s.checkInstance(req.GetInstanceName()); err != nil {
		return err
	}
	root, err := digest.FromProto(req.GetRootDigest())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "root digest: %v", err)
	}
	tree, err := merkle.Expand(stream.Context(), c.s.store, root)
	if err != nil {
		return storeStatus(err)
	}
	t := tree.Proto()
	return stream.Send(&repb.GetTreeResponse{Directories: append([]*repb.Directory{t.GetRoot()}, t.GetChildren()...)})
}

type byteStreamServer struct {
	bspb.UnimplementedByteStreamServer
	s *Server
}

func (b *byteStreamServer) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	instance, d, err := remote.ParseResourceName(req.GetResourceName())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := b.s.checkInstance(instance); err != nil {
		return err
	}
	data, err := b.s.load(stream.Context(), d)
	if err != nil {
		return err
	}
	off, limit := req.GetReadOffset(), req.GetReadLimit()
	if off < 0 || off > int64(len(data)) {
		return status.Errorf(codes.OutOfRange, "read offset %d outside blob of %d bytes", off, len(data))
	}
	data = data[off:]
	if limit > 0 && limit < int64(len(data)) {
		data = data[:limit]
	}
	for len(data) > 0 {
		n := min(len(data), chunkSize)
		if err := stream.Send(&bspb.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (b *byteStreamServer) Write(stream bspb.ByteStream_WriteServer) error {
	var (
		d   digest.Digest
		buf []byte
	)
	for first := true; ; first = false {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return status.Error(codes.InvalidArgument, "stream closed before finish_write")
		}
		if err != nil {
			return err
		}
		if first {
			var instance string
			instance, d, err = remote.ParseResourceName(req.GetResourceName())
			if err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			if err := b.s.checkInstance(instance); err != nil {
				return err
			}
			buf = make([]byte, 0, d.Size)
		}
		if req.GetWriteOffset() != int64(len(buf)) {
			return status.Errorf(codes.InvalidArgument, "write offset %d, expected %d", req.GetWriteOffset(), len(buf))
		}
		buf = append(buf, req.GetData()...)
		if int64(len(buf)) > d.Size {
			return status.Errorf(codes.InvalidArgument, "more than %d bytes written", d.Size)
		}
		if req.GetFinishWrite() {
			if err := b.s.put(stream.Context(), d.Proto(), buf); err != nil {
				return err
			}
			return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: int64(len(buf))})
		}
	}
}
