package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
)

// chunkSize is the ByteStream message payload size.
const chunkSize = 64 << 10

// CAS is a ContentAddressableStorage client. It implements cas.Remote, so it
// can back a cas.Tiered store.
type CAS struct {
	opts   Options
	cas    repb.ContentAddressableStorageClient
	bs     bspb.ByteStreamClient
	logger *slog.Logger
}

var _ cas.Remote = (*CAS)(nil)

func NewCAS(conn grpc.ClientConnInterface, opts Options) *CAS {
	opts = opts.withDefaults()
	return &CAS{
		opts:   opts,
		cas:    repb.NewContentAddressableStorageClient(conn),
		bs:     bspb.NewByteStreamClient(conn),
		logger: opts.Logger,
	}
}

// FindMissing returns the digests the server does not hold, sorted.
func (c *CAS) FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	req := &repb.FindMissingBlobsRequest{InstanceName: c.opts.Instance}
	seen := make(map[digest.Digest]bool, len(ds))
	for _, d := range ds {
		if d.Size == 0 || seen[d] {
			continue
		}
		seen[d] = true
		req.BlobDigests = append(req.BlobDigests, d.Proto())
	}
	if len(req.BlobDigests) == 0 {
		return nil, nil
	}
	var resp *repb.FindMissingBlobsResponse
	err := c.opts.Retry.do(ctx, func() (err error) {
		resp, err = c.cas.FindMissingBlobs(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find missing blobs: %w", err)
	}
	out := make([]digest.Digest, 0, len(resp.GetMissingBlobDigests()))
	for _, p := range resp.GetMissingBlobDigests() {
		d, err := digest.FromProto(p)
		if err != nil {
			return nil, &ProtocolError{Op: "FindMissingBlobs", Msg: err.Error()}
		}
		out = append(out, d)
	}
	cas.SortDigests(out)
	return out, nil
}

// Load fetches one blob, through BatchReadBlobs when it fits in a batch and
// through ByteStream otherwise.
func (c *CAS) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	if d.Size == 0 {
		return []byte{}, nil
	}
	var data []byte
	var err error
	if d.Size <= c.opts.MaxBatchBytes {
		data, err = c.batchRead(ctx, d)
	} else {
		data, err = c.streamRead(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	if !d.Matches(data) {
		return nil, &cas.StoreError{Op: "remote load", Digest: d, Err: cas.ErrCorrupt}
	}
	return data, nil
}

func (c *CAS) batchRead(ctx context.Context, d digest.Digest) ([]byte, error) {
	req := &repb.BatchReadBlobsRequest{InstanceName: c.opts.Instance, Digests: []*repb.Digest{d.Proto()}}
	var resp *repb.BatchReadBlobsResponse
	err := c.opts.Retry.do(ctx, func() (err error) {
		resp, err = c.cas.BatchReadBlobs(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("batch read %s: %w", d, err)
	}
	if len(resp.GetResponses()) != 1 {
		return nil, &ProtocolError{Op: "BatchReadBlobs", Msg: fmt.Sprintf("%d responses for 1 digest", len(resp.GetResponses()))}
	}
	r := resp.GetResponses()[0]
	switch code := codes.Code(r.GetStatus().GetCode()); code {
	case codes.OK:
		return r.GetData(), nil
	case codes.NotFound:
		return nil, fmt.Errorf("%s: %w", d, cas.ErrNotFound)
	default:
		return nil, fmt.Errorf("batch read %s: %s: %s", d, code, r.GetStatus().GetMessage())
	}
}

func (c *CAS) streamRead(ctx context.Context, d digest.Digest) ([]byte, error) {
	var data []byte
	err := c.opts.Retry.do(ctx, func() error {
		data = make([]byte, 0, d.Size)
		stream, err := c.bs.Read(ctx, &bspb.ReadRequest{ResourceName: ReadResourceName(c.opts.Instance, d)})
		if err != nil {
			return err
		}
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			data = append(data, resp.GetData()...)
		}
	})
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%s: %w", d, cas.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("bytestream read %s: %w", d, err)
	}
	return data, nil
}

// Upload sends blobs to the server. Small blobs are grouped into batches;
// large ones are streamed. Batches and streams run concurrently.
func (c *CAS) Upload(ctx context.Context, blobs map[digest.Digest][]byte) error {
	keys := make([]digest.Digest, 0, len(blobs))
	for d := range blobs {
		if d.Size > 0 {
			keys = append(keys, d)
		}
	}
	cas.SortDigests(keys)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	var batch []*repb.BatchUpdateBlobsRequest_Request
	var batchBytes int64
	flush := func() {
		if len(batch) == 0 {
			return
		}
		reqs := batch
		g.Go(func() error { return c.batchUpdate(gctx, reqs) })
		batch, batchBytes = nil, 0
	}
	for _, d := range keys {
		data := blobs[d]
		if d.Size > c.opts.MaxBatchBytes {
			d, data := d, data
			g.Go(func() error { return c.streamWrite(gctx, d, data) })
			continue
		}
		if batchBytes+d.Size > c.opts.MaxBatchBytes {
			flush()
		}
		batch = append(batch, &repb.BatchUpdateBlobsRequest_Request{Digest: d.Proto(), Data: data})
		batchBytes += d.Size
	}
	flush()
	return g.Wait()
}

func (c *CAS) batchUpdate(ctx context.Context, reqs []*repb.BatchUpdateBlobsRequest_Request) error {
	req := &repb.BatchUpdateBlobsRequest{InstanceName: c.opts.Instance, Requests: reqs}
	var resp *repb.BatchUpdateBlobsResponse
	err := c.opts.Retry.do(ctx, func() (err error) {
		resp, err = c.cas.BatchUpdateBlobs(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("batch update: %w", err)
	}
	for _, r := range resp.GetResponses() {
		if code := codes.Code(r.GetStatus().GetCode()); code != codes.OK {
			d, _ := digest.FromProto(r.GetDigest())
			return fmt.Errorf("batch update %s: %s: %s", d, code, r.GetStatus().GetMessage())
		}
	}
	return nil
}

func (c *CAS) streamWrite(ctx context.Context, d digest.Digest, data []byte) error {
	name := UploadResourceName(c.opts.Instance, uuid.NewString(), d)
	err := c.opts.Retry.do(ctx, func() error {
		stream, err := c.bs.Write(ctx)
		if err != nil {
			return err
		}
		for off := int64(0); ; {
			end := off + chunkSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			req := &bspb.WriteRequest{WriteOffset: off, Data: data[off:end], FinishWrite: end == int64(len(data))}
			if off == 0 {
				req.ResourceName = name
			}
			if err := stream.Send(req); err != nil {
				if errors.Is(err, io.EOF) {
					// The server closed early; the real status comes from CloseAndRecv.
					break
				}
				return err
			}
			off = end
			if req.FinishWrite {
				break
			}
		}
		resp, err := stream.CloseAndRecv()
		if err != nil {
			return err
		}
		if resp.GetCommittedSize() != d.Size {
			return &ProtocolError{Op: "ByteStream.Write", Msg: fmt.Sprintf("committed %d of %d bytes", resp.GetCommittedSize(), d.Size)}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bytestream write %s: %w", d, err)
	}
	return nil
}

// ReadResourceName is the ByteStream resource for reading d.
func ReadResourceName(instance string, d digest.Digest) string {
	return joinResource(instance, "blobs", d.Hash, strconv.FormatInt(d.Size, 10))
}

// UploadResourceName is the ByteStream resource for writing d.
func UploadResourceName(instance, id string, d digest.Digest) string {
	return joinResource(instance, "uploads", id, "blobs", d.Hash, strconv.FormatInt(d.Size, 10))
}

func joinResource(instance string, parts ...string) string {
	if instance != "" {
		parts = append([]string{instance}, parts...)
	}
	return strings.Join(parts, "/")
}

// ParseResourceName extracts the instance and digest from a read or upload
// resource name. Trailing metadata after the size is ignored.
func ParseResourceName(name string) (instance string, d digest.Digest, err error) {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		if p != "blobs" || i+2 >= len(parts) {
			continue
		}
		prefix := parts[:i]
		if len(prefix) >= 2 && prefix[len(prefix)-2] == "uploads" {
			prefix = prefix[:len(prefix)-2]
		}
		size, perr := strconv.ParseInt(parts[i+2], 10, 64)
		if perr != nil {
			return "", digest.Digest{}, fmt.Errorf("resource %q: bad size: %w", name, perr)
		}
		d = digest.Digest{Hash: parts[i+1], Size: size}
		if err := d.Validate(); err != nil {
			return "", digest.Digest{}, fmt.Errorf("resource %q: %w", name, err)
		}
		return strings.Join(prefix, "/"), d, nil
	}
	return "", digest.Digest{}, fmt.Errorf("resource %q: no blobs segment", name)
}
