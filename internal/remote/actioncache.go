package remote

import (
	"context"
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
	"buildcore/internal/exec"
	"buildcore/internal/merkle"
)

// ActionCache is a REAPI ActionCache client implementing exec.ActionCache.
//
// Records upload every blob the result references that the server lacks,
// reading them from the local store. Lookups read output trees through the
// local store first and the remote CAS second.
type ActionCache struct {
	opts   Options
	client repb.ActionCacheClient
	cas    *CAS
	local  cas.Store
	tiered *cas.Tiered
}

var _ exec.ActionCache = (*ActionCache)(nil)

func NewActionCache(conn grpc.ClientConnInterface, local cas.Store, opts Options) *ActionCache {
	opts = opts.withDefaults()
	c := NewCAS(conn, opts)
	return &ActionCache{
		opts:   opts,
		client: repb.NewActionCacheClient(conn),
		cas:    c,
		local:  local,
		tiered: &cas.Tiered{Local: local, Remote: c, Logger: opts.Logger},
	}
}

func (c *ActionCache) Lookup(ctx context.Context, d digest.Digest) (*exec.Result, error) {
	req := &repb.GetActionResultRequest{InstanceName: c.opts.Instance, ActionDigest: d.Proto()}
	var ar *repb.ActionResult
	err := c.opts.Retry.do(ctx, func() (err error) {
		ar, err = c.client.GetActionResult(ctx, req)
		return err
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action result %s: %w", d, err)
	}
	res, err := exec.ResultFromProto(ctx, c.tiered, ar)
	if err != nil {
		return nil, &ProtocolError{Op: "GetActionResult", Msg: err.Error()}
	}
	return res, nil
}

func (c *ActionCache) Record(ctx context.Context, d digest.Digest, r *exec.Result) error {
	ar, err := exec.ResultToProto(ctx, c.local, nil, r)
	if err != nil {
		return err
	}
	refs := append(r.Digests(), protoDigests(ar)...)
	tree, err := merkle.Walk(ctx, c.local, r.OutputRoot)
	if err != nil {
		return err
	}
	if err := uploadMissing(ctx, c.cas, c.local, append(refs, tree...), nil); err != nil {
		return err
	}
	req := &repb.UpdateActionResultRequest{InstanceName: c.opts.Instance, ActionDigest: d.Proto(), ActionResult: ar}
	return c.opts.Retry.do(ctx, func() error {
		_, err := c.client.UpdateActionResult(ctx, req)
		return err
	})
}

// protoDigests lists the Tree blobs an ActionResult references.
func protoDigests(ar *repb.ActionResult) []digest.Digest {
	var out []digest.Digest
	for _, od := range ar.GetOutputDirectories() {
		if d, err := digest.FromProto(od.GetTreeDigest()); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// uploadMissing uploads the subset of ds the server lacks. Blobs are taken
// from extra when present and from local otherwise.
func uploadMissing(ctx context.Context, remote *CAS, local cas.Store, ds []digest.Digest, extra map[digest.Digest][]byte) error {
	missing, err := remote.FindMissing(ctx, ds)
	if err != nil || len(missing) == 0 {
		return err
	}
	blobs := make(map[digest.Digest][]byte, len(missing))
	for _, d := range missing {
		if data, ok := extra[d]; ok {
			blobs[d] = data
			continue
		}
		data, err := local.Load(ctx, d)
		if err != nil {
			return fmt.Errorf("reading %s for upload: %w", d, err)
		}
		blobs[d] = data
	}
	return remote.Upload(ctx, blobs)
}
