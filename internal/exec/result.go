package exec

import (
	"context"
	"fmt"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"buildcore/internal/digest"
	"buildcore/internal/merkle"
)

// Result is the outcome of an action. Local and remote execution produce
// the same schema; a non-zero ExitCode is a normal result, not an error.
type Result struct {
	ExitCode   int           `json:"exit_code"`
	Stdout     digest.Digest `json:"stdout"`
	Stderr     digest.Digest `json:"stderr"`
	OutputRoot digest.Digest `json:"output_root"`

	// Meta describes how this result was obtained. It is not part of the
	// result's identity and is never cached.
	Meta Metadata `json:"-"`
}

// Metadata records where and how a result was produced.
type Metadata struct {
	Location string
	CacheHit bool
	Attempts int
	Duration time.Duration
}

// Location values.
const (
	LocationLocal  = "local"
	LocationRemote = "remote"
	LocationCache  = "cache"
)

// Equal compares the identity fields of two results. The graph uses it for
// early cutoff, so differing Metadata never counts as a change.
func (r *Result) Equal(other any) bool {
	o, ok := other.(*Result)
	if !ok || r == nil || o == nil {
		return ok && r == o
	}
	return r.ExitCode == o.ExitCode && r.Stdout == o.Stdout && r.Stderr == o.Stderr && r.OutputRoot == o.OutputRoot
}

// Digests returns the CAS blobs the result references directly. The content
// beneath OutputRoot is not included.
func (r *Result) Digests() []digest.Digest {
	return []digest.Digest{r.Stdout, r.Stderr, r.OutputRoot}
}

func (r *Result) clone() *Result {
	c := *r
	return &c
}

// ResultToProto converts r into a REAPI ActionResult. When a is given its
// declared outputs decide the split into output files and directories;
// otherwise every top-level entry of the output tree is reported. Tree
// messages for output directories are stored in s.
func ResultToProto(ctx context.Context, s merkle.Store, a *Action, r *Result) (*repb.ActionResult, error) {
	out := &repb.ActionResult{
		ExitCode:     int32(r.ExitCode),
		StdoutDigest: r.Stdout.Proto(),
		StderrDigest: r.Stderr.Proto(),
	}
	tree, err := merkle.Expand(ctx, s, r.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("expanding output tree: %w", err)
	}

	var files, dirs []string
	if a != nil {
		files, dirs = a.OutputFiles, a.OutputDirectories
	} else {
		for _, e := range tree.Entries {
			if strings.Contains(e.Path, "/") {
				continue
			}
			if e.Kind == merkle.KindDir {
				dirs = append(dirs, e.Path)
			} else {
				files = append(files, e.Path)
			}
		}
	}

	for _, p := range sortedCopy(files) {
		e, ok := tree.Lookup(p)
		if !ok {
			continue
		}
		switch e.Kind {
		case merkle.KindFile:
			out.OutputFiles = append(out.OutputFiles, &repb.OutputFile{Path: p, Digest: e.Digest.Proto(), IsExecutable: e.Executable})
		case merkle.KindSymlink:
			out.OutputFileSymlinks = append(out.OutputFileSymlinks, &repb.OutputSymlink{Path: p, Target: e.Target})
		}
	}
	for _, p := range sortedCopy(dirs) {
		e, ok := tree.Lookup(p)
		if !ok || e.Kind != merkle.KindDir {
			continue
		}
		sub, err := merkle.Expand(ctx, s, e.Digest)
		if err != nil {
			return nil, fmt.Errorf("expanding output directory %s: %w", p, err)
		}
		data, err := deterministic.Marshal(sub.Proto())
		if err != nil {
			return nil, fmt.Errorf("marshaling tree for %s: %w", p, err)
		}
		td, err := s.Store(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("storing tree for %s: %w", p, err)
		}
		out.OutputDirectories = append(out.OutputDirectories, &repb.OutputDirectory{Path: p, TreeDigest: td.Proto()})
	}
	return out, nil
}

// ResultFromProto rebuilds a Result from a REAPI ActionResult. Directory
// messages carried by output Trees are stored in s so the output root can be
// expanded locally.
func ResultFromProto(ctx context.Context, s merkle.Store, ar *repb.ActionResult) (*Result, error) {
	r := &Result{ExitCode: int(ar.GetExitCode())}
	var err error
	if r.Stdout, err = optionalDigest(ar.GetStdoutDigest()); err != nil {
		return nil, fmt.Errorf("stdout: %w", err)
	}
	if r.Stderr, err = optionalDigest(ar.GetStderrDigest()); err != nil {
		return nil, fmt.Errorf("stderr: %w", err)
	}

	b := merkle.NewBuilder(merkle.DefaultPolicy)
	for _, f := range ar.GetOutputFiles() {
		d, err := digest.FromProto(f.GetDigest())
		if err != nil {
			return nil, fmt.Errorf("output file %s: %w", f.GetPath(), err)
		}
		if err := b.AddFile(merkle.File{Path: f.GetPath(), Digest: d, Executable: f.GetIsExecutable()}); err != nil {
			return nil, err
		}
	}
	links := append(append([]*repb.OutputSymlink(nil), ar.GetOutputFileSymlinks()...), ar.GetOutputSymlinks()...)
	for _, l := range links {
		if err := b.AddSymlink(merkle.Symlink{Path: l.GetPath(), Target: l.GetTarget()}); err != nil {
			return nil, err
		}
	}
	filesRoot, err := b.Build(ctx, s)
	if err != nil {
		return nil, err
	}

	roots := []digest.Digest{filesRoot}
	for _, od := range ar.GetOutputDirectories() {
		td, err := digest.FromProto(od.GetTreeDigest())
		if err != nil {
			return nil, fmt.Errorf("output directory %s: %w", od.GetPath(), err)
		}
		sub, err := storeTree(ctx, s, td)
		if err != nil {
			return nil, fmt.Errorf("output directory %s: %w", od.GetPath(), err)
		}
		placed, err := merkle.AddPrefix(ctx, s, sub, od.GetPath())
		if err != nil {
			return nil, err
		}
		roots = append(roots, placed)
	}
	if r.OutputRoot, err = merkle.Merge(ctx, s, roots...); err != nil {
		return nil, err
	}
	return r, nil
}

// storeTree loads a REAPI Tree blob and stores each of its directories,
// returning the digest of the tree's root directory.
func storeTree(ctx context.Context, s merkle.Store, td digest.Digest) (digest.Digest, error) {
	data, err := s.Load(ctx, td)
	if err != nil {
		return digest.Digest{}, err
	}
	var tree repb.Tree
	if err := proto.Unmarshal(data, &tree); err != nil {
		return digest.Digest{}, fmt.Errorf("decoding tree %s: %w", td, err)
	}
	for _, child := range tree.GetChildren() {
		if _, err := merkle.StoreDirectory(ctx, s, child); err != nil {
			return digest.Digest{}, err
		}
	}
	root := tree.GetRoot()
	if root == nil {
		root = &repb.Directory{}
	}
	return merkle.StoreDirectory(ctx, s, root)
}

func optionalDigest(p *repb.Digest) (digest.Digest, error) {
	if p == nil {
		return digest.Empty, nil
	}
	return digest.FromProto(p)
}
