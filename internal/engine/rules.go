package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"buildcore/internal/digest"
	"buildcore/internal/exec"
	"buildcore/internal/graph"
	"buildcore/internal/invalidate"
	"buildcore/internal/merkle"
)

// Intrinsic rule IDs.
const (
	RuleFile     graph.RuleID = "fs.file"
	RuleSnapshot graph.RuleID = "fs.snapshot"
	RuleExecute  graph.RuleID = "process.execute"
)

// ErrNotExist is returned by fs.file for paths missing from the workspace.
// The path stays observed, so creating it invalidates the node.
var ErrNotExist = errors.New("file does not exist")

// FileDigest is the value of fs.file.
type FileDigest struct {
	Path       string
	Digest     digest.Digest
	Executable bool
}

// FileKey names the fs.file node for a workspace-relative path.
func FileKey(p string) graph.Key {
	return graph.NewKey(RuleFile, graph.P("path", invalidate.CleanPath(p)))
}

// SnapshotKey names the fs.snapshot node for globs.
func SnapshotKey(globs ...string) graph.Key {
	return graph.NewKey(RuleSnapshot, graph.P("globs", append([]string(nil), globs...)))
}

// ExecuteKey names the process.execute node for an action digest.
func ExecuteKey(action digest.Digest) graph.Key {
	return graph.NewKey(RuleExecute, graph.P("action", action))
}

func (e *Engine) registerIntrinsics() error {
	rules := []graph.Rule{
		{
			ID:     RuleFile,
			Params: []graph.ParamSpec{{Name: "path", Kind: graph.KindString}},
			Run:    e.runFile,
		},
		{
			ID:     RuleSnapshot,
			Params: []graph.ParamSpec{{Name: "globs", Kind: graph.KindStrings}},
			Run:    e.runSnapshot,
		},
		{
			ID:     RuleExecute,
			Params: []graph.ParamSpec{{Name: "action", Kind: graph.KindDigest}},
			Run:    e.runExecute,
		},
	}
	for _, r := range rules {
		if err := e.graph.Register(r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runFile(ctx context.Context, c *graph.Context) (any, error) {
	rel := c.Key().StringParam("path")
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return nil, fmt.Errorf("%w: %q", merkle.ErrInvalidPath, rel)
	}
	c.Observe(rel)
	full := filepath.Join(e.workspace, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, rel)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	d, err := e.store.Store(ctx, data)
	if err != nil {
		return nil, err
	}
	return FileDigest{Path: rel, Digest: d, Executable: info.Mode()&0o111 != 0}, nil
}

func (e *Engine) runSnapshot(ctx context.Context, c *graph.Context) (any, error) {
	globs := c.Key().StringsParam("globs")
	// Observing the directory each pattern scans catches files that start
	// or stop matching.
	for _, g := range globs {
		c.Observe(globBase(g))
	}
	paths, err := merkle.Glob(e.workspace, globs)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		c.Observe(p)
	}
	return merkle.FromDisk(ctx, e.store, e.workspace, paths, merkle.CaptureOptions{Policy: e.policy})
}

// globBase returns the longest leading directory of pattern that contains
// no glob metacharacters.
func globBase(pattern string) string {
	parts := strings.Split(invalidate.CleanPath(pattern), "/")
	base := parts[:0]
	for _, p := range parts[:len(parts)-1] {
		if strings.ContainsAny(p, `*?[\`) {
			break
		}
		base = append(base, p)
	}
	return invalidate.CleanPath(strings.Join(base, "/"))
}

func (e *Engine) runExecute(ctx context.Context, c *graph.Context) (any, error) {
	ad := c.Key().DigestParam("action")
	var a *exec.Action
	if v, ok := e.actions.Load(ad); ok {
		a = v.(*exec.Action)
	} else {
		loaded, err := exec.LoadAction(ctx, e.store, ad)
		if err != nil {
			return nil, err
		}
		a = loaded
	}
	return e.runner.Run(ctx, a)
}

// ReadFile returns the digest of a workspace file and records it as a
// dependency of the calling rule.
func (e *Engine) ReadFile(ctx context.Context, c *graph.Context, p string) (FileDigest, error) {
	return graph.GetAs[FileDigest](ctx, c, FileKey(p))
}

// Snapshot captures the workspace files matching globs into a tree and
// records it as a dependency of the calling rule.
func (e *Engine) Snapshot(ctx context.Context, c *graph.Context, globs ...string) (digest.Digest, error) {
	return graph.GetAs[digest.Digest](ctx, c, SnapshotKey(globs...))
}

// Execute runs a through the executor chain as a process.execute node of
// its own, so identical actions requested by different rules run once.
// A non-zero exit is a normal result; only failures to produce a result are
// errors.
func (e *Engine) Execute(ctx context.Context, c *graph.Context, a *exec.Action) (*exec.Result, error) {
	enc, err := a.Encode()
	if err != nil {
		return nil, err
	}
	for d, data := range enc.Blobs() {
		if _, err := e.store.Store(ctx, data); err != nil {
			return nil, fmt.Errorf("storing action %s: %w", d, err)
		}
	}
	e.actions.LoadOrStore(enc.ActionDigest, a)
	return graph.GetAs[*exec.Result](ctx, c, ExecuteKey(enc.ActionDigest))
}

// Tree builds a directory tree from files produced by other rules, e.g.
// the inputs of an action.
func (e *Engine) Tree(ctx context.Context, files ...FileDigest) (digest.Digest, error) {
	b := merkle.NewBuilder(e.policy)
	for _, f := range files {
		if err := b.AddFile(merkle.File{Path: f.Path, Digest: f.Digest, Executable: f.Executable}); err != nil {
			return digest.Digest{}, err
		}
	}
	return b.Build(ctx, e.store)
}
