// Package merkle implements the canonical directory tree used for process
// inputs and outputs.
//
// Each directory is a REAPI Directory message whose files, subdirectories and
// symlinks are sorted by name in byte order, serialized with deterministic
// protobuf marshaling. A directory's digest is the digest of those bytes, so
// the same file set always hashes identically regardless of the order in
// which it was assembled.
package merkle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"buildcore/internal/digest"
)

// SymlinkPolicy decides how symlinks found on disk enter a tree.
type SymlinkPolicy int

const (
	// SymlinksPreserve records symlinks as symlink entries.
	SymlinksPreserve SymlinkPolicy = iota
	// SymlinksFollow replaces symlinks with the content they point at.
	SymlinksFollow
)

// Policy controls which file metadata participates in a tree digest.
type Policy struct {
	IncludeExecutable bool
	Symlinks          SymlinkPolicy
}

// DefaultPolicy keeps the executable bit and preserves symlinks, matching
// what remote execution services expect.
var DefaultPolicy = Policy{IncludeExecutable: true, Symlinks: SymlinksPreserve}

// ErrInvalidPath is returned for absolute, empty or escaping paths.
var ErrInvalidPath = errors.New("invalid tree path")

// Storer persists directory blobs.
type Storer interface {
	Store(ctx context.Context, data []byte) (digest.Digest, error)
}

// Loader reads directory and file blobs.
type Loader interface {
	Load(ctx context.Context, d digest.Digest) ([]byte, error)
}

// File is a regular file entry.
type File struct {
	Path       string
	Digest     digest.Digest
	Executable bool
}

// Symlink is a symbolic link entry. Target is stored verbatim.
type Symlink struct {
	Path   string
	Target string
}

// MergeConflictError reports two different entries claiming the same path.
type MergeConflictError struct {
	Path     string
	Existing string
	Incoming string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("path %q: conflicting entries %s and %s", e.Path, e.Existing, e.Incoming)
}

type fileEntry struct {
	digest     digest.Digest
	executable bool
}

func (f fileEntry) describe() string {
	if f.executable {
		return "file " + f.digest.String() + " (executable)"
	}
	return "file " + f.digest.String()
}

type dirNode struct {
	files map[string]fileEntry
	links map[string]string
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{
		files: make(map[string]fileEntry),
		links: make(map[string]string),
		dirs:  make(map[string]*dirNode),
	}
}

func (n *dirNode) describe(name string) string {
	if f, ok := n.files[name]; ok {
		return f.describe()
	}
	if t, ok := n.links[name]; ok {
		return "symlink -> " + t
	}
	if _, ok := n.dirs[name]; ok {
		return "directory"
	}
	return "nothing"
}

// Builder accumulates entries in any order and produces a root digest.
// A Builder is not safe for concurrent use.
type Builder struct {
	policy Policy
	root   *dirNode
}

// NewBuilder returns an empty builder using policy.
func NewBuilder(policy Policy) *Builder {
	return &Builder{policy: policy, root: newDirNode()}
}

// splitPath validates p and returns its components. The empty path and "."
// name the root and yield no components.
func splitPath(p string) ([]string, error) {
	if strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." {
		return nil, nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("%w: %q escapes the tree", ErrInvalidPath, p)
	}
	return strings.Split(clean, "/"), nil
}

// parent walks to the directory holding the last component of parts,
// creating intermediate directories.
func (b *Builder) parent(parts []string) (*dirNode, error) {
	n := b.root
	for i, name := range parts[:len(parts)-1] {
		if _, ok := n.files[name]; ok {
			return nil, &MergeConflictError{Path: strings.Join(parts[:i+1], "/"), Existing: n.describe(name), Incoming: "directory"}
		}
		if _, ok := n.links[name]; ok {
			return nil, &MergeConflictError{Path: strings.Join(parts[:i+1], "/"), Existing: n.describe(name), Incoming: "directory"}
		}
		child, ok := n.dirs[name]
		if !ok {
			child = newDirNode()
			n.dirs[name] = child
		}
		n = child
	}
	return n, nil
}

// AddFile adds a regular file. Adding an identical entry twice is allowed.
func (b *Builder) AddFile(f File) error {
	parts, err := splitPath(f.Path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: file at tree root", ErrInvalidPath)
	}
	n, err := b.parent(parts)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	entry := fileEntry{digest: f.Digest, executable: f.Executable && b.policy.IncludeExecutable}
	if existing, ok := n.files[name]; ok {
		if existing == entry {
			return nil
		}
		return &MergeConflictError{Path: path.Clean(f.Path), Existing: existing.describe(), Incoming: entry.describe()}
	}
	if _, ok := n.links[name]; ok {
		return &MergeConflictError{Path: path.Clean(f.Path), Existing: n.describe(name), Incoming: entry.describe()}
	}
	if _, ok := n.dirs[name]; ok {
		return &MergeConflictError{Path: path.Clean(f.Path), Existing: "directory", Incoming: entry.describe()}
	}
	n.files[name] = entry
	return nil
}

// AddSymlink adds a symlink entry.
func (b *Builder) AddSymlink(s Symlink) error {
	parts, err := splitPath(s.Path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: symlink at tree root", ErrInvalidPath)
	}
	n, err := b.parent(parts)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if target, ok := n.links[name]; ok {
		if target == s.Target {
			return nil
		}
		return &MergeConflictError{Path: path.Clean(s.Path), Existing: n.describe(name), Incoming: "symlink -> " + s.Target}
	}
	if _, ok := n.files[name]; ok {
		return &MergeConflictError{Path: path.Clean(s.Path), Existing: n.describe(name), Incoming: "symlink -> " + s.Target}
	}
	if _, ok := n.dirs[name]; ok {
		return &MergeConflictError{Path: path.Clean(s.Path), Existing: "directory", Incoming: "symlink -> " + s.Target}
	}
	n.links[name] = s.Target
	return nil
}

// AddDir ensures a (possibly empty) directory exists at p.
func (b *Builder) AddDir(p string) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}
	n, err := b.parent(parts)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if _, ok := n.dirs[name]; ok {
		return nil
	}
	if _, ok := n.files[name]; ok {
		return &MergeConflictError{Path: path.Clean(p), Existing: n.describe(name), Incoming: "directory"}
	}
	if _, ok := n.links[name]; ok {
		return &MergeConflictError{Path: path.Clean(p), Existing: n.describe(name), Incoming: "directory"}
	}
	n.dirs[name] = newDirNode()
	return nil
}

// Build stores every directory blob bottom-up and returns the root digest.
func (b *Builder) Build(ctx context.Context, s Storer) (digest.Digest, error) {
	return build(ctx, s, b.root)
}

func build(ctx context.Context, s Storer, n *dirNode) (digest.Digest, error) {
	dir := &repb.Directory{}
	for name, child := range n.dirs {
		d, err := build(ctx, s, child)
		if err != nil {
			return digest.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{Name: name, Digest: d.Proto()})
	}
	for name, f := range n.files {
		dir.Files = append(dir.Files, &repb.FileNode{Name: name, Digest: f.digest.Proto(), IsExecutable: f.executable})
	}
	for name, target := range n.links {
		dir.Symlinks = append(dir.Symlinks, &repb.SymlinkNode{Name: name, Target: target})
	}
	return StoreDirectory(ctx, s, dir)
}

// Canonicalize sorts the entries of dir by name in byte order.
func Canonicalize(dir *repb.Directory) {
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	sort.Slice(dir.Symlinks, func(i, j int) bool { return dir.Symlinks[i].Name < dir.Symlinks[j].Name })
}

// EncodeDirectory returns the canonical bytes of dir.
func EncodeDirectory(dir *repb.Directory) ([]byte, error) {
	Canonicalize(dir)
	return proto.MarshalOptions{Deterministic: true}.Marshal(dir)
}

// StoreDirectory canonicalizes and stores dir, returning its digest.
func StoreDirectory(ctx context.Context, s Storer, dir *repb.Directory) (digest.Digest, error) {
	data, err := EncodeDirectory(dir)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("encode directory: %w", err)
	}
	return s.Store(ctx, data)
}

// LoadDirectory fetches and decodes the directory stored under d.
func LoadDirectory(ctx context.Context, l Loader, d digest.Digest) (*repb.Directory, error) {
	data, err := l.Load(ctx, d)
	if err != nil {
		return nil, err
	}
	dir := &repb.Directory{}
	if err := proto.Unmarshal(data, dir); err != nil {
		return nil, fmt.Errorf("decode directory %s: %w", d, err)
	}
	return dir, nil
}

// EmptyDigest is the digest of a directory with no entries.
var EmptyDigest = func() digest.Digest {
	data, err := EncodeDirectory(&repb.Directory{})
	if err != nil {
		panic(err)
	}
	return digest.Of(data)
}()
