package merkle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"buildcore/internal/digest"
)

// ErrNoSuchPath is returned by Subtree when the path is not a directory.
var ErrNoSuchPath = errors.New("no such directory in tree")

// EntryKind distinguishes the three kinds of tree entries.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// Entry is one path in an expanded tree. For directories Digest is the
// directory digest; for symlinks it is zero.
type Entry struct {
	Path       string
	Kind       EntryKind
	Digest     digest.Digest
	Executable bool
	Target     string
}

// Tree is the listing of a directory digest with file bytes left in the
// store.
type Tree struct {
	Root    digest.Digest
	Entries []Entry

	dirs map[digest.Digest]*repb.Directory
}

// Files returns the regular file entries in path order.
func (t *Tree) Files() []Entry {
	var out []Entry
	for _, e := range t.Entries {
		if e.Kind == KindFile {
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the entry at p.
func (t *Tree) Lookup(p string) (Entry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Path >= p })
	if i < len(t.Entries) && t.Entries[i].Path == p {
		return t.Entries[i], true
	}
	return Entry{}, false
}

// Proto returns the tree as a REAPI Tree message: the root directory plus
// every distinct descendant directory.
func (t *Tree) Proto() *repb.Tree {
	out := &repb.Tree{Root: t.dirs[t.Root]}
	var children []digest.Digest
	for d := range t.dirs {
		if d != t.Root {
			children = append(children, d)
		}
	}
	sort.Slice(children, func(i, j int) bool { return digest.Less(children[i], children[j]) })
	for _, d := range children {
		out.Children = append(out.Children, t.dirs[d])
	}
	return out
}

// Expand loads every directory reachable from root and lists its entries.
// File contents are not fetched.
func Expand(ctx context.Context, l Loader, root digest.Digest) (*Tree, error) {
	t := &Tree{Root: root, dirs: make(map[digest.Digest]*repb.Directory)}
	if err := expand(ctx, l, root, "", t); err != nil {
		return nil, err
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })
	return t, nil
}

// checkName rejects entry names that are not a single path component.
func checkName(n string) error {
	switch {
	case n == "", n == ".", n == "..":
		return fmt.Errorf("%w: entry name %q", ErrInvalidPath, n)
	case strings.ContainsAny(n, "/\x00"):
		return fmt.Errorf("%w: entry name %q is not a single component", ErrInvalidPath, n)
	}
	return nil
}

func expand(ctx context.Context, l Loader, d digest.Digest, prefix string, t *Tree) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, ok := t.dirs[d]
	if !ok {
		var err error
		dir, err = LoadDirectory(ctx, l, d)
		if err != nil {
			return err
		}
		t.dirs[d] = dir
	}
	seen := make(map[string]struct{}, len(dir.GetFiles())+len(dir.GetSymlinks())+len(dir.GetDirectories()))
	name := func(n string) (string, error) {
		if err := checkName(n); err != nil {
			return "", fmt.Errorf("directory %s: %w", d, err)
		}
		if _, dup := seen[n]; dup {
			return "", fmt.Errorf("directory %s: %w: %q appears twice", d, ErrInvalidPath, n)
		}
		seen[n] = struct{}{}
		return path.Join(prefix, n), nil
	}
	for _, f := range dir.GetFiles() {
		p, err := name(f.GetName())
		if err != nil {
			return err
		}
		fd, err := digest.FromProto(f.GetDigest())
		if err != nil {
			return fmt.Errorf("file %s: %w", p, err)
		}
		t.Entries = append(t.Entries, Entry{Path: p, Kind: KindFile, Digest: fd, Executable: f.GetIsExecutable()})
	}
	for _, s := range dir.GetSymlinks() {
		p, err := name(s.GetName())
		if err != nil {
			return err
		}
		t.Entries = append(t.Entries, Entry{Path: p, Kind: KindSymlink, Target: s.GetTarget()})
	}
	for _, sub := range dir.GetDirectories() {
		p, err := name(sub.GetName())
		if err != nil {
			return err
		}
		sd, err := digest.FromProto(sub.GetDigest())
		if err != nil {
			return fmt.Errorf("directory %s: %w", p, err)
		}
		t.Entries = append(t.Entries, Entry{Path: p, Kind: KindDir, Digest: sd})
		if err := expand(ctx, l, sd, p, t); err != nil {
			return err
		}
	}
	return nil
}

// Walk returns every digest reachable from root, directories included,
// sorted and without duplicates.
func Walk(ctx context.Context, l Loader, root digest.Digest) ([]digest.Digest, error) {
	t, err := Expand(ctx, l, root)
	if err != nil {
		return nil, err
	}
	return t.Digests(), nil
}

// Digests returns every directory and file digest in the tree.
func (t *Tree) Digests() []digest.Digest {
	seen := map[digest.Digest]struct{}{t.Root: {}}
	for _, e := range t.Entries {
		if e.Kind != KindSymlink {
			seen[e.Digest] = struct{}{}
		}
	}
	out := make([]digest.Digest, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return digest.Less(out[i], out[j]) })
	return out
}

// Subtree returns the digest of the directory at p inside root.
func Subtree(ctx context.Context, l Loader, root digest.Digest, p string) (digest.Digest, error) {
	parts, err := splitPath(p)
	if err != nil {
		return digest.Digest{}, err
	}
	cur := root
	for i, name := range parts {
		dir, err := LoadDirectory(ctx, l, cur)
		if err != nil {
			return digest.Digest{}, err
		}
		found := false
		for _, sub := range dir.GetDirectories() {
			if sub.GetName() == name {
				cur, err = digest.FromProto(sub.GetDigest())
				if err != nil {
					return digest.Digest{}, err
				}
				found = true
				break
			}
		}
		if !found {
			return digest.Digest{}, fmt.Errorf("%w: %s", ErrNoSuchPath, strings.Join(parts[:i+1], "/"))
		}
	}
	return cur, nil
}

// AddPrefix returns a tree that holds root under directory p.
func AddPrefix(ctx context.Context, s Storer, root digest.Digest, p string) (digest.Digest, error) {
	parts, err := splitPath(p)
	if err != nil {
		return digest.Digest{}, err
	}
	cur := root
	for i := len(parts) - 1; i >= 0; i-- {
		dir := &repb.Directory{Directories: []*repb.DirectoryNode{{Name: parts[i], Digest: cur.Proto()}}}
		cur, err = StoreDirectory(ctx, s, dir)
		if err != nil {
			return digest.Digest{}, err
		}
	}
	return cur, nil
}

// Store is the combination needed to rewrite trees.
type Store interface {
	Storer
	Loader
}

// Merge combines the given trees into one. Identical entries at the same path
// are accepted; differing entries fail with *MergeConflictError.
func Merge(ctx context.Context, s Store, roots ...digest.Digest) (digest.Digest, error) {
	switch len(roots) {
	case 0:
		return StoreDirectory(ctx, s, &repb.Directory{})
	case 1:
		return roots[0], nil
	}
	b := NewBuilder(DefaultPolicy)
	for _, root := range roots {
		t, err := Expand(ctx, s, root)
		if err != nil {
			return digest.Digest{}, err
		}
		if err := b.AddTree(t); err != nil {
			return digest.Digest{}, err
		}
	}
	return b.Build(ctx, s)
}

// AddTree adds every entry of an expanded tree.
func (b *Builder) AddTree(t *Tree) error {
	for _, e := range t.Entries {
		var err error
		switch e.Kind {
		case KindFile:
			err = b.AddFile(File{Path: e.Path, Digest: e.Digest, Executable: e.Executable})
		case KindSymlink:
			err = b.AddSymlink(Symlink{Path: e.Path, Target: e.Target})
		case KindDir:
			err = b.AddDir(e.Path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
