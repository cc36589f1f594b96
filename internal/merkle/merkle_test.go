package merkle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
)

func storeFile(t *testing.T, s *cas.Memory, content string) digest.Digest {
	t.Helper()
	d, err := s.Store(context.Background(), []byte(content))
	require.NoError(t, err)
	return d
}

// TestBuild_OrderIndependent verifies that insertion order never changes the
// root digest.
func TestBuild_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	files := []File{
		{Path: "src/main.go", Digest: storeFile(t, s, "package main")},
		{Path: "src/util/util.go", Digest: storeFile(t, s, "package util")},
		{Path: "README", Digest: storeFile(t, s, "readme")},
		{Path: "bin/tool", Digest: storeFile(t, s, "#!/bin/sh"), Executable: true},
	}

	forward := NewBuilder(DefaultPolicy)
	for _, f := range files {
		require.NoError(t, forward.AddFile(f))
	}
	backward := NewBuilder(DefaultPolicy)
	for i := len(files) - 1; i >= 0; i-- {
		require.NoError(t, backward.AddFile(files[i]))
	}

	a, err := forward.Build(ctx, s)
	require.NoError(t, err)
	b, err := backward.Build(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestBuild_ExecutablePolicy verifies that the executable bit participates
// only when the policy says so.
func TestBuild_ExecutablePolicy(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	d := storeFile(t, s, "script")

	digestFor := func(policy Policy, exec bool) digest.Digest {
		b := NewBuilder(policy)
		require.NoError(t, b.AddFile(File{Path: "run.sh", Digest: d, Executable: exec}))
		root, err := b.Build(ctx, s)
		require.NoError(t, err)
		return root
	}

	assert.NotEqual(t, digestFor(DefaultPolicy, true), digestFor(DefaultPolicy, false))
	normalized := Policy{IncludeExecutable: false}
	assert.Equal(t, digestFor(normalized, true), digestFor(normalized, false))
}

// TestBuilder_DuplicatesAndConflicts verifies duplicate and conflict handling.
func TestBuilder_DuplicatesAndConflicts(t *testing.T) {
	s := cas.NewMemory()
	one := storeFile(t, s, "one")
	two := storeFile(t, s, "two")

	b := NewBuilder(DefaultPolicy)
	require.NoError(t, b.AddFile(File{Path: "a/x", Digest: one}))
	require.NoError(t, b.AddFile(File{Path: "a/./x", Digest: one}))

	err := b.AddFile(File{Path: "a/x", Digest: two})
	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, "a/x", conflict.Path)

	err = b.AddFile(File{Path: "a/x/y", Digest: one})
	assert.True(t, errors.As(err, &conflict), "file used as directory should conflict")

	err = b.AddSymlink(Symlink{Path: "a", Target: "elsewhere"})
	assert.True(t, errors.As(err, &conflict), "symlink over directory should conflict")
}

func TestBuilder_RejectsBadPaths(t *testing.T) {
	b := NewBuilder(DefaultPolicy)
	for _, p := range []string{"/etc/passwd", "../up", "a/../../up", ""} {
		err := b.AddFile(File{Path: p, Digest: digest.Empty})
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", p)
	}
}

// TestExpand_ListsWithoutContent verifies the listing of a built tree.
func TestExpand_ListsWithoutContent(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	hello := storeFile(t, s, "hello")

	b := NewBuilder(DefaultPolicy)
	require.NoError(t, b.AddFile(File{Path: "dir/hello.txt", Digest: hello}))
	require.NoError(t, b.AddSymlink(Symlink{Path: "link", Target: "dir/hello.txt"}))
	require.NoError(t, b.AddDir("empty"))
	root, err := b.Build(ctx, s)
	require.NoError(t, err)

	loadsBefore := s.Loads()
	tree, err := Expand(ctx, s, root)
	require.NoError(t, err)

	var paths []string
	for _, e := range tree.Entries {
		paths = append(paths, e.Path+":"+e.Kind.String())
	}
	want := []string{"dir:directory", "dir/hello.txt:file", "empty:directory", "link:symlink"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	// Three directories: root, dir, empty.
	assert.Equal(t, 3, s.Loads()-loadsBefore, "expand must not read file bytes")

	e, ok := tree.Lookup("dir/hello.txt")
	require.True(t, ok)
	assert.Equal(t, hello, e.Digest)

	proto := tree.Proto()
	assert.NotNil(t, proto.GetRoot())
	assert.Len(t, proto.GetChildren(), 2)
}

// TestWalk_IncludesDirectoriesAndFiles verifies digest enumeration.
func TestWalk_IncludesDirectoriesAndFiles(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	a := storeFile(t, s, "a")
	b := NewBuilder(DefaultPolicy)
	require.NoError(t, b.AddFile(File{Path: "x/a", Digest: a}))
	require.NoError(t, b.AddFile(File{Path: "y/a", Digest: a}))
	root, err := b.Build(ctx, s)
	require.NoError(t, err)

	ds, err := Walk(ctx, s, root)
	require.NoError(t, err)
	// root, one shared subdirectory digest (x and y are identical), one file.
	assert.Len(t, ds, 3)
	assert.Contains(t, ds, root)
	assert.Contains(t, ds, a)
}

// TestMerge verifies identical duplicates merge silently and collisions fail.
func TestMerge(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	shared := storeFile(t, s, "shared")
	left := storeFile(t, s, "left")
	right := storeFile(t, s, "right")

	build := func(files ...File) digest.Digest {
		b := NewBuilder(DefaultPolicy)
		for _, f := range files {
			require.NoError(t, b.AddFile(f))
		}
		d, err := b.Build(ctx, s)
		require.NoError(t, err)
		return d
	}

	a := build(File{Path: "lib/shared", Digest: shared}, File{Path: "src/left", Digest: left})
	b := build(File{Path: "lib/shared", Digest: shared}, File{Path: "tools/right", Digest: right})
	merged, err := Merge(ctx, s, a, b)
	require.NoError(t, err)

	want := build(
		File{Path: "lib/shared", Digest: shared},
		File{Path: "src/left", Digest: left},
		File{Path: "tools/right", Digest: right},
	)
	assert.Equal(t, want, merged)

	clash := build(File{Path: "lib/shared", Digest: right})
	_, err = Merge(ctx, s, a, clash)
	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, "lib/shared", conflict.Path)
}

// TestSubtreeAndAddPrefix verifies that the two operations are inverse.
func TestSubtreeAndAddPrefix(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	b := NewBuilder(DefaultPolicy)
	require.NoError(t, b.AddFile(File{Path: "f", Digest: storeFile(t, s, "f")}))
	inner, err := b.Build(ctx, s)
	require.NoError(t, err)

	outer, err := AddPrefix(ctx, s, inner, "out/gen")
	require.NoError(t, err)
	got, err := Subtree(ctx, s, outer, "out/gen")
	require.NoError(t, err)
	assert.Equal(t, inner, got)

	_, err = Subtree(ctx, s, outer, "out/missing")
	assert.ErrorIs(t, err, ErrNoSuchPath)
}

// TestMaterializeRoundTrip verifies that materializing and recapturing a
// tree gives back the same digest, exec bit and symlinks included.
func TestMaterializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	b := NewBuilder(DefaultPolicy)
	require.NoError(t, b.AddFile(File{Path: "bin/run", Digest: storeFile(t, s, "#!/bin/sh\necho hi\n"), Executable: true}))
	require.NoError(t, b.AddFile(File{Path: "data/input.txt", Digest: storeFile(t, s, "input")}))
	require.NoError(t, b.AddSymlink(Symlink{Path: "data/alias", Target: "input.txt"}))
	require.NoError(t, b.AddDir("scratch"))
	root, err := b.Build(ctx, s)
	require.NoError(t, err)

	dest := t.TempDir()
	n, err := Materialize(ctx, s, root, dest, DefaultPolicy)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	info, err := os.Stat(filepath.Join(dest, "bin", "run"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)

	target, err := os.Readlink(filepath.Join(dest, "data", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "input.txt", target)

	again, err := FromDisk(ctx, s, dest, []string{"."}, CaptureOptions{Policy: DefaultPolicy})
	require.NoError(t, err)
	assert.Equal(t, root, again)

	n, err = Materialize(ctx, s, root, dest, DefaultPolicy)
	require.NoError(t, err)
	assert.Zero(t, n, "up-to-date files are not rewritten")
}

// TestExpand_RejectsUnsafeNames verifies that stored directories whose
// entry names could address anything but a direct child are refused, and
// that nothing is written for them.
func TestExpand_RejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	blob := storeFile(t, s, "escaped").Proto()
	sub, err := StoreDirectory(ctx, s, &repb.Directory{})
	require.NoError(t, err)

	cases := map[string]*repb.Directory{
		"parent file":       {Files: []*repb.FileNode{{Name: "../escaped.txt", Digest: blob}}},
		"dot dot":           {Files: []*repb.FileNode{{Name: "..", Digest: blob}}},
		"dot":               {Directories: []*repb.DirectoryNode{{Name: ".", Digest: sub.Proto()}}},
		"empty":             {Files: []*repb.FileNode{{Name: "", Digest: blob}}},
		"separator":         {Files: []*repb.FileNode{{Name: "a/b", Digest: blob}}},
		"absolute":          {Symlinks: []*repb.SymlinkNode{{Name: "/etc/passwd", Target: "x"}}},
		"duplicate file":    {Files: []*repb.FileNode{{Name: "a", Digest: blob}, {Name: "a", Digest: blob}}},
		"file and dir":      {Files: []*repb.FileNode{{Name: "a", Digest: blob}}, Directories: []*repb.DirectoryNode{{Name: "a", Digest: sub.Proto()}}},
		"symlink and dir":   {Symlinks: []*repb.SymlinkNode{{Name: "a", Target: "/"}}, Directories: []*repb.DirectoryNode{{Name: "a", Digest: sub.Proto()}}},
		"nested parent dir": {Directories: []*repb.DirectoryNode{{Name: "ok", Digest: mustStore(t, s, &repb.Directory{Files: []*repb.FileNode{{Name: "..", Digest: blob}}}).Proto()}}},
	}
	for name, dir := range cases {
		root := mustStore(t, s, dir)
		_, err := Expand(ctx, s, root)
		assert.ErrorIs(t, err, ErrInvalidPath, name)

		base := t.TempDir()
		dest := filepath.Join(base, "sandbox")
		_, err = Materialize(ctx, s, root, dest, DefaultPolicy)
		assert.ErrorIs(t, err, ErrInvalidPath, name)
		_, statErr := os.Stat(filepath.Join(base, "escaped.txt"))
		assert.True(t, os.IsNotExist(statErr), "%s wrote outside the destination", name)
	}
}

// TestMaterialize_DoesNotWriteThroughSymlinks verifies that an existing
// symlink in the destination is never followed.
func TestMaterialize_DoesNotWriteThroughSymlinks(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	b := NewBuilder(DefaultPolicy)
	require.NoError(t, b.AddFile(File{Path: "out/file.txt", Digest: storeFile(t, s, "data")}))
	root, err := b.Build(ctx, s)
	require.NoError(t, err)

	outside := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "out")))

	_, err = Materialize(ctx, s, root, dest, DefaultPolicy)
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, statErr := os.Stat(filepath.Join(outside, "file.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func mustStore(t *testing.T, s *cas.Memory, dir *repb.Directory) digest.Digest {
	t.Helper()
	d, err := StoreDirectory(context.Background(), s, dir)
	require.NoError(t, err)
	return d
}

// TestFromDisk_SymlinkPolicy verifies follow versus preserve.
func TestFromDisk_SymlinkPolicy(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("content"), 0o644))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(dir, "link.txt")))

	preserved, err := FromDisk(ctx, s, dir, []string{"link.txt"}, CaptureOptions{Policy: DefaultPolicy})
	require.NoError(t, err)
	followed, err := FromDisk(ctx, s, dir, []string{"link.txt"}, CaptureOptions{Policy: Policy{IncludeExecutable: true, Symlinks: SymlinksFollow}})
	require.NoError(t, err)
	assert.NotEqual(t, preserved, followed)

	tree, err := Expand(ctx, s, followed)
	require.NoError(t, err)
	e, ok := tree.Lookup("link.txt")
	require.True(t, ok)
	assert.Equal(t, KindFile, e.Kind)
	assert.Equal(t, digest.Of([]byte("content")), e.Digest)
}

// TestFromDisk_MissingPaths verifies the AllowMissing switch.
func TestFromDisk_MissingPaths(t *testing.T) {
	ctx := context.Background()
	s := cas.NewMemory()
	dir := t.TempDir()

	_, err := FromDisk(ctx, s, dir, []string{"nope"}, CaptureOptions{Policy: DefaultPolicy})
	assert.Error(t, err)

	root, err := FromDisk(ctx, s, dir, []string{"nope"}, CaptureOptions{Policy: DefaultPolicy, AllowMissing: true})
	require.NoError(t, err)
	assert.Equal(t, EmptyDigest, root)
}

// TestGlob verifies sorted, deduplicated, file-only expansion.
func TestGlob(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"b.go", "a.go", "sub/c.go", "notes.txt"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(p), 0o644))
	}

	got, err := Glob(dir, []string{"*.go", "a.go", "sub/*.go", "sub", "missing.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go", "sub/c.go"}, got)

	_, err = Glob(dir, []string{"/abs/*.go"})
	assert.ErrorIs(t, err, ErrInvalidPath)
}
