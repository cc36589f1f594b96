package merkle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"buildcore/internal/digest"
)

// maxLinkDepth bounds how many directory symlinks SymlinksFollow traverses.
const maxLinkDepth = 32

// CaptureOptions controls FromDisk.
type CaptureOptions struct {
	Policy Policy

	// AllowMissing skips declared paths that do not exist instead of failing.
	// Process outputs use it: an action may legitimately not produce a
	// declared output.
	AllowMissing bool
}

// FromDisk captures the given paths (relative to base) into a tree. A path
// naming a directory is captured recursively. File bytes are stored in s.
//
// Only the declared paths are read; nothing else under base is scanned.
func FromDisk(ctx context.Context, s Storer, base string, paths []string, opts CaptureOptions) (digest.Digest, error) {
	c := &capturer{ctx: ctx, store: s, opts: opts, b: NewBuilder(opts.Policy)}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	for _, p := range sorted {
		parts, err := splitPath(filepath.ToSlash(p))
		if err != nil {
			return digest.Digest{}, err
		}
		rel := strings.Join(parts, "/")
		full := filepath.Join(base, filepath.FromSlash(rel))
		if _, err := os.Lstat(full); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if opts.AllowMissing {
					continue
				}
				return digest.Digest{}, fmt.Errorf("declared path does not exist: %s", p)
			}
			return digest.Digest{}, fmt.Errorf("stat %q: %w", p, err)
		}
		if err := c.capture(rel, full, 0); err != nil {
			return digest.Digest{}, err
		}
	}
	return c.b.Build(ctx, s)
}

type capturer struct {
	ctx   context.Context
	store Storer
	opts  CaptureOptions
	b     *Builder
}

func (c *capturer) capture(rel, full string, depth int) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("stat %q: %w", rel, err)
	}
	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		if c.opts.Policy.Symlinks == SymlinksPreserve {
			target, err := os.Readlink(full)
			if err != nil {
				return fmt.Errorf("readlink %q: %w", rel, err)
			}
			return c.b.AddSymlink(Symlink{Path: rel, Target: target})
		}
		if depth >= maxLinkDepth {
			return fmt.Errorf("too many levels of symbolic links at %q", rel)
		}
		resolved, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("follow %q: %w", rel, err)
		}
		if resolved.IsDir() {
			return c.captureDir(rel, full, depth+1)
		}
		return c.captureFile(rel, full, resolved.Mode())
	case mode.IsDir():
		return c.captureDir(rel, full, depth)
	case mode.IsRegular():
		return c.captureFile(rel, full, mode)
	default:
		// Sockets, devices and pipes have no content to address.
		return nil
	}
}

func (c *capturer) captureDir(rel, full string, depth int) error {
	if err := c.b.AddDir(rel); err != nil {
		return err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return fmt.Errorf("read directory %q: %w", rel, err)
	}
	for _, e := range entries {
		if err := c.capture(path.Join(rel, e.Name()), filepath.Join(full, e.Name()), depth); err != nil {
			return err
		}
	}
	return nil
}

func (c *capturer) captureFile(rel, full string, mode os.FileMode) error {
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("read %q: %w", rel, err)
	}
	d, err := c.store.Store(c.ctx, data)
	if err != nil {
		return err
	}
	return c.b.AddFile(File{Path: rel, Digest: d, Executable: mode&0o111 != 0})
}

// Glob expands patterns relative to base into a sorted, duplicate-free list
// of slash-separated file paths. A pattern without glob characters names a
// literal path and is kept only if it exists. Directories are skipped.
func Glob(base string, patterns []string) ([]string, error) {
	set := make(map[string]struct{})
	for _, pattern := range patterns {
		if filepath.IsAbs(pattern) {
			return nil, fmt.Errorf("%w: pattern %q is absolute", ErrInvalidPath, pattern)
		}
		matches, err := filepath.Glob(filepath.Join(base, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("stat %q: %w", m, err)
			}
			if info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(base, m)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)
			if rel == ".." || strings.HasPrefix(rel, "../") {
				return nil, fmt.Errorf("%w: pattern %q escapes %s", ErrInvalidPath, pattern, base)
			}
			set[rel] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
