package merkle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"buildcore/internal/digest"
)

// Materialize writes the tree under root into dest, creating directories,
// files and symlinks. Files already present with the right content and mode
// are left alone. It returns the number of files written.
func Materialize(ctx context.Context, l Loader, root digest.Digest, dest string, policy Policy) (int, error) {
	t, err := Expand(ctx, l, root)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}

	written := 0
	for _, e := range t.Entries {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		target, err := targetPath(dest, e.Path)
		if err != nil {
			return written, err
		}
		switch e.Kind {
		case KindDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, fmt.Errorf("create directory %s: %w", e.Path, err)
			}
		case KindSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return written, err
			}
			if existing, err := os.Readlink(target); err == nil && existing == e.Target {
				continue
			}
			_ = os.Remove(target)
			if err := os.Symlink(e.Target, target); err != nil {
				return written, fmt.Errorf("symlink %s: %w", e.Path, err)
			}
		case KindFile:
			perm := os.FileMode(0o644)
			if e.Executable && policy.IncludeExecutable {
				perm = 0o755
			}
			if upToDate(target, e.Digest, perm) {
				continue
			}
			data, err := l.Load(ctx, e.Digest)
			if err != nil {
				return written, fmt.Errorf("load %s: %w", e.Path, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return written, err
			}
			if err := writeFile(target, data, perm); err != nil {
				return written, fmt.Errorf("write %s: %w", e.Path, err)
			}
			written++
		}
	}
	return written, nil
}

// targetPath resolves rel under dest. Every existing parent of the target
// must be a real directory so that nothing is written through a symlink.
func targetPath(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	r, err := filepath.Rel(dest, target)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidPath, rel, dest)
	}
	parts := strings.Split(r, string(filepath.Separator))
	cur := dest
	for _, part := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %q passes through non-directory %s", ErrInvalidPath, rel, cur)
		}
	}
	return target, nil
}

func upToDate(p string, d digest.Digest, perm os.FileMode) bool {
	info, err := os.Lstat(p)
	if err != nil || !info.Mode().IsRegular() || info.Size() != d.Size {
		return false
	}
	if info.Mode().Perm()&0o111 != perm&0o111 {
		return false
	}
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	have, err := digest.FromReader(f)
	return err == nil && have == d
}

// writeFile replaces p with data via a temp file in the same directory.
func writeFile(p string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, err := os.Lstat(p); err == nil && info.IsDir() {
		return &fs.PathError{Op: "write", Path: p, Err: errors.New("is a directory")}
	}
	return os.Rename(tmpName, p)
}
