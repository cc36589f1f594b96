package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"golang.org/x/sync/singleflight"

	"buildcore/internal/digest"
)

// LocalOptions configures the on-disk tier.
type LocalOptions struct {
	// MaxBytes caps the total size of unpinned content. Zero disables eviction.
	MaxBytes int64

	Logger *slog.Logger
}

// Local is a content store rooted at a directory on disk. Entries live at
// {dir}/{hash[0:2]}/{hash}-{size} and are written with a temp file and rename.
type Local struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger

	writes singleflight.Group

	mu    sync.Mutex
	sizes map[digest.Digest]int64
	used  int64
	// recency holds unpinned entries only; pinned entries cannot be chosen
	// for eviction because they are not in the list.
	recency *simplelru.LRU
	pins    map[digest.Digest]int
}

// OpenLocal opens (creating if needed) a store under dir and rebuilds its
// index from the files already present.
func OpenLocal(dir string, opts LocalOptions) (*Local, error) {
	if dir == "" {
		return nil, errors.New("cas: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create %s: %w", dir, err)
	}
	recency, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		dir:      dir,
		maxBytes: opts.MaxBytes,
		logger:   logger,
		sizes:    make(map[digest.Digest]int64),
		recency:  recency,
		pins:     make(map[digest.Digest]int),
	}
	if err := l.scan(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the store root.
func (l *Local) Dir() string { return l.dir }

func (l *Local) path(d digest.Digest) string {
	return filepath.Join(l.dir, d.Hash[:2], d.Hash+"-"+strconv.FormatInt(d.Size, 10))
}

type scanned struct {
	d     digest.Digest
	mtime int64
}

// scan rebuilds the in-memory index, oldest files first so that recency
// approximates access order before the restart.
func (l *Local) scan() error {
	var found []scanned
	err := filepath.WalkDir(l.dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		name := e.Name()
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(p)
			return nil
		}
		hashPart, sizePart, ok := strings.Cut(name, "-")
		if !ok {
			return nil
		}
		size, perr := strconv.ParseInt(sizePart, 10, 64)
		if perr != nil {
			return nil
		}
		d := digest.Digest{Hash: hashPart, Size: size}
		if d.Validate() != nil {
			return nil
		}
		info, ierr := e.Info()
		if ierr != nil {
			return nil
		}
		found = append(found, scanned{d: d, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cas: scan %s: %w", l.dir, err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime < found[j].mtime })

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range found {
		l.trackLocked(f.d)
	}
	l.evictLocked()
	return nil
}

func (l *Local) trackLocked(d digest.Digest) {
	if _, ok := l.sizes[d]; ok {
		if l.pins[d] == 0 {
			l.recency.Get(d)
		}
		return
	}
	l.sizes[d] = d.Size
	l.used += d.Size
	if l.pins[d] == 0 {
		l.recency.Add(d, d.Size)
	}
}

func (l *Local) forgetLocked(d digest.Digest) {
	size, ok := l.sizes[d]
	if !ok {
		return
	}
	delete(l.sizes, d)
	l.used -= size
	l.recency.Remove(d)
}

func (l *Local) evictLocked() {
	if l.maxBytes <= 0 {
		return
	}
	for l.used > l.maxBytes {
		k, _, ok := l.recency.RemoveOldest()
		if !ok {
			return
		}
		d := k.(digest.Digest)
		if err := os.Remove(l.path(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("cas eviction failed", "digest", d.String(), "error", err)
		}
		size := l.sizes[d]
		delete(l.sizes, d)
		l.used -= size
		l.logger.Debug("cas evicted", "digest", d.String())
	}
}

func (l *Local) Store(ctx context.Context, data []byte) (digest.Digest, error) {
	d := digest.Of(data)
	if err := l.put(ctx, d, data); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// put writes data under d. Callers must have verified that data matches d.
func (l *Local) put(ctx context.Context, d digest.Digest, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err, _ := l.writes.Do(d.String(), func() (any, error) {
		p := l.path(d)
		if info, err := os.Stat(p); err == nil && info.Size() == d.Size {
			return nil, nil
		}
		if err := writeFileAtomic(p, data, 0o644); err != nil {
			return nil, &StoreError{Op: "store", Digest: d, Err: err}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.trackLocked(d)
	l.evictLocked()
	l.mu.Unlock()
	return nil
}

func (l *Local) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	p := l.path(d)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.mu.Lock()
			l.forgetLocked(d)
			l.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", d, ErrNotFound)
		}
		return nil, &StoreError{Op: "load", Digest: d, Err: err}
	}
	if !d.Matches(data) {
		_ = os.Remove(p)
		l.mu.Lock()
		l.forgetLocked(d)
		l.mu.Unlock()
		l.logger.Warn("cas entry corrupt, removed", "digest", d.String(), "bytes", len(data))
		return nil, &StoreError{Op: "load", Digest: d, Err: ErrCorrupt}
	}
	l.mu.Lock()
	l.trackLocked(d)
	l.mu.Unlock()
	return data, nil
}

func (l *Local) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.Validate() != nil {
		return false, nil
	}
	info, err := os.Stat(l.path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StoreError{Op: "has", Digest: d, Err: err}
	}
	return info.Size() == d.Size, nil
}

func (l *Local) FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range dedupe(ds) {
		ok, err := l.Has(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	SortDigests(missing)
	return missing, nil
}

// Pin takes an external reference on d. Pinned content is never evicted.
func (l *Local) Pin(d digest.Digest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pins[d]++
	l.recency.Remove(d)
}

// Unpin drops a reference taken by Pin. When the count reaches zero the
// entry becomes eligible for eviction again.
func (l *Local) Unpin(d digest.Digest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.pins[d]
	if n == 0 {
		return
	}
	if n > 1 {
		l.pins[d] = n - 1
		return
	}
	delete(l.pins, d)
	if _, ok := l.sizes[d]; ok {
		l.recency.Add(d, d.Size)
		l.evictLocked()
	}
}

// Usage reports the bytes currently indexed and the number of pinned digests.
func (l *Local) Usage() (bytes int64, pinned int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used, len(l.pins)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
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
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
