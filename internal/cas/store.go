// Package cas implements the content-addressable store shared by the graph,
// the filesystem intrinsics and the process executor.
//
// Entries are immutable once written: storing the same bytes twice is a
// no-op, so concurrent writers never need to coordinate beyond per-digest
// deduplication.
package cas

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"buildcore/internal/digest"
)

var (
	// ErrNotFound is returned by Load when no tier holds the digest.
	ErrNotFound = errors.New("blob not found")

	// ErrCorrupt marks an entry whose bytes do not match its digest.
	ErrCorrupt = errors.New("blob content does not match digest")
)

// Store is the contract every content store satisfies.
type Store interface {
	// Store writes data and returns its digest. Idempotent.
	Store(ctx context.Context, data []byte) (digest.Digest, error)

	// Load returns the bytes for d, or an error wrapping ErrNotFound.
	Load(ctx context.Context, d digest.Digest) ([]byte, error)

	// Has reports whether d is present.
	Has(ctx context.Context, d digest.Digest) (bool, error)

	// FindMissing returns the subset of ds that is not present, sorted.
	FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error)
}

// Remote is a second-tier store reached over the network.
type Remote interface {
	Load(ctx context.Context, d digest.Digest) ([]byte, error)
	FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error)
	Upload(ctx context.Context, blobs map[digest.Digest][]byte) error
}

// StoreError reports an unreadable or corrupt local entry. The graph retries
// a computation that failed with a StoreError once before treating it as
// fatal for the root request.
type StoreError struct {
	Op     string
	Digest digest.Digest
	Err    error
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Digest, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// RetryOnce marks the error as worth a single recomputation.
func (e *StoreError) RetryOnce() bool { return true }

// Fatal marks the error as halting the enclosing root request.
func (e *StoreError) Fatal() bool { return true }

// LoadMany loads every digest in ds from s.
func LoadMany(ctx context.Context, s Store, ds []digest.Digest) (map[digest.Digest][]byte, error) {
	out := make(map[digest.Digest][]byte, len(ds))
	for _, d := range ds {
		if _, ok := out[d]; ok {
			continue
		}
		data, err := s.Load(ctx, d)
		if err != nil {
			return nil, err
		}
		out[d] = data
	}
	return out, nil
}

// SortDigests orders ds in place by hash, then size.
func SortDigests(ds []digest.Digest) {
	sort.Slice(ds, func(i, j int) bool { return digest.Less(ds[i], ds[j]) })
}

func dedupe(ds []digest.Digest) []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(ds))
	out := make([]digest.Digest, 0, len(ds))
	for _, d := range ds {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Memory is an in-memory Store. It also satisfies Remote, which makes it a
// convenient stand-in for a remote tier in tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
	loads int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[digest.Digest][]byte)}
}

func (m *Memory) Store(_ context.Context, data []byte) (digest.Digest, error) {
	d := digest.Of(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[d]; !ok {
		m.blobs[d] = append([]byte(nil), data...)
	}
	return d, nil
}

func (m *Memory) Load(_ context.Context, d digest.Digest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	data, ok := m.blobs[d]
	if !ok {
		return nil, fmt.Errorf("%s: %w", d, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Has(_ context.Context, d digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[d]
	return ok, nil
}

func (m *Memory) FindMissing(_ context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []digest.Digest
	for _, d := range dedupe(ds) {
		if _, ok := m.blobs[d]; !ok {
			missing = append(missing, d)
		}
	}
	SortDigests(missing)
	return missing, nil
}

func (m *Memory) Upload(_ context.Context, blobs map[digest.Digest][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d, data := range blobs {
		if !d.Matches(data) {
			return &StoreError{Op: "upload", Digest: d, Err: ErrCorrupt}
		}
		m.blobs[d] = append([]byte(nil), data...)
	}
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Loads returns how many Load calls have been served.
func (m *Memory) Loads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}

// Delete removes d. Tests use it to simulate eviction on a remote tier.
func (m *Memory) Delete(d digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, d)
}

// Corrupt overwrites the bytes stored for d without changing the key.
func (m *Memory) Corrupt(d digest.Digest, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[d] = append([]byte(nil), data...)
}
