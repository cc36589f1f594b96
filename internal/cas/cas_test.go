package cas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore/internal/digest"
)

func openTestLocal(t *testing.T, opts LocalOptions) *Local {
	t.Helper()
	l, err := OpenLocal(t.TempDir(), opts)
	require.NoError(t, err)
	return l
}

// TestLocal_StoreLoadHas verifies the basic store contract on disk.
func TestLocal_StoreLoadHas(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t, LocalOptions{})

	d, err := l.Store(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, digest.Of([]byte("hello")), d)

	ok, err := l.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := l.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	again, err := l.Store(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, d, again)

	_, err = l.Load(ctx, digest.Of([]byte("absent")))
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestLocal_SizeIsCoKey verifies that a digest with the right hash but the
// wrong size is never served.
func TestLocal_SizeIsCoKey(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t, LocalOptions{})

	d, err := l.Store(ctx, []byte("payload"))
	require.NoError(t, err)

	wrong := digest.Digest{Hash: d.Hash, Size: d.Size + 1}
	ok, err := l.Has(ctx, wrong)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Load(ctx, wrong)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestLocal_ConcurrentStores verifies that identical concurrent writes
// succeed and leave a single readable entry.
func TestLocal_ConcurrentStores(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t, LocalOptions{})
	data := []byte("shared content")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Store(ctx, data); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	used, _ := l.Usage()
	assert.Equal(t, int64(len(data)), used)
}

// TestLocal_CorruptEntry verifies that a damaged file is removed and
// reported as a StoreError that asks for a retry.
func TestLocal_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t, LocalOptions{})

	d, err := l.Store(ctx, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.path(d), []byte("tampered"), 0o644))

	_, err = l.Load(ctx, d)
	var serr *StoreError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.True(t, serr.RetryOnce())

	ok, err := l.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLocal_EvictsLeastRecentlyUsed verifies size-capped LRU reclamation.
func TestLocal_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t, LocalOptions{MaxBytes: 30})

	a, err := l.Store(ctx, []byte("aaaaaaaaaa"))
	require.NoError(t, err)
	b, err := l.Store(ctx, []byte("bbbbbbbbbb"))
	require.NoError(t, err)
	c, err := l.Store(ctx, []byte("cccccccccc"))
	require.NoError(t, err)

	// Touch a so that b becomes the oldest.
	_, err = l.Load(ctx, a)
	require.NoError(t, err)

	_, err = l.Store(ctx, []byte("dddddddddd"))
	require.NoError(t, err)

	for _, tc := range []struct {
		d    digest.Digest
		want bool
	}{{a, true}, {b, false}, {c, true}} {
		ok, err := l.Has(ctx, tc.d)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "digest %s", tc.d)
	}
}

// TestLocal_PinnedNeverEvicted verifies that referenced content survives
// pressure and becomes evictable again after Unpin.
func TestLocal_PinnedNeverEvicted(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t, LocalOptions{MaxBytes: 20})

	a, err := l.Store(ctx, []byte("aaaaaaaaaa"))
	require.NoError(t, err)
	l.Pin(a)

	for i := 0; i < 5; i++ {
		_, err := l.Store(ctx, []byte(fmt.Sprintf("filler-%03d", i)))
		require.NoError(t, err)
	}
	ok, err := l.Has(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok, "pinned digest was evicted")

	l.Unpin(a)
	for i := 5; i < 8; i++ {
		_, err := l.Store(ctx, []byte(fmt.Sprintf("filler-%03d", i)))
		require.NoError(t, err)
	}
	ok, err = l.Has(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok, "unpinned digest should be reclaimable")
}

// TestLocal_ReopenRebuildsIndex verifies that a restart sees existing content.
func TestLocal_ReopenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := OpenLocal(dir, LocalOptions{})
	require.NoError(t, err)
	d, err := l.Store(ctx, []byte("persisted"))
	require.NoError(t, err)

	reopened, err := OpenLocal(dir, LocalOptions{})
	require.NoError(t, err)
	used, _ := reopened.Usage()
	assert.Equal(t, d.Size, used)
	data, err := reopened.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

// TestTiered_WriteThroughOnRead verifies that a remote hit populates the
// local tier so the next read stays local.
func TestTiered_WriteThroughOnRead(t *testing.T) {
	ctx := context.Background()
	remote := NewMemory()
	d, err := remote.Store(ctx, []byte("remote only"))
	require.NoError(t, err)

	local := openTestLocal(t, LocalOptions{})
	tiered := &Tiered{Local: local, Remote: remote}

	data, err := tiered.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote only"), data)

	ok, err := local.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	loads := remote.Loads()
	_, err = tiered.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, loads, remote.Loads(), "second read should not reach the remote tier")
}

// TestTiered_RefetchesCorruptEntry verifies the single re-fetch on local
// corruption.
func TestTiered_RefetchesCorruptEntry(t *testing.T) {
	ctx := context.Background()
	remote := NewMemory()
	local := openTestLocal(t, LocalOptions{})
	tiered := &Tiered{Local: local, Remote: remote, WriteRemote: true}

	d, err := tiered.Store(ctx, []byte("precious"))
	require.NoError(t, err)
	assert.Equal(t, 1, remote.Len())

	require.NoError(t, os.WriteFile(local.path(d), []byte("garbage!"), 0o644))

	data, err := tiered.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("precious"), data)
}

// TestTiered_CorruptWithoutRemoteCopy verifies that corruption surfaces when
// the re-fetch cannot help.
func TestTiered_CorruptWithoutRemoteCopy(t *testing.T) {
	ctx := context.Background()
	local := openTestLocal(t, LocalOptions{})
	tiered := &Tiered{Local: local, Remote: NewMemory()}

	d, err := tiered.Store(ctx, []byte("local only"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(local.path(d), []byte("broken"), 0o644))

	_, err = tiered.Load(ctx, d)
	var serr *StoreError
	assert.True(t, errors.As(err, &serr), "got %v", err)
}

// TestTiered_FindMissing verifies that only digests absent from both tiers
// are reported.
func TestTiered_FindMissing(t *testing.T) {
	ctx := context.Background()
	remote := NewMemory()
	local := openTestLocal(t, LocalOptions{})
	tiered := &Tiered{Local: local, Remote: remote}

	inLocal, err := local.Store(ctx, []byte("local"))
	require.NoError(t, err)
	inRemote, err := remote.Store(ctx, []byte("remote"))
	require.NoError(t, err)
	nowhere := digest.Of([]byte("nowhere"))

	missing, err := tiered.FindMissing(ctx, []digest.Digest{inLocal, inRemote, nowhere, nowhere})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{nowhere}, missing)
}
