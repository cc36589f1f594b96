package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"buildcore/internal/digest"
)

// Tiered consults a local store first and falls back to a remote tier.
// Successful remote reads populate the local tier.
type Tiered struct {
	Local  Store
	Remote Remote

	// WriteRemote makes Store upload new content to the remote tier as well.
	WriteRemote bool

	Logger *slog.Logger
}

func (t *Tiered) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Tiered) Store(ctx context.Context, data []byte) (digest.Digest, error) {
	d, err := t.Local.Store(ctx, data)
	if err != nil {
		return digest.Digest{}, err
	}
	if !t.WriteRemote || t.Remote == nil {
		return d, nil
	}
	missing, err := t.Remote.FindMissing(ctx, []digest.Digest{d})
	if err != nil {
		return digest.Digest{}, fmt.Errorf("remote find missing: %w", err)
	}
	if len(missing) == 0 {
		return d, nil
	}
	if err := t.Remote.Upload(ctx, map[digest.Digest][]byte{d: data}); err != nil {
		return digest.Digest{}, fmt.Errorf("remote upload %s: %w", d, err)
	}
	return d, nil
}

func (t *Tiered) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := t.Local.Load(ctx, d)
	if err == nil {
		return data, nil
	}
	var serr *StoreError
	corrupt := errors.As(err, &serr)
	if !corrupt && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if t.Remote == nil {
		return nil, err
	}
	if corrupt {
		t.logger().Warn("refetching corrupt local entry", "digest", d.String())
	}

	data, rerr := t.Remote.Load(ctx, d)
	if rerr != nil {
		if corrupt {
			// The single re-fetch failed; surface the original corruption.
			return nil, err
		}
		return nil, rerr
	}
	if !d.Matches(data) {
		return nil, &StoreError{Op: "fetch", Digest: d, Err: ErrCorrupt}
	}
	if _, err := t.Local.Store(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *Tiered) Has(ctx context.Context, d digest.Digest) (bool, error) {
	ok, err := t.Local.Has(ctx, d)
	if err != nil || ok || t.Remote == nil {
		return ok, err
	}
	missing, err := t.Remote.FindMissing(ctx, []digest.Digest{d})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (t *Tiered) FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	missing, err := t.Local.FindMissing(ctx, ds)
	if err != nil || len(missing) == 0 || t.Remote == nil {
		return missing, err
	}
	return t.Remote.FindMissing(ctx, missing)
}

// Pin forwards to the local tier when it supports reference counting.
func (t *Tiered) Pin(d digest.Digest) {
	if p, ok := t.Local.(Pinner); ok {
		p.Pin(d)
	}
}

// Unpin forwards to the local tier when it supports reference counting.
func (t *Tiered) Unpin(d digest.Digest) {
	if p, ok := t.Local.(Pinner); ok {
		p.Unpin(d)
	}
}

// Pinner is implemented by stores that honour external reference counts.
type Pinner interface {
	Pin(d digest.Digest)
	Unpin(d digest.Digest)
}
