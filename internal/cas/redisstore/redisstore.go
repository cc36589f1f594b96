// Package redisstore is a remote cache tier backed by Redis. It serves blobs
// to cas.Tiered and action results to the executor's cache without any
// remote execution service.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"buildcore/internal/cas"
	"buildcore/internal/digest"
)

const (
	blobPrefix   = "cas:"
	actionPrefix = "ac:"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int

	// TTL expires entries after the given duration. Zero keeps them forever.
	TTL time.Duration
}

// Store talks to one Redis instance.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis. The connection is lazy; the first command reports
// connectivity errors.
func New(opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Store{client: client, ttl: opts.TTL}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.client.Close() }

func blobKey(d digest.Digest) string   { return blobPrefix + d.String() }
func actionKey(d digest.Digest) string { return actionPrefix + d.String() }

func (s *Store) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := s.client.Get(ctx, blobKey(d)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", d, cas.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !d.Matches(data) {
		return nil, &cas.StoreError{Op: "load", Digest: d, Err: cas.ErrCorrupt}
	}
	return data, nil
}

func (s *Store) FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ds))
	for i, d := range ds {
		cmds[i] = pipe.Exists(ctx, blobKey(d))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	seen := make(map[digest.Digest]bool, len(ds))
	var missing []digest.Digest
	for i, d := range ds {
		if seen[d] {
			continue
		}
		seen[d] = true
		if cmds[i].Val() == 0 {
			missing = append(missing, d)
		}
	}
	cas.SortDigests(missing)
	return missing, nil
}

func (s *Store) Upload(ctx context.Context, blobs map[digest.Digest][]byte) error {
	if len(blobs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for d, data := range blobs {
		if !d.Matches(data) {
			return &cas.StoreError{Op: "upload", Digest: d, Err: cas.ErrCorrupt}
		}
		pipe.Set(ctx, blobKey(d), data, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetActionResult returns the encoded result recorded for an action digest.
// A miss is reported as cas.ErrNotFound.
func (s *Store) GetActionResult(ctx context.Context, action digest.Digest) ([]byte, error) {
	data, err := s.client.Get(ctx, actionKey(action)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("action %s: %w", action, cas.ErrNotFound)
	}
	return data, err
}

// PutActionResult records an encoded result for an action digest.
func (s *Store) PutActionResult(ctx context.Context, action digest.Digest, data []byte) error {
	return s.client.Set(ctx, actionKey(action), data, s.ttl).Err()
}
