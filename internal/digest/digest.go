// Package digest defines the content fingerprint used as the key of every
// content-addressed structure in the engine.
//
// A Digest is the lowercase hex SHA-256 of a byte sequence together with the
// length of that sequence. The length is always part of the identity: two
// digests with the same hash but different sizes are different digests, and
// stores refuse to serve bytes whose length does not match.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// HashSize is the number of hex characters in a valid hash.
const HashSize = sha256.Size * 2

// ErrInvalid is returned by Parse and Validate for malformed digests.
var ErrInvalid = errors.New("invalid digest")

// Digest identifies a blob by its SHA-256 hash and size in bytes.
// The zero value is not a valid digest; use Empty for zero-length content.
type Digest struct {
	Hash string
	Size int64
}

// Empty is the digest of the empty byte sequence.
var Empty = Of(nil)

// Of computes the digest of data.
func Of(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{Hash: hex.EncodeToString(sum[:]), Size: int64(len(data))}
}

// FromReader computes the digest of everything readable from r.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Hasher incrementally computes a digest while data is written to it.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns a Hasher ready for writing.
func NewHasher() *Hasher { return &Hasher{h: sha256.New()} }

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Digest returns the digest of the bytes written so far.
func (h *Hasher) Digest() Digest {
	return Digest{Hash: hex.EncodeToString(h.h.Sum(nil)), Size: h.n}
}

// Parse decodes the "hash/size" form produced by String.
func Parse(s string) (Digest, error) {
	hashPart, sizePart, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("%w: %q: missing size", ErrInvalid, s)
	}
	size, err := strconv.ParseInt(sizePart, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	d := Digest{Hash: hashPart, Size: size}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Validate checks that the hash is well-formed hex of the right length and
// the size is non-negative.
func (d Digest) Validate() error {
	if len(d.Hash) != HashSize {
		return fmt.Errorf("%w: hash %q has length %d", ErrInvalid, d.Hash, len(d.Hash))
	}
	for _, c := range d.Hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("%w: hash %q is not lowercase hex", ErrInvalid, d.Hash)
		}
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalid, d.Size)
	}
	return nil
}

// IsZero reports whether d is the zero value (not the digest of empty content).
func (d Digest) IsZero() bool { return d.Hash == "" && d.Size == 0 }

// Matches reports whether data has exactly this digest.
func (d Digest) Matches(data []byte) bool {
	if int64(len(data)) != d.Size {
		return false
	}
	return Of(data) == d
}

func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.Size, 10)
}

// Proto converts d to the REAPI wire message.
func (d Digest) Proto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

// FromProto converts a REAPI digest, validating it.
func FromProto(p *repb.Digest) (Digest, error) {
	if p == nil {
		return Digest{}, fmt.Errorf("%w: nil", ErrInvalid)
	}
	d := Digest{Hash: p.GetHash(), Size: p.GetSizeBytes()}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Less orders digests by hash, then size.
func Less(a, b Digest) bool {
	if a.Hash != b.Hash {
		return a.Hash < b.Hash
	}
	return a.Size < b.Size
}
