// Package hashing provides the fast non-cryptographic digests used as leaf
// dedup keys. They are not security sensitive; salting only keeps keys from
// matching across replicas that use different passphrases.
package hashing

import (
	"fmt"
	"hash"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Supported algorithm names, as used in configuration.
const (
	AlgorithmXXHash64 = "xxhash64"
	AlgorithmMurmur32 = "murmur32"
)

// Hasher computes dedup digests of chunk content.
type Hasher interface {
	// Digest returns the lower-case base36 digest of content.
	Digest(content []byte) string
	// Salted reports whether digests are mixed with a secret.
	Salted() bool
	// Algorithm returns the configuration name of the hasher.
	Algorithm() string
}

// New returns the hasher for algorithm. A non-empty secret salts every digest.
func New(algorithm string, secret []byte) (Hasher, error) {
	switch algorithm {
	case "", AlgorithmXXHash64:
		return &XXHash64{secret: secret}, nil
	case AlgorithmMurmur32:
		return &Murmur32{secret: secret}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}

// XXHash64 digests with xxHash64.
type XXHash64 struct {
	secret []byte
}

// Digest implements Hasher.
func (h *XXHash64) Digest(content []byte) string {
	if len(h.secret) == 0 {
		return strconv.FormatUint(xxhash.Sum64(content), 36)
	}
	d := xxhash.New()
	writeSalted(d, h.secret, content)
	return strconv.FormatUint(d.Sum64(), 36)
}

// Salted implements Hasher.
func (h *XXHash64) Salted() bool { return len(h.secret) > 0 }

// Algorithm implements Hasher.
func (h *XXHash64) Algorithm() string { return AlgorithmXXHash64 }

// Murmur32 digests with 32-bit MurmurHash3. Shorter keys, more collisions.
type Murmur32 struct {
	secret []byte
}

// Digest implements Hasher.
func (h *Murmur32) Digest(content []byte) string {
	if len(h.secret) == 0 {
		return strconv.FormatUint(uint64(murmur3.Sum32(content)), 36)
	}
	d := murmur3.New32()
	writeSalted(d, h.secret, content)
	return strconv.FormatUint(uint64(d.Sum32()), 36)
}

// Salted implements Hasher.
func (h *Murmur32) Salted() bool { return len(h.secret) > 0 }

// Algorithm implements Hasher.
func (h *Murmur32) Algorithm() string { return AlgorithmMurmur32 }

// writeSalted feeds secret, a separator and content. hash.Hash writes never fail.
func writeSalted(w hash.Hash, secret, content []byte) {
	_, _ = w.Write(secret)
	_, _ = w.Write([]byte{0})
	_, _ = w.Write(content)
}
