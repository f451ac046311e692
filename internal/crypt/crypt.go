// Package crypt derives symmetric keys from a passphrase and seals leaf
// payloads with ChaCha20-Poly1305.
//
// Payload layout:
//
//	magic "LSE1" | salt (16) | nonce (12) | ciphertext + tag
//
// The salt travels with the payload so any holder of the passphrase can
// rebuild the key without sharing cache state with the writer.
package crypt

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length.
	KeySize = chacha20poly1305.KeySize
	// SaltSize is the per-key random salt length.
	SaltSize = 16
	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 100_000
	// DefaultKeyRecycle is how many encryptions reuse one derived key.
	DefaultKeyRecycle = 1000
	// DefaultCacheSize bounds each key cache.
	DefaultCacheSize = 64

	nonceFixedSize = 8
)

var magic = []byte("LSE1")

var headerSize = len(magic) + SaltSize + chacha20poly1305.NonceSize

// Config tunes key derivation and caching.
type Config struct {
	Iterations int // PBKDF2 iterations (default: 100000)
	KeyRecycle int // Encryptions per derived key before a fresh salt is drawn (default: 1000)
	CacheSize  int // Entries per key cache (default: 64)
	Rand       io.Reader
}

type encKey struct {
	key  []byte
	salt []byte
	uses int
}

// Manager caches derived keys and seals payloads. Safe for concurrent use.
type Manager struct {
	iterations int
	recycle    int
	rand       io.Reader

	mu      sync.Mutex
	encKeys *lru.Cache[string, *encKey]
	decKeys *lru.Cache[string, []byte]

	nonceMu    sync.Mutex
	nonceFixed [nonceFixedSize]byte
	counter    uint32

	derivations atomic.Uint64
}

// NewManager creates a key manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.KeyRecycle <= 0 {
		cfg.KeyRecycle = DefaultKeyRecycle
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}

	encKeys, err := lru.New[string, *encKey](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create encryption key cache: %w", err)
	}
	decKeys, err := lru.New[string, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create decryption key cache: %w", err)
	}

	m := &Manager{
		iterations: cfg.Iterations,
		recycle:    cfg.KeyRecycle,
		rand:       cfg.Rand,
		encKeys:    encKeys,
		decKeys:    decKeys,
	}
	if err := m.refreshNonceFixed(); err != nil {
		return nil, err
	}
	return m, nil
}

// DeriveKey derives a fresh key for passphrase under a new random salt.
func (m *Manager) DeriveKey(passphrase string) (key, salt []byte, err error) {
	if passphrase == "" {
		return nil, nil, ErrEmptyPassphrase
	}
	salt = make([]byte, SaltSize)
	if _, err := io.ReadFull(m.rand, salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	return m.derive(passphrase, salt), salt, nil
}

func (m *Manager) derive(passphrase string, salt []byte) []byte {
	m.derivations.Add(1)
	return pbkdf2.Key([]byte(passphrase), salt, m.iterations, KeySize, sha256.New)
}

// Derivations returns how many PBKDF2 derivations have run.
func (m *Manager) Derivations() uint64 {
	return m.derivations.Load()
}

// Encrypt seals plaintext with a key derived from passphrase.
func (m *Manager) Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	key, salt, err := m.encryptionKey(passphrase)
	if err != nil {
		return nil, err
	}

	nonce, err := m.nextNonce()
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, 0, headerSize+len(plaintext)+aead.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	ad := append([]byte(nil), out...)
	out = append(out, nonce...)
	// magic and salt are authenticated as additional data
	return aead.Seal(out, nonce, plaintext, ad), nil
}

// Decrypt opens a payload produced by Encrypt. Any failure, including a
// wrong passphrase, returns an error wrapping ErrDecryption.
func (m *Manager) Decrypt(payload []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if !IsEncrypted(payload) {
		return nil, fmt.Errorf("%w: malformed payload", ErrDecryption)
	}

	salt := payload[len(magic) : len(magic)+SaltSize]
	nonce := payload[len(magic)+SaltSize : headerSize]

	key := m.decryptionKey(passphrase, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, payload[headerSize:], payload[:len(magic)+SaltSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether payload carries the sealed payload header.
func IsEncrypted(payload []byte) bool {
	return len(payload) >= headerSize+chacha20poly1305.Overhead && bytes.HasPrefix(payload, magic)
}

// DedupSecret derives the secret used to salt leaf dedup keys. It is
// deterministic so replicas sharing a passphrase agree on leaf ids.
func DedupSecret(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	secret := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("leafsync-dedup-v1"), []byte("leafsync leaf key"))
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("derive dedup secret: %w", err)
	}
	return secret, nil
}

// encryptionKey returns the cached key for passphrase, deriving a new one
// with a fresh salt once the cached key has been used recycle times.
func (m *Manager) encryptionKey(passphrase string) ([]byte, []byte, error) {
	if passphrase == "" {
		return nil, nil, ErrEmptyPassphrase
	}
	ck := cacheKey(passphrase, nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.encKeys.Get(ck); ok && k.uses < m.recycle {
		k.uses++
		return k.key, k.salt, nil
	}

	key, salt, err := m.DeriveKey(passphrase)
	if err != nil {
		return nil, nil, err
	}
	m.encKeys.Add(ck, &encKey{key: key, salt: salt, uses: 1})
	m.decKeys.Add(cacheKey(passphrase, salt), key)
	return key, salt, nil
}

func (m *Manager) decryptionKey(passphrase string, salt []byte) []byte {
	ck := cacheKey(passphrase, salt)
	if key, ok := m.decKeys.Get(ck); ok {
		return key
	}
	// Derived outside the lock; two racing callers produce the same key.
	key := m.derive(passphrase, salt)
	m.decKeys.Add(ck, key)
	return key
}

// nextNonce returns fixed random prefix | big-endian counter. The prefix is
// redrawn before the counter wraps.
func (m *Manager) nextNonce() ([]byte, error) {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()

	if m.counter == math.MaxUint32 {
		if err := m.refreshNonceFixedLocked(); err != nil {
			return nil, err
		}
	}
	m.counter++

	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, m.nonceFixed[:])
	binary.BigEndian.PutUint32(nonce[nonceFixedSize:], m.counter)
	return nonce, nil
}

func (m *Manager) refreshNonceFixed() error {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	return m.refreshNonceFixedLocked()
}

func (m *Manager) refreshNonceFixedLocked() error {
	if _, err := io.ReadFull(m.rand, m.nonceFixed[:]); err != nil {
		return fmt.Errorf("generate nonce prefix: %w", err)
	}
	m.counter = 0
	return nil
}

// cacheKey avoids holding raw passphrases as map keys.
func cacheKey(passphrase string, salt []byte) string {
	h := sha256.New()
	h.Write([]byte(passphrase))
	h.Write([]byte{0})
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil))
}
