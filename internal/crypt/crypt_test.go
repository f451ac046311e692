package crypt

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, recycle int) *Manager {
	t.Helper()
	m, err := NewManager(Config{Iterations: 1000, KeyRecycle: recycle, CacheSize: 8})
	require.NoError(t, err)
	return m
}

func TestManager_RoundTrip(t *testing.T) {
	m := newTestManager(t, 0)

	inputs := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0, 1, 2, 255}, 10_000),
		[]byte("日本語のノート\n\n# heading"),
	}

	for _, plain := range inputs {
		sealed, err := m.Encrypt(plain, "correct horse")
		require.NoError(t, err)
		assert.True(t, IsEncrypted(sealed))

		opened, err := m.Decrypt(sealed, "correct horse")
		require.NoError(t, err)
		assert.Equal(t, len(plain), len(opened))
		assert.True(t, bytes.Equal(plain, opened))
	}
}

func TestManager_WrongPassphrase(t *testing.T) {
	m := newTestManager(t, 0)

	sealed, err := m.Encrypt([]byte("secret note"), "right")
	require.NoError(t, err)

	opened, err := m.Decrypt(sealed, "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))
	assert.Nil(t, opened)
}

func TestManager_CorruptedPayload(t *testing.T) {
	m := newTestManager(t, 0)

	sealed, err := m.Encrypt([]byte("secret note"), "pass")
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = m.Decrypt(sealed, "pass")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = m.Decrypt([]byte("LSE1short"), "pass")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = m.Decrypt([]byte("plain text that was never sealed at all, long enough"), "pass")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestManager_DecryptWithFreshManager(t *testing.T) {
	writer := newTestManager(t, 0)
	reader := newTestManager(t, 0)

	sealed, err := writer.Encrypt([]byte("cross replica"), "shared")
	require.NoError(t, err)

	opened, err := reader.Decrypt(sealed, "shared")
	require.NoError(t, err)
	assert.Equal(t, []byte("cross replica"), opened)
}

func TestManager_KeyCacheAndRecycle(t *testing.T) {
	m := newTestManager(t, 3)

	var salts [][]byte
	for i := 0; i < 7; i++ {
		sealed, err := m.Encrypt([]byte("x"), "pass")
		require.NoError(t, err)
		salts = append(salts, append([]byte(nil), sealed[len(magic):len(magic)+SaltSize]...))
	}

	// 7 encryptions with recycle=3 -> derivations at 1, 4, 7
	assert.Equal(t, uint64(3), m.Derivations())
	assert.Equal(t, salts[0], salts[1])
	assert.Equal(t, salts[0], salts[2])
	assert.NotEqual(t, salts[2], salts[3])
	assert.NotEqual(t, salts[5], salts[6])

	// Decrypting own payloads reuses the cached key
	before := m.Derivations()
	sealed, err := m.Encrypt([]byte("y"), "pass")
	require.NoError(t, err)
	_, err = m.Decrypt(sealed, "pass")
	require.NoError(t, err)
	assert.Equal(t, before, m.Derivations())
}

func TestManager_NonceUniqueAndWrap(t *testing.T) {
	m := newTestManager(t, 0)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := m.nextNonce()
		require.NoError(t, err)
		assert.False(t, seen[string(n)], "nonce reused")
		seen[string(n)] = true
	}

	m.nonceMu.Lock()
	prefix := m.nonceFixed
	m.counter = math.MaxUint32
	m.nonceMu.Unlock()

	n, err := m.nextNonce()
	require.NoError(t, err)
	assert.NotEqual(t, prefix[:], n[:nonceFixedSize], "prefix must be redrawn before the counter wraps")
	assert.Equal(t, []byte{0, 0, 0, 1}, n[nonceFixedSize:])
}

func TestManager_ConcurrentUse(t *testing.T) {
	m := newTestManager(t, 5)

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			plain := []byte{byte(idx), 'a', 'b'}
			sealed, err := m.Encrypt(plain, "pass")
			if err != nil {
				errs[idx] = err
				return
			}
			opened, err := m.Decrypt(sealed, "pass")
			if err != nil {
				errs[idx] = err
				return
			}
			if !bytes.Equal(plain, opened) {
				errs[idx] = errors.New("round trip mismatch")
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}
}

func TestManager_EmptyPassphrase(t *testing.T) {
	m := newTestManager(t, 0)

	_, err := m.Encrypt([]byte("x"), "")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	_, _, err = m.DeriveKey("")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}

func TestDedupSecret(t *testing.T) {
	a, err := DedupSecret("pass")
	require.NoError(t, err)
	b, err := DedupSecret("pass")
	require.NoError(t, err)
	c, err := DedupSecret("other")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
