package chunk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/crypt"
	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/hashing"
	"github.com/leafsync/leafsync/internal/keylock"
	"github.com/leafsync/leafsync/internal/metrics"
	"github.com/leafsync/leafsync/internal/model"
)

// Leaf store defaults.
const (
	DefaultCacheSize = 512
	DefaultMaxProbe  = 100

	// allocation attempts per candidate id when a concurrent writer wins
	maxAllocRetries = 3
)

// Config configures a LeafStore.
type Config struct {
	Store    docstore.Store
	Splitter *Splitter      // default: NewSplitter(SplitterConfig{})
	Hasher   hashing.Hasher // default: unsalted xxhash64

	// Crypt enables payload encryption with Passphrase when set.
	Crypt      *crypt.Manager
	Passphrase string

	Compress  bool // zstd leaf payloads when it saves space
	CacheSize int  // entries per cache direction (default: 512)
	MaxProbe  int  // collision suffixes tried before giving up (default: 100)

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// WriteResult reports the leaves a write resolved to.
type WriteResult struct {
	IDs     []string
	Created int
	Reused  int
}

// LeafStore persists unique pieces as leaf documents.
// Pipeline: content -> dedup key -> zstd (optional) -> encrypt (optional) -> store
type LeafStore struct {
	store      docstore.Store
	splitter   *Splitter
	hasher     hashing.Hasher
	crypt      *crypt.Manager
	passphrase string
	compress   bool
	maxProbe   int
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	cache *leafCache
	locks keylock.Map

	encoderPool sync.Pool
	decoderPool sync.Pool
}

type claimOutcome int

const (
	claimCreated claimOutcome = iota
	claimReused
	claimTaken
)

// New creates a leaf store.
func New(cfg Config) (*LeafStore, error) {
	if cfg.Store == nil {
		return nil, errors.New("leaf store: store is required")
	}
	if cfg.Crypt != nil && cfg.Passphrase == "" {
		return nil, crypt.ErrEmptyPassphrase
	}
	if cfg.Splitter == nil {
		cfg.Splitter = NewSplitter(SplitterConfig{})
	}
	if cfg.Hasher == nil {
		h, err := hashing.New(hashing.AlgorithmXXHash64, nil)
		if err != nil {
			return nil, err
		}
		cfg.Hasher = h
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxProbe <= 0 {
		cfg.MaxProbe = DefaultMaxProbe
	}

	cache, err := newLeafCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create leaf cache: %w", err)
	}

	s := &LeafStore{
		store:      cfg.Store,
		splitter:   cfg.Splitter,
		hasher:     cfg.Hasher,
		crypt:      cfg.Crypt,
		passphrase: cfg.Passphrase,
		compress:   cfg.Compress,
		maxProbe:   cfg.MaxProbe,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "leafstore").Logger(),
		cache:      cache,
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s, nil
}

// Encrypted reports whether new leaves are encrypted.
func (s *LeafStore) Encrypted() bool { return s.crypt != nil }

// Write splits content and stores every piece, returning the ordered leaf
// ids. Writing content that is already stored allocates nothing.
func (s *LeafStore) Write(ctx context.Context, docID string, content []byte, plain bool) (*WriteResult, error) {
	pieces, err := s.splitter.Split(content, plain)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", docID, err)
	}

	res := &WriteResult{IDs: make([]string, 0, len(pieces))}
	for i, piece := range pieces {
		id, created, err := s.Put(ctx, piece)
		if err != nil {
			return nil, fmt.Errorf("write leaf %d of %s: %w", i, docID, err)
		}
		res.IDs = append(res.IDs, id)
		if created {
			res.Created++
		} else {
			res.Reused++
		}
	}

	s.logger.Debug().
		Str("doc", docID).
		Int("leaves", len(res.IDs)).
		Int("created", res.Created).
		Int("reused", res.Reused).
		Msg("leaves written")
	return res, nil
}

// Put stores one piece and returns its leaf id. created is false when an
// existing leaf with identical content was reused.
func (s *LeafStore) Put(ctx context.Context, content []byte) (id string, created bool, err error) {
	digest := s.hasher.Digest(content)
	if id, ok := s.cache.idFor(digest, content); ok {
		s.countReused()
		return id, false, nil
	}

	salted := s.hasher.Salted()
	for probe := 0; probe <= s.maxProbe; probe++ {
		id := model.LeafID(digest, salted, probe)
		outcome, err := s.claim(ctx, id, content)
		if err != nil {
			return "", false, err
		}

		switch outcome {
		case claimCreated:
			s.cache.add(digest, id, content)
			if s.metrics != nil {
				s.metrics.LeavesWritten.Inc()
			}
			return id, true, nil
		case claimReused:
			s.cache.add(digest, id, content)
			s.countReused()
			return id, false, nil
		case claimTaken:
			if s.metrics != nil {
				s.metrics.CollisionProbes.Inc()
			}
			s.logger.Debug().Str("leaf", id).Msg("dedup key holds different content, probing next")
		}
	}
	return "", false, fmt.Errorf("%w: digest %s after %d probes", ErrCollisionExhausted, digest, s.maxProbe+1)
}

// claim resolves one candidate id under its lock: reuse it, allocate it, or
// report it taken by different content.
func (s *LeafStore) claim(ctx context.Context, id string, content []byte) (claimOutcome, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		existing, err := s.fetch(ctx, id)
		switch {
		case err == nil:
			if bytes.Equal(existing, content) {
				return claimReused, nil
			}
			return claimTaken, nil
		case errors.Is(err, ErrNotFound):
			err := s.allocate(ctx, id, content)
			if errors.Is(err, docstore.ErrConflict) {
				// created elsewhere since the fetch, compare again
				continue
			}
			if err != nil {
				return 0, err
			}
			return claimCreated, nil
		default:
			return 0, err
		}
	}
	return 0, fmt.Errorf("allocate leaf %s: %w", id, docstore.ErrConflict)
}

func (s *LeafStore) allocate(ctx context.Context, id string, content []byte) error {
	leaf, err := s.seal(content)
	if err != nil {
		return err
	}
	body, err := model.Encode(leaf)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(ctx, &docstore.Doc{ID: id, Body: body}); err != nil {
		return fmt.Errorf("put leaf %s: %w", id, err)
	}
	return nil
}

// Read returns the plaintext of leaf id. ErrNotFound means the leaf is
// absent, which may be replication lag; a decryption failure is reported as
// crypt.ErrDecryption and is never ErrNotFound.
func (s *LeafStore) Read(ctx context.Context, id string) ([]byte, error) {
	content, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(content), nil
}

func (s *LeafStore) fetch(ctx context.Context, id string) ([]byte, error) {
	if content, ok := s.cache.contentOf(id); ok {
		return content, nil
	}

	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get leaf %s: %w", id, err)
	}
	leaf, err := model.DecodeLeaf(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("leaf %s: %w", id, err)
	}
	content, err := s.open(leaf)
	if err != nil {
		if errors.Is(err, crypt.ErrDecryption) {
			s.decryptionFailed(id, err)
		}
		return nil, fmt.Errorf("leaf %s: %w", id, err)
	}

	s.cache.add("", id, content)
	return content, nil
}

// decryptionFailed drops every cached mapping; a failure usually means the
// passphrase does not match the one the leaves were written with.
func (s *LeafStore) decryptionFailed(id string, err error) {
	s.cache.purge()
	if s.metrics != nil {
		s.metrics.DecryptionFailures.Inc()
	}
	s.logger.Error().Err(err).Str("leaf", id).Msg("leaf decryption failed, check the passphrase")
}

// PurgeCache empties the dedup and content caches.
func (s *LeafStore) PurgeCache() {
	s.cache.purge()
}

func (s *LeafStore) seal(content []byte) (*model.Leaf, error) {
	leaf := &model.Leaf{Data: content}
	if s.compress {
		enc := s.encoderPool.Get().(*zstd.Encoder)
		z := enc.EncodeAll(content, nil)
		s.encoderPool.Put(enc)
		if len(z) < len(content) {
			leaf.Data = z
			leaf.Compressed = true
		}
	}
	if s.crypt != nil {
		sealed, err := s.crypt.Encrypt(leaf.Data, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("encrypt leaf: %w", err)
		}
		leaf.Data = sealed
		leaf.Encrypted = true
	}
	return leaf, nil
}

func (s *LeafStore) open(leaf *model.Leaf) ([]byte, error) {
	data := leaf.Data
	if leaf.Encrypted {
		if s.crypt == nil {
			return nil, fmt.Errorf("%w: %w", crypt.ErrDecryption, ErrNoPassphrase)
		}
		plain, err := s.crypt.Decrypt(data, s.passphrase)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	if leaf.Compressed {
		dec := s.decoderPool.Get().(*zstd.Decoder)
		defer s.decoderPool.Put(dec)
		plain, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress leaf: %w", err)
		}
		data = plain
	}
	return data, nil
}

func (s *LeafStore) countReused() {
	if s.metrics != nil {
		s.metrics.LeavesReused.Inc()
	}
}
