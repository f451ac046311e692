package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key layout.
const (
	docPrefix   = "doc:"
	seqPrefix   = "seq:"
	localPrefix = "local:"
	metaSeqKey  = "meta:seq"
)

// DefaultRevsLimit caps the history returned by GetRev.
const DefaultRevsLimit = 1000

// Options configures a BadgerStore.
type Options struct {
	Path       string // data directory; ignored when InMemory
	InMemory   bool
	SyncWrites bool
	RevsLimit  int
	Logger     zerolog.Logger
}

// BadgerStore implements Store on an embedded Badger database.
type BadgerStore struct {
	db        *badger.DB
	logger    zerolog.Logger
	revsLimit int
	hub       *hub

	// writeMu serialises writers so sequence numbers are gap free.
	writeMu sync.Mutex
	seq     uint64
	closed  bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a store.
func OpenBadger(opts Options) (*BadgerStore, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("badger store: path is required")
	}
	if opts.RevsLimit <= 0 {
		opts.RevsLimit = DefaultRevsLimit
	}

	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}

	logger := opts.Logger.With().Str("component", "docstore").Logger()
	s := &BadgerStore{
		db:        db,
		logger:    logger,
		revsLimit: opts.RevsLimit,
		hub:       newHub(logger),
	}

	if err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaSeqKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt sequence counter")
			}
			s.seq = binary.BigEndian.Uint64(v)
			return nil
		})
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load sequence: %w", err)
	}

	logger.Debug().Bool("in_memory", opts.InMemory).Uint64("update_seq", s.seq).Msg("store opened")
	return s, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory(logger zerolog.Logger) (*BadgerStore, error) {
	return OpenBadger(Options{InMemory: true, Logger: logger})
}

// Close releases the database and ends all subscriptions.
func (s *BadgerStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.close()
	return s.db.Close()
}

// RunValueLogGC reclaims value log space. badger.ErrNoRewrite is not an error.
func (s *BadgerStore) RunValueLogGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log gc: %w", err)
	}
	return nil
}

// view runs a read transaction, reporting a closed database as ErrClosed.
func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	err := s.db.View(fn)
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func docKey(id string) []byte   { return []byte(docPrefix + id) }
func localKey(id string) []byte { return []byte(localPrefix + id) }
func seqKey(seq uint64) []byte  { return []byte(fmt.Sprintf("%s%016x", seqPrefix, seq)) }

func loadRecord(txn *badger.Txn, id string) (*docRecord, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec docRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", id, err)
	}
	return &rec, nil
}

func validID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *Doc
	err := s.view(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		rev, n := rec.winner()
		if n == nil || n.Deleted {
			return ErrNotFound
		}
		doc = &Doc{ID: id, Rev: rev, Body: n.Body, Seq: rec.Seq}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetRev implements Store. Deleted revisions are returned with Deleted set;
// non-leaf revisions have no body and report ErrNotFound.
func (s *BadgerStore) GetRev(ctx context.Context, id, rev string) (*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *Doc
	err := s.view(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		n, ok := rec.Revs[rev]
		if !ok || (n.Body == nil && !n.Deleted) {
			return ErrNotFound
		}
		doc = &Doc{
			ID:        id,
			Rev:       rev,
			Deleted:   n.Deleted,
			Body:      n.Body,
			Revisions: rec.history(rev, s.revsLimit),
			Seq:       rec.Seq,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Revisions implements Store.
func (s *BadgerStore) Revisions(ctx context.Context, id string) (*RevInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var info *RevInfo
	err := s.view(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		info = rec.info()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// RevsDiff implements Store.
func (s *BadgerStore) RevsDiff(ctx context.Context, id string, revs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var missing []string
	err := s.view(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			if rec == nil {
				missing = append(missing, rev)
				continue
			}
			if _, ok := rec.Revs[rev]; !ok {
				missing = append(missing, rev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, doc *Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validID(doc.ID); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var (
		rev    string
		change Change
	)
	next := s.seq + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, doc.ID)
		if err != nil {
			return err
		}

		parent := doc.Rev
		switch {
		case rec == nil:
			if doc.Rev != "" {
				return ErrConflict
			}
			rec = newDocRecord(doc.ID)
		case doc.Rev == "":
			// Recreating a deleted document extends the tombstone branch.
			w, n := rec.winner()
			if n != nil && !n.Deleted {
				return ErrConflict
			}
			parent = w
		case !rec.isLeaf(doc.Rev):
			return ErrConflict
		}

		oldSeq := rec.Seq
		rev = rec.addChild(parent, doc.Deleted, doc.Body)
		change, err = s.commitRecord(txn, rec, oldSeq, next)
		return err
	})
	if err != nil {
		return "", err
	}

	s.seq = next
	s.hub.publish(change)
	return rev, nil
}

// Remove implements Store.
func (s *BadgerStore) Remove(ctx context.Context, id, rev string) (string, error) {
	if rev == "" {
		return "", ErrConflict
	}
	return s.Put(ctx, &Doc{ID: id, Rev: rev, Deleted: true})
}

// Purge implements Store. The update sequence does not move and no change is
// published; a replica that still holds the document may send it again.
func (s *BadgerStore) Purge(ctx context.Context, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		if w, _ := rec.winner(); w != rev {
			return ErrConflict
		}
		if rec.Seq != 0 {
			if err := txn.Delete(seqKey(rec.Seq)); err != nil {
				return err
			}
		}
		return txn.Delete(docKey(id))
	})
}

// BulkPut implements Store.
func (s *BadgerStore) BulkPut(ctx context.Context, docs []*Doc, opts BulkOptions) ([]BulkResult, error) {
	results := make([]BulkResult, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := BulkResult{ID: doc.ID}
		if opts.NewEdits {
			res.Rev, res.Err = s.Put(ctx, doc)
		} else {
			res.Rev, res.Err = s.putReplicated(doc)
		}
		results = append(results, res)
	}
	return results, nil
}

// putReplicated stores doc.Revisions verbatim without minting revisions.
func (s *BadgerStore) putReplicated(doc *Doc) (string, error) {
	if err := validID(doc.ID); err != nil {
		return "", err
	}
	revs := doc.Revisions
	if len(revs) == 0 {
		revs = []string{doc.Rev}
	}
	if doc.Rev == "" || revs[0] != doc.Rev {
		return "", fmt.Errorf("%w: history must start with %q", ErrBadRev, doc.Rev)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var (
		change  Change
		changed bool
	)
	next := s.seq + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, doc.ID)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = newDocRecord(doc.ID)
		}
		oldSeq := rec.Seq
		changed, err = rec.graft(revs, doc.Deleted, doc.Body)
		if err != nil || !changed {
			return err
		}
		change, err = s.commitRecord(txn, rec, oldSeq, next)
		return err
	})
	if err != nil {
		return "", err
	}
	if changed {
		s.seq = next
		s.hub.publish(change)
	}
	return doc.Rev, nil
}

// commitRecord stores rec under sequence next and moves its changes-feed row.
func (s *BadgerStore) commitRecord(txn *badger.Txn, rec *docRecord, oldSeq, next uint64) (Change, error) {
	if oldSeq != 0 {
		if err := txn.Delete(seqKey(oldSeq)); err != nil {
			return Change{}, err
		}
	}
	rec.Seq = next

	raw, err := json.Marshal(rec)
	if err != nil {
		return Change{}, fmt.Errorf("encode record %q: %w", rec.ID, err)
	}
	if err := txn.Set(docKey(rec.ID), raw); err != nil {
		return Change{}, err
	}
	if err := txn.Set(seqKey(next), []byte(rec.ID)); err != nil {
		return Change{}, err
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], next)
	if err := txn.Set([]byte(metaSeqKey), seqBuf[:]); err != nil {
		return Change{}, err
	}
	return changeOf(rec), nil
}

func changeOf(rec *docRecord) Change {
	leaves := rec.leaves()
	_, w := rec.winner()
	return Change{
		Seq:     rec.Seq,
		ID:      rec.ID,
		Deleted: w != nil && w.Deleted,
		Revs:    leaves,
	}
}

// AllDocs implements Store.
func (s *BadgerStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error) {
	var rows []Row
	err := s.view(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte(docPrefix)
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(docKey(opts.StartKey)); it.ValidForPrefix(iopts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := strings.TrimPrefix(string(it.Item().Key()), docPrefix)
			if opts.EndKey != "" && id > opts.EndKey {
				break
			}

			var rec docRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode record %q: %w", id, err)
			}
			rev, n := rec.winner()
			if n == nil || (n.Deleted && !opts.IncludeDeleted) {
				continue
			}
			rows = append(rows, Row{ID: id, Rev: rev, Deleted: n.Deleted, Seq: rec.Seq})
			if opts.Limit > 0 && len(rows) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Changes implements Store. Each document appears once, at its latest seq.
func (s *BadgerStore) Changes(ctx context.Context, opts ChangesOptions) (*ChangesResult, error) {
	res := &ChangesResult{LastSeq: opts.Since}
	err := s.view(func(txn *badger.Txn) error {
		// key-only: values are read on demand, the tail is only counted
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = []byte(seqPrefix)
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(seqKey(opts.Since + 1)); it.ValidForPrefix(iopts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if opts.Limit > 0 && len(res.Results) >= opts.Limit {
				res.Pending++
				continue
			}

			seq, err := strconv.ParseUint(strings.TrimPrefix(string(it.Item().Key()), seqPrefix), 16, 64)
			if err != nil {
				return fmt.Errorf("corrupt changes key %q: %w", it.Item().Key(), err)
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := loadRecord(txn, string(id))
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			res.Results = append(res.Results, changeOf(rec))
			res.LastSeq = seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Subscribe implements Store.
func (s *BadgerStore) Subscribe() (<-chan Change, func()) {
	return s.hub.subscribe()
}

type localRecord struct {
	Rev  string          `json:"rev"`
	Body json.RawMessage `json:"body"`
}

// GetLocal implements Store.
func (s *BadgerStore) GetLocal(ctx context.Context, id string) (*LocalDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *LocalDoc
	err := s.view(func(txn *badger.Txn) error {
		lr, err := loadLocal(txn, id)
		if err != nil {
			return err
		}
		if lr == nil {
			return ErrNotFound
		}
		doc = &LocalDoc{ID: id, Rev: lr.Rev, Body: lr.Body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func loadLocal(txn *badger.Txn, id string) (*localRecord, error) {
	item, err := txn.Get(localKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lr localRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &lr)
	}); err != nil {
		return nil, fmt.Errorf("decode local %q: %w", id, err)
	}
	return &lr, nil
}

// PutLocal implements Store.
func (s *BadgerStore) PutLocal(ctx context.Context, doc *LocalDoc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validID(doc.ID); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var rev string
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := loadLocal(txn, doc.ID)
		if err != nil {
			return err
		}
		n := 1
		if cur == nil {
			if doc.Rev != "" {
				return ErrConflict
			}
		} else {
			if doc.Rev != cur.Rev {
				return ErrConflict
			}
			prev, err := strconv.Atoi(strings.TrimPrefix(cur.Rev, "0-"))
			if err != nil {
				return fmt.Errorf("%w: %q", ErrBadRev, cur.Rev)
			}
			n = prev + 1
		}
		rev = "0-" + strconv.Itoa(n)
		raw, err := json.Marshal(localRecord{Rev: rev, Body: doc.Body})
		if err != nil {
			return err
		}
		return txn.Set(localKey(doc.ID), raw)
	})
	if err != nil {
		return "", err
	}
	return rev, nil
}

// DeleteLocal implements Store.
func (s *BadgerStore) DeleteLocal(ctx context.Context, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := loadLocal(txn, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		if cur.Rev != rev {
			return ErrConflict
		}
		return txn.Delete(localKey(id))
	})
}

// Info implements Store.
func (s *BadgerStore) Info(ctx context.Context) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	info := &Info{UpdateSeq: s.seq}
	s.writeMu.Unlock()

	err := s.view(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = []byte(docPrefix)
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(iopts.Prefix); it.Next() {
			info.DocCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
