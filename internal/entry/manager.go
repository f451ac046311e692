// Package entry reads and writes logical documents: an entry holding
// metadata and an ordered list of leaves whose concatenation is the content.
package entry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/chunk"
	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/keylock"
	"github.com/leafsync/leafsync/internal/model"
)

// Waiter blocks until a leaf replicates.
type Waiter interface {
	Await(ctx context.Context, id string, timeout time.Duration) error
}

// Config configures a Manager.
type Config struct {
	Store       docstore.Store
	Leaves      *chunk.LeafStore
	Waiter      Waiter        // nil: missing leaves fail immediately
	WaitTimeout time.Duration // 0 uses the waiter's default
	Logger      zerolog.Logger
}

// PutOptions describes the content being written.
type PutOptions struct {
	Binary bool
	CTime  time.Time // zero keeps the existing ctime, or now for new entries
	MTime  time.Time // zero means now
}

// PutResult reports the outcome of Put and Delete.
type PutResult struct {
	ID      string
	Rev     string
	Skipped bool // content and deletion state were unchanged
	Leaves  *chunk.WriteResult
}

// Document is an entry revision with its assembled content.
type Document struct {
	ID        string
	Rev       string
	Entry     *model.Entry
	Content   []byte
	Conflicts []string
}

// Path returns the document's path.
func (d *Document) Path() string { return model.IDToPath(d.ID) }

// Manager serialises writes per entry and assembles content from leaves.
type Manager struct {
	store       docstore.Store
	leaves      *chunk.LeafStore
	waiter      Waiter
	waitTimeout time.Duration
	logger      zerolog.Logger

	locks keylock.Map

	flaggedMu sync.Mutex
	flagged   map[string]error
}

// New creates an entry manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Leaves == nil {
		return nil, errors.New("entry manager: store and leaf store are required")
	}
	return &Manager{
		store:       cfg.Store,
		leaves:      cfg.Leaves,
		waiter:      cfg.Waiter,
		waitTimeout: cfg.WaitTimeout,
		logger:      cfg.Logger.With().Str("component", "entry").Logger(),
		flagged:     make(map[string]error),
	}, nil
}

// Lock serialises work on the entry with id. Other packages that rewrite
// entries take the same lock.
func (m *Manager) Lock(ctx context.Context, id string) (func(), error) {
	return m.locks.Lock(ctx, id)
}

// Put writes content at path. Writing content identical to the current
// revision is skipped and creates no revision.
func (m *Manager) Put(ctx context.Context, path string, content []byte, opts PutOptions) (*PutResult, error) {
	id := model.PathToID(path)
	if !model.IsEntryID(id) {
		return nil, fmt.Errorf("%w: %q", docstore.ErrInvalidID, path)
	}

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.PutLocked(ctx, path, content, opts)
}

// PutLocked is Put for callers already holding Lock on the entry's id.
func (m *Manager) PutLocked(ctx context.Context, path string, content []byte, opts PutOptions) (*PutResult, error) {
	id := model.PathToID(path)
	cur, existing, err := m.current(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing != nil && !existing.Deleted && existing.IsBinary() == opts.Binary {
		old, err := m.assemble(ctx, id, existing, false)
		if err == nil && bytes.Equal(old, content) {
			m.logger.Debug().Str("id", id).Msg("content unchanged, write skipped")
			return &PutResult{ID: id, Rev: cur.Rev, Skipped: true}, nil
		}
	}

	leaves, err := m.leaves.Write(ctx, id, content, !opts.Binary)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	e := &model.Entry{
		Type:     model.KindPlain,
		Path:     model.NormalizePath(path),
		Children: leaves.IDs,
		CTime:    now.UnixMilli(),
		MTime:    now.UnixMilli(),
		Size:     int64(len(content)),
	}
	if opts.Binary {
		e.Type = model.KindBinary
	}
	if existing != nil {
		e.CTime = existing.CTime
	}
	if !opts.CTime.IsZero() {
		e.CTime = opts.CTime.UnixMilli()
	}
	if !opts.MTime.IsZero() {
		e.MTime = opts.MTime.UnixMilli()
	}

	rev, err := m.write(ctx, id, cur, e)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("id", id).Str("rev", rev).Int("leaves", len(leaves.IDs)).Msg("entry written")
	return &PutResult{ID: id, Rev: rev, Leaves: leaves}, nil
}

// Delete soft-deletes path: the entry stays with deleted set and no leaves,
// so the deletion replicates like any other edit.
func (m *Manager) Delete(ctx context.Context, path string, mtime time.Time) (*PutResult, error) {
	id := model.PathToID(path)

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, existing, err := m.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("delete %s: %w", id, docstore.ErrNotFound)
	}
	if existing.Deleted {
		return &PutResult{ID: id, Rev: cur.Rev, Skipped: true}, nil
	}

	if mtime.IsZero() {
		mtime = time.Now()
	}
	e := *existing
	e.Children = []string{}
	e.Size = 0
	e.Deleted = true
	e.MTime = mtime.UnixMilli()

	rev, err := m.write(ctx, id, cur, &e)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("id", id).Str("rev", rev).Msg("entry deleted")
	return &PutResult{ID: id, Rev: rev}, nil
}

// current returns the winning revision of id and its entry, or nils when
// absent.
func (m *Manager) current(ctx context.Context, id string) (*docstore.Doc, *model.Entry, error) {
	doc, err := m.store.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", id, err)
	}
	e, err := model.DecodeEntry(doc.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("entry %s: %w", id, err)
	}
	return doc, e, nil
}

func (m *Manager) write(ctx context.Context, id string, cur *docstore.Doc, e *model.Entry) (string, error) {
	body, err := model.Encode(e)
	if err != nil {
		return "", err
	}
	doc := &docstore.Doc{ID: id, Body: body}
	if cur != nil {
		doc.Rev = cur.Rev
	}
	rev, err := m.store.Put(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", id, err)
	}
	return rev, nil
}

// Get returns the winning revision of path with its content. Deleted
// entries report docstore.ErrNotFound.
func (m *Manager) Get(ctx context.Context, path string) (*Document, error) {
	id := model.PathToID(path)
	doc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	d, err := m.document(ctx, doc)
	if err != nil {
		return nil, err
	}
	if d.Entry.Deleted {
		return nil, fmt.Errorf("get %s: %w", id, docstore.ErrNotFound)
	}

	info, err := m.store.Revisions(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Conflicts = info.Conflicts
	return d, nil
}

// GetRev returns a specific revision of the entry with id, deleted entries
// included.
func (m *Manager) GetRev(ctx context.Context, id, rev string) (*Document, error) {
	doc, err := m.store.GetRev(ctx, id, rev)
	if err != nil {
		return nil, fmt.Errorf("get %s@%s: %w", id, rev, err)
	}
	if doc.Deleted {
		return nil, fmt.Errorf("get %s@%s: %w", id, rev, docstore.ErrNotFound)
	}
	return m.document(ctx, doc)
}

func (m *Manager) document(ctx context.Context, doc *docstore.Doc) (*Document, error) {
	e, err := model.DecodeEntry(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", doc.ID, err)
	}
	d := &Document{ID: doc.ID, Rev: doc.Rev, Entry: e}
	if e.Deleted {
		return d, nil
	}
	d.Content, err = m.Assemble(ctx, doc.ID, e)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Assemble concatenates the entry's leaves in order. A leaf that is not
// present yet is awaited once; if it still cannot be read the read fails
// with *MissingLeafError and the entry is flagged.
func (m *Manager) Assemble(ctx context.Context, id string, e *model.Entry) ([]byte, error) {
	content, err := m.assemble(ctx, id, e, true)
	if err != nil {
		var merr *MissingLeafError
		if errors.As(err, &merr) {
			m.flag(id, merr)
		}
		return nil, err
	}
	m.unflag(id)
	return content, nil
}

func (m *Manager) assemble(ctx context.Context, id string, e *model.Entry, wait bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(e.Size))

	for _, leafID := range e.Children {
		content, err := m.readLeaf(ctx, leafID, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &MissingLeafError{EntryID: id, LeafID: leafID, Err: err}
		}
		buf.Write(content)
	}

	if int64(buf.Len()) != e.Size {
		m.logger.Warn().
			Err(ErrIntegrityMismatch).
			Str("id", id).
			Int64("declared", e.Size).
			Int("assembled", buf.Len()).
			Msg("entry size mismatch")
	}
	return buf.Bytes(), nil
}

func (m *Manager) readLeaf(ctx context.Context, id string, wait bool) ([]byte, error) {
	content, err := m.leaves.Read(ctx, id)
	if err == nil || !errors.Is(err, chunk.ErrNotFound) || !wait || m.waiter == nil {
		return content, err
	}
	if err := m.waiter.Await(ctx, id, m.waitTimeout); err != nil {
		return nil, err
	}
	return m.leaves.Read(ctx, id)
}

// Item is one row of List.
type Item struct {
	ID        string
	Path      string
	Rev       string
	Entry     *model.Entry
	Conflicts bool
}

// List returns every entry in id order without content. Deleted entries
// are included only when includeDeleted is set.
func (m *Manager) List(ctx context.Context, includeDeleted bool) ([]Item, error) {
	rows, err := m.store.AllDocs(ctx, docstore.AllDocsOptions{})
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, row := range rows {
		if !model.IsEntryID(row.ID) {
			continue
		}
		doc, err := m.store.Get(ctx, row.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("id", row.ID).Msg("list: entry unreadable")
			continue
		}
		e, err := model.DecodeEntry(doc.Body)
		if err != nil {
			m.logger.Warn().Err(err).Str("id", row.ID).Msg("list: not an entry")
			continue
		}
		if e.Deleted && !includeDeleted {
			continue
		}
		info, err := m.store.Revisions(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{
			ID:        row.ID,
			Path:      model.IDToPath(row.ID),
			Rev:       doc.Rev,
			Entry:     e,
			Conflicts: len(info.Conflicts) > 0,
		})
	}
	return items, nil
}

// Flagged returns the ids of entries whose last read failed on a leaf.
func (m *Manager) Flagged() []string {
	m.flaggedMu.Lock()
	defer m.flaggedMu.Unlock()
	ids := make([]string, 0, len(m.flagged))
	for id := range m.flagged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) flag(id string, err error) {
	m.flaggedMu.Lock()
	m.flagged[id] = err
	m.flaggedMu.Unlock()
	m.logger.Error().Err(err).Str("id", id).Msg("entry flagged: leaf could not be read")
}

func (m *Manager) unflag(id string) {
	m.flaggedMu.Lock()
	delete(m.flagged, id)
	m.flaggedMu.Unlock()
}
