// Package conflict detects entries with conflicting revisions and resolves
// them automatically where the outcome is unambiguous.
//
// Check runs, for one entry:
//
//	CHECK -> NOT_CONFLICTED | AUTO_MERGED | MANUAL_REQUIRED
//
// Automatic rules, in order: identical content keeps the newer revision;
// binary entries (or every entry under PolicyPreferNewer) keep the newer
// modification time; anything else needs a Decision.
package conflict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/entry"
	"github.com/leafsync/leafsync/internal/metrics"
	"github.com/leafsync/leafsync/internal/model"
)

// Policy selects how text conflicts are settled.
type Policy string

// Policies.
const (
	PolicyManual      Policy = "manual"
	PolicyPreferNewer Policy = "prefer_newer"
)

// DefaultMTimeTolerance absorbs clock and timestamp rounding differences.
const DefaultMTimeTolerance = 2 * time.Second

// maxPasses bounds the CHECK loop for one entry.
const maxPasses = 64

// State is the outcome of Check.
type State string

// States.
const (
	NotConflicted  State = "not_conflicted"
	AutoMerged     State = "auto_merged"
	ManualRequired State = "manual_required"
)

// Side is one conflicting revision.
type Side struct {
	Rev     string
	Entry   *model.Entry
	Content []byte
}

// Result reports the state of an entry after Check.
type Result struct {
	ID      string
	State   State
	Left    *Side    // winning revision, set when ManualRequired
	Right   *Side    // conflicting revision, set when ManualRequired
	Diff    []DiffOp // left to right, set when ManualRequired
	Removed []string // revisions deleted while resolving
}

// Path returns the entry's path.
func (r *Result) Path() string { return model.IDToPath(r.ID) }

// Choice is an operator decision for a manual conflict.
type Choice int

// Choices.
const (
	KeepLeft Choice = iota
	KeepRight
	Concat
)

// Decision settles one manual conflict. LeftRev and RightRev must match the
// revisions reported by Check.
type Decision struct {
	Choice   Choice
	LeftRev  string
	RightRev string
}

// Prompt obtains a decision for a manual conflict, typically from a human.
type Prompt func(ctx context.Context, res *Result) (Decision, error)

// Config configures a Resolver.
type Config struct {
	Store          docstore.Store
	Entries        *entry.Manager
	Policy         Policy        // default: manual
	MTimeTolerance time.Duration // default: 2s
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Resolver settles conflicting entry revisions.
type Resolver struct {
	store     docstore.Store
	entries   *entry.Manager
	policy    Policy
	tolerance time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Store == nil || cfg.Entries == nil {
		return nil, errors.New("conflict resolver: store and entry manager are required")
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyManual
	case PolicyManual, PolicyPreferNewer:
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", cfg.Policy)
	}
	if cfg.MTimeTolerance <= 0 {
		cfg.MTimeTolerance = DefaultMTimeTolerance
	}
	return &Resolver{
		store:     cfg.Store,
		entries:   cfg.Entries,
		policy:    cfg.Policy,
		tolerance: cfg.MTimeTolerance,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "conflict").Logger(),
	}, nil
}

// Check resolves what it can for path and reports what is left.
func (r *Resolver) Check(ctx context.Context, path string) (*Result, error) {
	id := model.PathToID(path)
	unlock, err := r.entries.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := r.check(ctx, id)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordConflict(string(res.State))
	return res, nil
}

func (r *Resolver) check(ctx context.Context, id string) (*Result, error) {
	res := &Result{ID: id, State: NotConflicted}

	for pass := 0; pass < maxPasses; pass++ {
		info, err := r.store.Revisions(ctx, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		if len(info.Conflicts) == 0 {
			return res, nil
		}

		left, lerr := r.load(ctx, id, info.Winner)
		right, rerr := r.load(ctx, id, info.Conflicts[0])
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var loser string
		switch {
		case lerr != nil && rerr != nil:
			return nil, fmt.Errorf("%s: %w: %v; %v", id, ErrUnreadable, lerr, rerr)
		case lerr != nil:
			r.logger.Warn().Err(lerr).Str("id", id).Str("rev", info.Winner).Msg("dropping unreadable conflicting revision")
			loser = info.Winner
		case rerr != nil:
			r.logger.Warn().Err(rerr).Str("id", id).Str("rev", info.Conflicts[0]).Msg("dropping unreadable conflicting revision")
			loser = info.Conflicts[0]
		default:
			var ok bool
			loser, ok = r.autoLoser(left, right)
			if !ok {
				res.State = ManualRequired
				res.Left = left
				res.Right = right
				res.Diff = lineDiff(string(left.Content), string(right.Content))
				return res, nil
			}
		}

		if _, err := r.store.Remove(ctx, id, loser); err != nil {
			return nil, fmt.Errorf("remove %s@%s: %w", id, loser, err)
		}
		r.logger.Info().Str("id", id).Str("removed", loser).Msg("conflict auto-resolved")
		res.State = AutoMerged
		res.Removed = append(res.Removed, loser)
	}
	return nil, fmt.Errorf("%s: conflicts remain after %d passes", id, maxPasses)
}

func (r *Resolver) load(ctx context.Context, id, rev string) (*Side, error) {
	doc, err := r.entries.GetRev(ctx, id, rev)
	if err != nil {
		return nil, err
	}
	return &Side{Rev: rev, Entry: doc.Entry, Content: doc.Content}, nil
}

// autoLoser returns the revision to delete, if the rules settle it.
func (r *Resolver) autoLoser(left, right *Side) (string, bool) {
	if left.Entry.Deleted == right.Entry.Deleted && bytes.Equal(left.Content, right.Content) {
		if right.Entry.MTime > left.Entry.MTime {
			return left.Rev, true
		}
		return right.Rev, true
	}

	binary := left.Entry.IsBinary() || right.Entry.IsBinary()
	if !binary && r.policy != PolicyPreferNewer {
		return "", false
	}

	delta := time.Duration(left.Entry.MTime-right.Entry.MTime) * time.Millisecond
	switch {
	case delta > r.tolerance:
		return right.Rev, true
	case delta < -r.tolerance:
		return left.Rev, true
	case binary:
		// no meaningful order; keep the revision every replica picks as winner
		return right.Rev, true
	default:
		return "", false
	}
}

// Resolve applies d to path and re-checks for further conflicts.
func (r *Resolver) Resolve(ctx context.Context, path string, d Decision) (*Result, error) {
	id := model.PathToID(path)
	if err := r.apply(ctx, id, d); err != nil {
		return nil, err
	}
	return r.Check(ctx, path)
}

func (r *Resolver) apply(ctx context.Context, id string, d Decision) error {
	unlock, err := r.entries.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := r.store.Revisions(ctx, id)
	if err != nil {
		return err
	}
	if info.Winner != d.LeftRev || !contains(info.Conflicts, d.RightRev) {
		return fmt.Errorf("%s: %w", id, ErrStaleDecision)
	}

	switch d.Choice {
	case KeepLeft:
		_, err = r.store.Remove(ctx, id, d.RightRev)
	case KeepRight:
		_, err = r.store.Remove(ctx, id, d.LeftRev)
	case Concat:
		err = r.concat(ctx, id, d)
	default:
		return fmt.Errorf("%w: %d", ErrBadChoice, d.Choice)
	}
	if err != nil {
		return err
	}
	r.logger.Info().Str("id", id).Int("choice", int(d.Choice)).Msg("conflict resolved by decision")
	return nil
}

// concat writes the union of both sides on top of the left revision and
// deletes the right one.
func (r *Resolver) concat(ctx context.Context, id string, d Decision) error {
	left, err := r.load(ctx, id, d.LeftRev)
	if err != nil {
		return err
	}
	right, err := r.load(ctx, id, d.RightRev)
	if err != nil {
		return err
	}
	if left.Entry.IsBinary() || right.Entry.IsBinary() {
		return fmt.Errorf("%w: binary entries cannot be concatenated", ErrBadChoice)
	}

	merged := concat(lineDiff(string(left.Content), string(right.Content)))
	mtime := left.Entry.MTime
	if right.Entry.MTime > mtime {
		mtime = right.Entry.MTime
	}
	if _, err := r.entries.PutLocked(ctx, model.IDToPath(id), []byte(merged), entry.PutOptions{
		MTime: time.UnixMilli(mtime),
	}); err != nil {
		return err
	}
	if _, err := r.store.Remove(ctx, id, d.RightRev); err != nil {
		return fmt.Errorf("remove %s@%s: %w", id, d.RightRev, err)
	}
	return nil
}

// ResolveInteractive checks path and asks prompt for every manual conflict
// until none is left.
func (r *Resolver) ResolveInteractive(ctx context.Context, path string, prompt Prompt) (*Result, error) {
	res, err := r.Check(ctx, path)
	for err == nil && res.State == ManualRequired {
		var d Decision
		d, err = prompt(ctx, res)
		if err != nil {
			return nil, err
		}
		if d.LeftRev == "" && d.RightRev == "" {
			d.LeftRev, d.RightRev = res.Left.Rev, res.Right.Rev
		}
		res, err = r.Resolve(ctx, path, d)
	}
	return res, err
}

// ScanItem is one conflicted entry found by Scan.
type ScanItem struct {
	ID        string
	Conflicts []string
	Err       error
}

// Path returns the entry's path.
func (s ScanItem) Path() string { return model.IDToPath(s.ID) }

// Scan lists entries with conflicting revisions. A failure on one entry is
// recorded on its item and the scan continues.
func (r *Resolver) Scan(ctx context.Context) ([]ScanItem, error) {
	rows, err := r.store.AllDocs(ctx, docstore.AllDocsOptions{})
	if err != nil {
		return nil, err
	}

	var items []ScanItem
	for _, row := range rows {
		if !model.IsEntryID(row.ID) {
			continue
		}
		info, err := r.store.Revisions(ctx, row.ID)
		if err != nil {
			if ctx.Err() != nil {
				return items, ctx.Err()
			}
			items = append(items, ScanItem{ID: row.ID, Err: err})
			continue
		}
		if len(info.Conflicts) > 0 {
			items = append(items, ScanItem{ID: row.ID, Conflicts: info.Conflicts})
		}
	}
	return items, nil
}

// CheckAll runs Check on every conflicted entry and returns the results.
// Per-entry failures are returned in errs keyed by id.
func (r *Resolver) CheckAll(ctx context.Context) ([]*Result, map[string]error, error) {
	items, err := r.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}

	var results []*Result
	errs := make(map[string]error)
	for _, item := range items {
		if item.Err != nil {
			errs[item.ID] = item.Err
			continue
		}
		res, err := r.Check(ctx, item.Path())
		if err != nil {
			if ctx.Err() != nil {
				return results, errs, ctx.Err()
			}
			r.logger.Error().Err(err).Str("id", item.ID).Msg("conflict check failed")
			errs[item.ID] = err
			continue
		}
		results = append(results, res)
	}
	return results, errs, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
