package docstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// revNode is one revision in a document's tree. Bodies are kept only for
// leaves; a revision loses its body once it gains a child.
type revNode struct {
	Parent  string          `json:"p,omitempty"`
	Gen     int             `json:"g"`
	Deleted bool            `json:"d,omitempty"`
	Body    json.RawMessage `json:"b,omitempty"`
}

// docRecord is the persisted form of a document.
type docRecord struct {
	ID   string              `json:"id"`
	Seq  uint64              `json:"seq"`
	Revs map[string]*revNode `json:"revs"`
}

func newDocRecord(id string) *docRecord {
	return &docRecord{ID: id, Revs: make(map[string]*revNode)}
}

// leaves returns leaf revisions ordered winner first.
func (r *docRecord) leaves() []string {
	hasChild := make(map[string]bool, len(r.Revs))
	for _, n := range r.Revs {
		if n.Parent != "" {
			hasChild[n.Parent] = true
		}
	}

	out := make([]string, 0, 1)
	for rev := range r.Revs {
		if !hasChild[rev] {
			out = append(out, rev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.beats(out[i], out[j])
	})
	return out
}

// beats orders leaves: live before deleted, then higher generation, then the
// lexically greater revision. Every replica picks the same winner.
func (r *docRecord) beats(a, b string) bool {
	na, nb := r.Revs[a], r.Revs[b]
	if na.Deleted != nb.Deleted {
		return !na.Deleted
	}
	if na.Gen != nb.Gen {
		return na.Gen > nb.Gen
	}
	return a > b
}

func (r *docRecord) isLeaf(rev string) bool {
	if _, ok := r.Revs[rev]; !ok {
		return false
	}
	for _, n := range r.Revs {
		if n.Parent == rev {
			return false
		}
	}
	return true
}

func (r *docRecord) winner() (string, *revNode) {
	leaves := r.leaves()
	if len(leaves) == 0 {
		return "", nil
	}
	return leaves[0], r.Revs[leaves[0]]
}

func (r *docRecord) info() *RevInfo {
	leaves := r.leaves()
	ri := &RevInfo{Leaves: make([]LeafRev, 0, len(leaves))}
	for i, rev := range leaves {
		n := r.Revs[rev]
		ri.Leaves = append(ri.Leaves, LeafRev{Rev: rev, Deleted: n.Deleted})
		if i == 0 {
			ri.Winner = rev
			ri.WinnerDeleted = n.Deleted
			continue
		}
		if !n.Deleted {
			ri.Conflicts = append(ri.Conflicts, rev)
		}
	}
	return ri
}

// history walks parents from rev, newest first, up to limit entries.
func (r *docRecord) history(rev string, limit int) []string {
	var out []string
	for rev != "" && len(out) < limit {
		n, ok := r.Revs[rev]
		if !ok {
			break
		}
		out = append(out, rev)
		rev = n.Parent
	}
	return out
}

// addChild appends a new revision and drops the parent's body.
func (r *docRecord) addChild(parent string, deleted bool, body json.RawMessage) string {
	gen := 1
	if p, ok := r.Revs[parent]; ok {
		gen = p.Gen + 1
		p.Body = nil
	}
	rev := makeRev(gen, parent, deleted, body)
	r.Revs[rev] = &revNode{Parent: parent, Gen: gen, Deleted: deleted, Body: body}
	return rev
}

// graft inserts a replicated history. revs is newest first and revs[0] is
// the revision carrying body. Returns false if revs[0] was already known.
func (r *docRecord) graft(revs []string, deleted bool, body json.RawMessage) (bool, error) {
	if _, ok := r.Revs[revs[0]]; ok {
		return false, nil
	}
	for i := len(revs) - 1; i >= 0; i-- {
		rev := revs[i]
		gen, err := parseGen(rev)
		if err != nil {
			return false, err
		}
		if _, ok := r.Revs[rev]; ok {
			continue
		}
		var parent string
		if i+1 < len(revs) {
			parent = revs[i+1]
		}
		node := &revNode{Parent: parent, Gen: gen}
		if i == 0 {
			node.Deleted = deleted
			node.Body = body
		}
		if p, ok := r.Revs[parent]; ok {
			p.Body = nil
		}
		r.Revs[rev] = node
	}
	return true, nil
}

// makeRev builds "gen-hash". The hash covers parent, deletion and body so
// identical edits on two replicas produce the same revision.
func makeRev(gen int, parent string, deleted bool, body json.RawMessage) string {
	h := xxhash.New()
	_, _ = h.WriteString(parent)
	if deleted {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return fmt.Sprintf("%d-%016x", gen, h.Sum64())
}

func parseGen(rev string) (int, error) {
	genStr, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadRev, rev)
	}
	gen, err := strconv.Atoi(genStr)
	if err != nil || gen < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadRev, rev)
	}
	return gen, nil
}
