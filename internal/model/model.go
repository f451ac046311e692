// Package model defines the documents stored in the replication store.
//
// Every replicated body is one variant of the sealed Body interface. The JSON
// form carries a "type" discriminator and Decode is the only place that maps
// a discriminator back to a Go type.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the document type discriminator.
type Kind string

// Document kinds.
const (
	KindPlain     Kind = "plain"         // text entry
	KindBinary    Kind = "newnote"       // binary entry
	KindLeaf      Kind = "leaf"          // content-addressed chunk
	KindVersion   Kind = "versioninfo"   // remote version marker
	KindMilestone Kind = "milestoneinfo" // remote lock document
	KindNodeInfo  Kind = "nodeinfo"      // local node registration
)

// Body is implemented by every storable document body.
type Body interface {
	Kind() Kind
	sealed()
}

// Entry is a logical document: metadata plus ordered leaf references.
type Entry struct {
	Type     Kind     `json:"type"`
	Path     string   `json:"path"`
	Children []string `json:"children"`
	CTime    int64    `json:"ctime"` // unix milliseconds
	MTime    int64    `json:"mtime"` // unix milliseconds
	Size     int64    `json:"size"`
	Deleted  bool     `json:"deleted,omitempty"`
}

// Kind implements Body.
func (e *Entry) Kind() Kind { return e.Type }

// IsBinary reports whether the entry holds binary content.
func (e *Entry) IsBinary() bool { return e.Type == KindBinary }

// ModTime returns MTime as a time.Time.
func (e *Entry) ModTime() time.Time { return time.UnixMilli(e.MTime) }

func (*Entry) sealed() {}

// Leaf is an immutable chunk payload.
type Leaf struct {
	Data       []byte `json:"data"`
	Encrypted  bool   `json:"e,omitempty"`
	Compressed bool   `json:"z,omitempty"`
}

// Kind implements Body.
func (*Leaf) Kind() Kind { return KindLeaf }
func (*Leaf) sealed()    {}

// VersionInfo records the protocol version a remote accepts.
type VersionInfo struct {
	Version int `json:"version"`
}

// Kind implements Body.
func (*VersionInfo) Kind() Kind { return KindVersion }
func (*VersionInfo) sealed()    {}

// Milestone gates which nodes may replicate with a remote.
type Milestone struct {
	Locked        bool     `json:"locked"`
	AcceptedNodes []string `json:"accepted_nodes"`
	Created       int64    `json:"created"` // unix milliseconds
}

// Kind implements Body.
func (*Milestone) Kind() Kind { return KindMilestone }
func (*Milestone) sealed()    {}

// Accepts reports whether nodeID is in the accepted set.
func (m *Milestone) Accepts(nodeID string) bool {
	for _, n := range m.AcceptedNodes {
		if n == nodeID {
			return true
		}
	}
	return false
}

// NodeInfo holds this replica's random node identifier.
type NodeInfo struct {
	NodeID string `json:"node_id"`
}

// Kind implements Body.
func (*NodeInfo) Kind() Kind { return KindNodeInfo }
func (*NodeInfo) sealed()    {}

// Encode marshals a body with its type discriminator.
func Encode(b Body) (json.RawMessage, error) {
	switch v := b.(type) {
	case *Entry:
		if v.Type != KindPlain && v.Type != KindBinary {
			return nil, fmt.Errorf("%w: entry type %q", ErrUnknownKind, v.Type)
		}
		if v.Children == nil {
			v.Children = []string{}
		}
		return json.Marshal(v)
	case *Leaf, *VersionInfo, *Milestone, *NodeInfo:
		return marshalTagged(b.Kind(), v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, b)
	}
}

func marshalTagged(kind Kind, v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(kind)
	return json.Marshal(fields)
}

// Decode unmarshals a body by its type discriminator.
func Decode(raw json.RawMessage) (Body, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode document type: %w", err)
	}

	var b Body
	switch head.Type {
	case KindPlain, KindBinary:
		b = &Entry{}
	case KindLeaf:
		b = &Leaf{}
	case KindVersion:
		b = &VersionInfo{}
	case KindMilestone:
		b = &Milestone{}
	case KindNodeInfo:
		b = &NodeInfo{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}

	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", head.Type, err)
	}
	return b, nil
}

// DecodeEntry decodes raw and requires an Entry.
func DecodeEntry(raw json.RawMessage) (*Entry, error) {
	b, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	e, ok := b.(*Entry)
	if !ok {
		return nil, fmt.Errorf("%w: expected entry, got %s", ErrUnexpectedKind, b.Kind())
	}
	return e, nil
}

// DecodeLeaf decodes raw and requires a Leaf.
func DecodeLeaf(raw json.RawMessage) (*Leaf, error) {
	b, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	l, ok := b.(*Leaf)
	if !ok {
		return nil, fmt.Errorf("%w: expected leaf, got %s", ErrUnexpectedKind, b.Kind())
	}
	return l, nil
}
