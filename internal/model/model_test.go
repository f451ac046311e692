package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Variants(t *testing.T) {
	bodies := []Body{
		&Entry{Type: KindPlain, Path: "notes/a.md", Children: []string{"h:1", "h:2"}, CTime: 1, MTime: 2, Size: 10},
		&Entry{Type: KindBinary, Path: "img.png", Children: []string{}, Deleted: true},
		&Leaf{Data: []byte{0, 1, 2, 3}, Encrypted: true},
		&VersionInfo{Version: 2},
		&Milestone{Locked: true, AcceptedNodes: []string{"nodeA"}, Created: 42},
		&NodeInfo{NodeID: "abc"},
	}

	for _, b := range bodies {
		raw, err := Encode(b)
		require.NoError(t, err)

		var head map[string]any
		require.NoError(t, json.Unmarshal(raw, &head))
		assert.Equal(t, string(b.Kind()), head["type"])

		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
}

func TestEncode_RejectsEntryWithoutKind(t *testing.T) {
	_, err := Encode(&Entry{Type: KindLeaf})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(json.RawMessage(`{"type":"chunkpack"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeEntry_WrongKind(t *testing.T) {
	raw, err := Encode(&Leaf{Data: []byte("x")})
	require.NoError(t, err)

	_, err = DecodeEntry(raw)
	assert.ErrorIs(t, err, ErrUnexpectedKind)

	_, err = DecodeLeaf(raw)
	assert.NoError(t, err)
}

func TestMilestone_Accepts(t *testing.T) {
	m := &Milestone{AcceptedNodes: []string{"nodeA", "nodeC"}}
	assert.True(t, m.Accepts("nodeA"))
	assert.False(t, m.Accepts("nodeB"))
}

func TestPathToID(t *testing.T) {
	tests := []struct {
		path string
		id   string
	}{
		{"notes/a.md", "notes/a.md"},
		{"/notes//a.md", "notes/a.md"},
		{`notes\sub\a.md`, "notes/sub/a.md"},
		{"./notes/./a.md", "notes/a.md"},
		{"_design/x", "/_design/x"},
		{"_local/secret", "/_local/secret"},
		{"h:abc", "/h:abc"},
		{"leafsync_version", "/leafsync_version"},
		{"leafsync_version.md", "leafsync_version.md"},
		{"Café.md", "Café.md"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id := PathToID(tt.path)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, NormalizePath(tt.path), IDToPath(id))
		})
	}
}

func TestIDToPath_ExactOnlyForNormalizedPaths(t *testing.T) {
	nfd := "Cafe\u0301.md"
	assert.Equal(t, "Caf\u00e9.md", IDToPath(PathToID(nfd)))
	assert.Equal(t, "a/b", IDToPath(PathToID("a//b")))

	for _, p := range []string{"Caf\u00e9.md", "a/b", "_x.md"} {
		assert.Equal(t, p, IDToPath(PathToID(p)))
	}
}

func TestPathToID_EscapedIsEntry(t *testing.T) {
	for _, p := range []string{"_private.md", "h:note.md", "leafsync_version"} {
		id := PathToID(p)
		assert.True(t, IsEntryID(id), "escaped id %q must be an entry id", id)
		assert.False(t, IsLeafID(id))
		assert.False(t, IsControlID(id))
	}
}

func TestIDClassification(t *testing.T) {
	assert.True(t, IsLeafID(LeafID("abc", false, 0)))
	assert.True(t, IsLeafID(LeafID("abc", true, 2)))
	assert.Equal(t, "h:+abc-2", LeafID("abc", true, 2))
	assert.Equal(t, "h:abc", LeafID("abc", false, 0))

	assert.True(t, IsControlID(VersionID))
	assert.True(t, IsControlID(MilestoneID))
	assert.True(t, IsControlID(NodeInfoID))
	assert.False(t, IsEntryID(""))
	assert.True(t, IsEntryID("notes/a.md"))
}
