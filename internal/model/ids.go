package model

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Identifier prefixes and well-known control document ids.
const (
	LeafPrefix       = "h:"
	SaltedLeafPrefix = "h:+"
	LocalPrefix      = "_local/"

	VersionID    = "leafsync_version"
	MilestoneID  = LocalPrefix + "leafsync_milestone"
	NodeInfoID   = LocalPrefix + "leafsync_nodeinfo"
	CheckpointID = LocalPrefix + "leafsync_checkpoint_"

	escapePrefix = "/"
)

// NormalizePath converts a host path to the canonical slash-separated, NFC
// form: backslashes become slashes, empty and "." segments are dropped and
// there is never a leading slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = norm.NFC.String(p)

	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, s := range segments {
		if s == "" || s == "." {
			continue
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, "/")
}

// PathToID maps a path to its document id. Paths that would collide with a
// reserved prefix or control id are escaped with a leading "/", which a
// normalized path can never start with. Normalization is lossy: an NFD name
// or "a//b" maps to the same id as its NormalizePath form.
func PathToID(p string) string {
	n := NormalizePath(p)
	if isReserved(n) {
		return escapePrefix + n
	}
	return n
}

// IDToPath is the inverse of PathToID. The round trip is exact only for
// paths already in NormalizePath form.
func IDToPath(id string) string {
	return strings.TrimPrefix(id, escapePrefix)
}

func isReserved(n string) bool {
	return strings.HasPrefix(n, "_") ||
		strings.HasPrefix(n, LeafPrefix) ||
		n == VersionID
}

// LeafID builds a leaf id from a digest. probe > 0 appends the collision
// disambiguation suffix.
func LeafID(digest string, salted bool, probe int) string {
	prefix := LeafPrefix
	if salted {
		prefix = SaltedLeafPrefix
	}
	if probe == 0 {
		return prefix + digest
	}
	return prefix + digest + "-" + strconv.Itoa(probe)
}

// IsLeafID reports whether id names a leaf.
func IsLeafID(id string) bool {
	return strings.HasPrefix(id, LeafPrefix)
}

// IsControlID reports whether id names a control or protocol document.
func IsControlID(id string) bool {
	return id == VersionID || strings.HasPrefix(id, "_")
}

// IsEntryID reports whether id can name an entry.
func IsEntryID(id string) bool {
	return id != "" && !IsLeafID(id) && !IsControlID(id)
}
