// Package chunk splits document content into leaves and stores each unique
// leaf once.
package chunk

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Splitter defaults.
const (
	DefaultMinSize           = 20
	DefaultMaxSize           = 100 * 1024
	DefaultLongLineThreshold = 250
	DefaultBinaryMaxSize     = 100 * 1024
)

// SplitterConfig holds the split thresholds in bytes.
type SplitterConfig struct {
	MinSize           int // shortest text piece, except before a long line (default: 20)
	MaxSize           int // forced text split size (default: 100KB)
	LongLineThreshold int // lines longer than this end a piece (default: 250)
	BinaryMaxSize     int // fixed binary piece size (default: 100KB)
}

// Splitter cuts content into pieces. The same content and configuration
// always produce the same pieces.
type Splitter struct {
	cfg SplitterConfig
}

// NewSplitter creates a splitter, filling zero thresholds with defaults.
func NewSplitter(cfg SplitterConfig) *Splitter {
	if cfg.MinSize <= 0 {
		cfg.MinSize = DefaultMinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.LongLineThreshold <= 0 {
		cfg.LongLineThreshold = DefaultLongLineThreshold
	}
	if cfg.BinaryMaxSize <= 0 {
		cfg.BinaryMaxSize = DefaultBinaryMaxSize
	}
	return &Splitter{cfg: cfg}
}

// Split returns the pieces of content. Text is split at natural boundaries;
// binary content at a fixed size. Empty content has no pieces.
func (s *Splitter) Split(content []byte, plain bool) ([][]byte, error) {
	if len(content) == 0 {
		return nil, nil
	}
	if plain {
		return s.splitText(content), nil
	}
	return s.splitBinary(content)
}

func (s *Splitter) splitBinary(content []byte) ([][]byte, error) {
	sp := boxochunker.NewSizeSplitter(bytes.NewReader(content), int64(s.cfg.BinaryMaxSize))
	var pieces [][]byte
	for {
		b, err := sp.NextBytes()
		if errors.Is(err, io.EOF) {
			return pieces, nil
		}
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, b)
	}
}

func (s *Splitter) splitText(content []byte) [][]byte {
	var pieces [][]byte
	for start := 0; start < len(content); {
		end := s.textBoundary(content, start)
		pieces = append(pieces, content[start:end])
		start = end
	}
	return pieces
}

// textBoundary returns the end of the piece starting at start.
func (s *Splitter) textBoundary(b []byte, start int) int {
	minEnd := start + s.cfg.MinSize
	if minEnd >= len(b) {
		return len(b)
	}
	limit := start + s.cfg.MaxSize
	if limit >= len(b) {
		limit = len(b)
	}

	if e := blankBeforeLongLine(b, start, minEnd, s.cfg.LongLineThreshold); e > 0 {
		return e
	}

	end := -1
	if e := longLineEnd(b, start, minEnd, limit, s.cfg.LongLineThreshold); e > 0 {
		end = e
	}
	if e := naturalEnd(b, start, minEnd, limit); e > 0 && (end < 0 || e < end) {
		end = e
	}
	if end > 0 {
		return end
	}
	if limit == len(b) {
		return limit
	}
	return runeStart(b, start, limit)
}

// blankBeforeLongLine returns the end of a blank line that lies below the
// minimum and is directly followed by a line longer than threshold, or -1.
// The long line then starts a piece of its own.
func blankBeforeLongLine(b []byte, start, minEnd, threshold int) int {
	for i := start; i < minEnd && i+1 < len(b); i++ {
		var end int
		switch {
		case b[i] == '\n' && b[i+1] == '\n':
			end = i + 2
		case b[i] == '\r' && bytes.HasPrefix(b[i:], []byte("\r\n\r\n")):
			end = i + 4
		default:
			continue
		}
		if end >= minEnd {
			return -1
		}
		line := b[end:]
		if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		if len(bytes.TrimSuffix(line, []byte("\r"))) > threshold {
			return end
		}
	}
	return -1
}

// longLineEnd returns the position just past the newline of the first line
// longer than threshold, or -1.
func longLineEnd(b []byte, start, minEnd, limit, threshold int) int {
	for ls := start; ls < limit; {
		nl := bytes.IndexByte(b[ls:limit], '\n')
		if nl < 0 {
			return -1
		}
		le := ls + nl
		if le-ls > threshold && le+1 >= minEnd {
			return le + 1
		}
		ls = le + 1
	}
	return -1
}

// naturalEnd returns the nearest end after a blank line, a CRLF blank line
// or before a markdown heading, or -1.
func naturalEnd(b []byte, start, minEnd, limit int) int {
	best := -1
	for i := start; i < limit; i++ {
		if best > 0 && i+1 >= best {
			break
		}
		var end int
		switch {
		case b[i] == '\n' && i+1 < len(b) && b[i+1] == '\n':
			end = i + 2
		case b[i] == '\n' && i+1 < len(b) && b[i+1] == '#':
			end = i + 1
		case b[i] == '\r' && bytes.HasPrefix(b[i:], []byte("\r\n\r\n")):
			end = i + 4
		default:
			continue
		}
		if end < minEnd || end > limit {
			continue
		}
		if best < 0 || end < best {
			best = end
		}
	}
	return best
}

// runeStart backs a forced split off a UTF-8 continuation byte.
func runeStart(b []byte, start, end int) int {
	for e := end; e > start+1; e-- {
		if utf8.RuneStart(b[e]) {
			return e
		}
	}
	return end
}
