// Package tracing keeps a runtime trace ring buffer of the last moments of a
// live replication session, for `go tool trace`.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is used when Start is given no size.
const DefaultBufferSize = 10 << 20

// minAge is the shortest window of trace data the buffer keeps.
const minAge = 30 * time.Second

// ErrNotEnabled is returned by a nil or stopped Recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime/trace flight recorder. A nil *Recorder is valid
// and reports ErrNotEnabled.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording into a ring buffer of bufferSize bytes.
func Start(bufferSize int64) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{fr: fr}, nil
}

// WriteTo writes the buffered trace to w.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	if r == nil {
		return 0, ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, ErrNotEnabled
	}
	return r.fr.WriteTo(w)
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Handler serves a snapshot of the buffer as a download.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !r.enabled() {
			http.Error(w, ErrNotEnabled.Error(), http.StatusNotFound)
			return
		}
		name := fmt.Sprintf("leafsync-%s.trace", time.Now().UTC().Format("20060102T150405Z"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		// headers are already sent once WriteTo starts, so a failure can
		// only truncate the body
		_, _ = r.WriteTo(w)
	})
}

func (r *Recorder) enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}
