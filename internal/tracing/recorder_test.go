package tracing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Snapshot(t *testing.T) {
	r, err := Start(0)
	require.NoError(t, err)
	defer r.Stop()

	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, int64(buf.Len()), n)
}

func TestRecorder_StopIsIdempotent(t *testing.T) {
	r, err := Start(DefaultBufferSize)
	require.NoError(t, err)
	r.Stop()
	r.Stop()

	_, err = r.WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	_, err := r.WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotEnabled)
	r.Stop()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecorder_Handler(t *testing.T) {
	r, err := Start(1 << 20)
	require.NoError(t, err)
	defer r.Stop()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), `attachment; filename="leafsync-`))
	assert.NotZero(t, rec.Body.Len())
}
