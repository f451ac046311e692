package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsync/leafsync/internal/docstore"
)

func scrape(t *testing.T, accept string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHandler(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	c := promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "leafsync_test_events_total",
		Help: "test counter",
	})
	c.Add(7)

	resp, body := scrape(t, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "leafsync_test_events_total 7")
}

func TestHandler_EmptyRegistry(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	resp, _ := scrape(t, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_DefaultRegistryHasRuntimeMetrics(t *testing.T) {
	resp, body := scrape(t, "application/openmetrics-text")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "go_goroutines")
}

type fakeInfo struct {
	calls atomic.Int32
	err   error
}

func (f *fakeInfo) Info(context.Context) (*docstore.Info, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &docstore.Info{DocCount: 12, UpdateSeq: 40}, nil
}

type fakeList []string

func (f fakeList) Pending() []string { return f }
func (f fakeList) Flagged() []string { return f }

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestCollector_Collect(t *testing.T) {
	m := Init(prometheus.NewRegistry())
	c := NewCollector(m, CollectorConfig{
		Store:   &fakeInfo{},
		Waits:   fakeList{"h:a", "h:b"},
		Entries: fakeList{"notes/a.md"},
		Logger:  zerolog.Nop(),
	})
	c.Collect(context.Background())

	assert.Equal(t, 12.0, gaugeValue(t, m.StoreDocs))
	assert.Equal(t, 40.0, gaugeValue(t, m.StoreUpdateSeq))
	assert.Equal(t, 2.0, gaugeValue(t, m.PendingLeafWaits))
	assert.Equal(t, 1.0, gaugeValue(t, m.FlaggedEntries))
}

func TestCollector_StoreErrorKeepsLastValue(t *testing.T) {
	m := Init(prometheus.NewRegistry())
	m.StoreDocs.Set(3)
	c := NewCollector(m, CollectorConfig{Store: &fakeInfo{err: errors.New("closed")}, Logger: zerolog.Nop()})
	c.Collect(context.Background())
	assert.Equal(t, 3.0, gaugeValue(t, m.StoreDocs))
}

func TestCollector_Run(t *testing.T) {
	m := Init(prometheus.NewRegistry())
	info := &fakeInfo{}
	c := NewCollector(m, CollectorConfig{Store: info, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return info.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestCollector_NilMetrics(t *testing.T) {
	info := &fakeInfo{}
	NewCollector(nil, CollectorConfig{Store: info}).Collect(context.Background())
	assert.Zero(t, info.calls.Load())
}
