package leafwait

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/testutil"
)

func setup(t *testing.T, probe time.Duration) (*Synchronizer, docstore.Store) {
	t.Helper()
	store, err := docstore.OpenInMemory(zerolog.Nop())
	require.NoError(t, err)
	s := New(Config{Store: store, ProbeInterval: probe, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		s.Stop()
		_ = store.Close()
	})
	return s, store
}

func putLeaf(t *testing.T, store docstore.Store, id string) {
	t.Helper()
	_, err := store.Put(context.Background(), &docstore.Doc{ID: id, Body: json.RawMessage(`{"type":"leaf","data":""}`)})
	require.NoError(t, err)
}

func waitPending(t *testing.T, s *Synchronizer, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, testutil.WaitFor(ctx, time.Millisecond, func() bool {
		return len(s.Pending()) == n
	}))
}

func TestAwait_AlreadyPresent(t *testing.T) {
	s, store := setup(t, 0)
	putLeaf(t, store, "h:abc")

	require.NoError(t, s.Await(context.Background(), "h:abc", time.Second))
	assert.Empty(t, s.Pending())
}

func TestAwait_ReleasedOnArrival(t *testing.T) {
	s, store := setup(t, time.Hour)
	s.Start()

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background(), "h:late", 5*time.Second) }()

	waitPending(t, s, 1)
	putLeaf(t, store, "h:late")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
	assert.Empty(t, s.Pending())
}

func TestAwait_MultipleWaitersReleasedOnce(t *testing.T) {
	s, store := setup(t, time.Hour)
	s.Start()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Await(context.Background(), "h:shared", 5*time.Second)
		}(i)
	}

	waitPending(t, s, 1)
	putLeaf(t, store, "h:shared")
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, s.Pending())
}

func TestAwait_Timeout(t *testing.T) {
	s, _ := setup(t, time.Hour)
	s.Start()

	start := time.Now()
	err := s.Await(context.Background(), "h:never", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, s.Pending())
}

func TestAwait_ContextCancelled(t *testing.T) {
	s, _ := setup(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Await(ctx, "h:never", time.Minute) }()

	waitPending(t, s, 1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, s.Pending())
}

func TestAwait_ReprobeCoversMissedNotification(t *testing.T) {
	// not started: only the re-probe can release the waiter
	s, store := setup(t, time.Hour)

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background(), "h:quiet", 5*time.Second) }()

	waitPending(t, s, 1)
	putLeaf(t, store, "h:quiet")
	s.reprobe()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by re-probe")
	}
}
