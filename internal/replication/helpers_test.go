package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/leafsync/leafsync/internal/chunk"
	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/entry"
	"github.com/leafsync/leafsync/internal/model"
	"github.com/leafsync/leafsync/testutil"
)

// replica is one local store with the components that write entries to it.
type replica struct {
	store   docstore.Store
	leaves  *chunk.LeafStore
	entries *entry.Manager
}

func newStore(t *testing.T) docstore.Store {
	t.Helper()
	return testutil.MemStore(t)
}

func newReplica(t *testing.T) *replica {
	t.Helper()
	store := newStore(t)
	leaves, err := chunk.New(chunk.Config{
		Store:    store,
		Splitter: chunk.NewSplitter(chunk.SplitterConfig{MinSize: 20}),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	entries, err := entry.New(entry.Config{Store: store, Leaves: leaves, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return &replica{store: store, leaves: leaves, entries: entries}
}

// recorder collects observer events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newOrchestrator(t *testing.T, local, remote docstore.Store, mutate func(*Config)) (*Orchestrator, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg := Config{
		Local:     local,
		Remote:    remote,
		BatchSize: 3,
		RetryMin:  10 * time.Millisecond,
		RetryMax:  50 * time.Millisecond,
		PassRate:  100,
		Observer:  rec.observe,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o, rec
}

// setNodeID registers id as the local store's node identifier.
func setNodeID(t *testing.T, store docstore.Store, id string) {
	t.Helper()
	body, err := model.Encode(&model.NodeInfo{NodeID: id})
	require.NoError(t, err)
	_, err = store.PutLocal(context.Background(), &docstore.LocalDoc{ID: model.NodeInfoID, Body: body})
	require.NoError(t, err)
}

func putMilestone(t *testing.T, remote docstore.Store, ms *model.Milestone) {
	t.Helper()
	body, err := model.Encode(ms)
	require.NoError(t, err)
	_, err = remote.PutLocal(context.Background(), &docstore.LocalDoc{ID: model.MilestoneID, Body: body})
	require.NoError(t, err)
}

func docCount(t *testing.T, store docstore.Store) int {
	t.Helper()
	info, err := store.Info(context.Background())
	require.NoError(t, err)
	return info.DocCount
}
