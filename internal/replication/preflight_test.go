package replication

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/entry"
	"github.com/leafsync/leafsync/internal/model"
)

func TestNodeID_Persisted(t *testing.T) {
	ctx := context.Background()
	local := newStore(t)

	first, _ := newOrchestrator(t, local, nil, nil)
	id, err := first.NodeID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	second, _ := newOrchestrator(t, local, nil, nil)
	again, err := second.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestPreflight_FreshRemote(t *testing.T) {
	ctx := context.Background()
	local, remote := newStore(t), newStore(t)
	setNodeID(t, local, "nodeA")
	o, rec := newOrchestrator(t, local, remote, nil)

	info, err := o.Preflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nodeA", info.NodeID)
	assert.Equal(t, CurrentVersion, info.Version)
	assert.False(t, info.Milestone.Locked)
	assert.Equal(t, []string{"nodeA"}, info.Milestone.AcceptedNodes)
	assert.Positive(t, info.Milestone.Created)

	ms, err := o.Milestone(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodeA"}, ms.AcceptedNodes)

	doc, err := remote.Get(ctx, model.VersionID)
	require.NoError(t, err)
	b, err := model.Decode(doc.Body)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, b.(*model.VersionInfo).Version)

	assert.Equal(t, StateConnected, o.Status().State)
	assert.Equal(t, []EventType{EventActive}, rec.types())
}

func TestPreflight_UnlockedRemoteAcceptsNewNode(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t)
	putMilestone(t, remote, &model.Milestone{AcceptedNodes: []string{"nodeA"}})

	local := newStore(t)
	setNodeID(t, local, "nodeB")
	o, _ := newOrchestrator(t, local, remote, nil)

	info, err := o.Preflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodeA", "nodeB"}, info.Milestone.AcceptedNodes)
}

func TestReplicate_LockedRemoteRejectsUnknownNode(t *testing.T) {
	ctx := context.Background()

	remote := newReplica(t)
	_, err := remote.entries.Put(ctx, "shared.md", []byte("remote content that must stay put"), entry.PutOptions{})
	require.NoError(t, err)
	putMilestone(t, remote.store, &model.Milestone{Locked: true, AcceptedNodes: []string{"nodeA"}})

	local := newReplica(t)
	_, err = local.entries.Put(ctx, "mine.md", []byte("local content that must stay put"), entry.PutOptions{})
	require.NoError(t, err)
	setNodeID(t, local.store, "nodeB")

	localBefore, remoteBefore := docCount(t, local.store), docCount(t, remote.store)

	o, rec := newOrchestrator(t, local.store, remote.store, nil)
	res, err := o.Replicate(ctx, Sync)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNodeNotAccepted)
	assert.ErrorIs(t, err, ErrRemoteIncompatible)

	assert.Equal(t, localBefore, docCount(t, local.store))
	assert.Equal(t, remoteBefore, docCount(t, remote.store))
	_, err = local.entries.Get(ctx, "shared.md")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	assert.Contains(t, rec.types(), EventDenied)
	assert.Equal(t, StateErrored, o.Status().State)

	ms, err := o.Milestone(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodeA"}, ms.AcceptedNodes)

	// after the operator reconciles, the node is accepted
	_, err = o.MarkResolved(ctx)
	require.NoError(t, err)
	_, err = o.Replicate(ctx, Sync)
	require.NoError(t, err)
	_, err = local.entries.Get(ctx, "shared.md")
	assert.NoError(t, err)
}

func TestPreflight_RemoteTooNew(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t)
	body, err := model.Encode(&model.VersionInfo{Version: CurrentVersion + 1})
	require.NoError(t, err)
	_, err = remote.Put(ctx, &docstore.Doc{ID: model.VersionID, Body: body})
	require.NoError(t, err)

	o, _ := newOrchestrator(t, newStore(t), remote, nil)
	_, err = o.Preflight(ctx)
	assert.ErrorIs(t, err, ErrRemoteTooNew)
	assert.ErrorIs(t, err, ErrRemoteIncompatible)

	ms, err := o.Milestone(ctx)
	require.NoError(t, err)
	assert.Nil(t, ms, "milestone must not be touched when the version check fails")
}

func TestPreflight_MigratesOlderRemote(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t)
	body, err := model.Encode(&model.VersionInfo{Version: 1})
	require.NoError(t, err)
	_, err = remote.Put(ctx, &docstore.Doc{ID: model.VersionID, Body: body})
	require.NoError(t, err)

	var ran []int
	o, _ := newOrchestrator(t, newStore(t), remote, func(c *Config) {
		c.Version = 3
		c.Migrations = map[int]Migration{
			2: func(context.Context, docstore.Store) error { ran = append(ran, 2); return nil },
			3: func(context.Context, docstore.Store) error { ran = append(ran, 3); return nil },
		}
	})

	info, err := o.Preflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Version)
	assert.Equal(t, []int{2, 3}, ran)

	// already current: nothing runs again
	ran = nil
	_, err = o.Preflight(ctx)
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestPreflight_FailedMigrationKeepsVersion(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t)
	body, err := model.Encode(&model.VersionInfo{Version: 1})
	require.NoError(t, err)
	_, err = remote.Put(ctx, &docstore.Doc{ID: model.VersionID, Body: body})
	require.NoError(t, err)

	boom := errors.New("boom")
	o, _ := newOrchestrator(t, newStore(t), remote, func(c *Config) {
		c.Version = 2
		c.Migrations = map[int]Migration{2: func(context.Context, docstore.Store) error { return boom }}
	})

	_, err = o.Preflight(ctx)
	assert.ErrorIs(t, err, boom)

	doc, err := remote.Get(ctx, model.VersionID)
	require.NoError(t, err)
	b, err := model.Decode(doc.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, b.(*model.VersionInfo).Version)
}

func TestLockUnlock(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t)

	localA := newStore(t)
	setNodeID(t, localA, "nodeA")
	a, _ := newOrchestrator(t, localA, remote, nil)

	localB := newStore(t)
	setNodeID(t, localB, "nodeB")
	b, _ := newOrchestrator(t, localB, remote, nil)

	_, err := b.Preflight(ctx)
	require.NoError(t, err)

	ms, err := a.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, ms.Locked)
	assert.Equal(t, []string{"nodeA"}, ms.AcceptedNodes)

	_, err = a.Preflight(ctx)
	require.NoError(t, err)
	_, err = b.Preflight(ctx)
	assert.ErrorIs(t, err, ErrNodeNotAccepted)

	ms, err = a.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, ms.Locked)

	_, err = b.Preflight(ctx)
	require.NoError(t, err)
}

func TestMarkResolved_ConcurrentNodes(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t)
	putMilestone(t, remote, &model.Milestone{Locked: true, AcceptedNodes: []string{"owner"}})

	nodes := []string{"n1", "n2", "n3"}
	orchestrators := make([]*Orchestrator, len(nodes))
	for i, n := range nodes {
		local := newStore(t)
		setNodeID(t, local, n)
		o, err := New(Config{Local: local, Remote: remote, Logger: zerolog.Nop()})
		require.NoError(t, err)
		orchestrators[i] = o
	}

	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, o := range orchestrators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.MarkResolved(ctx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	ms, err := orchestrators[0].Milestone(ctx)
	require.NoError(t, err)
	assert.True(t, ms.Locked)
	assert.ElementsMatch(t, []string{"owner", "n1", "n2", "n3"}, ms.AcceptedNodes)
}

func TestPreflight_NoRemote(t *testing.T) {
	o, _ := newOrchestrator(t, newStore(t), nil, nil)
	_, err := o.Preflight(context.Background())
	assert.ErrorIs(t, err, ErrNoRemote)
}
