package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/model"
)

// CurrentVersion is the remote protocol version this build writes.
const CurrentVersion = 1

// milestone read-modify-write attempts before ErrLockContention
const maxMilestoneAttempts = 5

// RemoteInfo is what Preflight found on the remote.
type RemoteInfo struct {
	NodeID    string
	Version   int
	Milestone model.Milestone
}

// NodeID returns this replica's node identifier, generating and persisting
// one in the local store on first use.
func (o *Orchestrator) NodeID(ctx context.Context) (string, error) {
	o.nodeMu.Lock()
	defer o.nodeMu.Unlock()
	if o.nodeID != "" {
		return o.nodeID, nil
	}

	doc, err := o.local.GetLocal(ctx, model.NodeInfoID)
	switch {
	case err == nil:
		b, err := model.Decode(doc.Body)
		if err != nil {
			return "", fmt.Errorf("node info: %w", err)
		}
		info, ok := b.(*model.NodeInfo)
		if !ok || info.NodeID == "" {
			return "", fmt.Errorf("node info: %w: %s", model.ErrUnexpectedKind, b.Kind())
		}
		o.nodeID = info.NodeID
		return o.nodeID, nil
	case !errors.Is(err, docstore.ErrNotFound):
		return "", fmt.Errorf("load node info: %w", err)
	}

	id := uuid.New().String()
	body, err := model.Encode(&model.NodeInfo{NodeID: id})
	if err != nil {
		return "", err
	}
	if _, err := o.local.PutLocal(ctx, &docstore.LocalDoc{ID: model.NodeInfoID, Body: body}); err != nil {
		return "", fmt.Errorf("save node info: %w", err)
	}
	o.logger.Info().Str("node_id", id).Msg("registered new node id")
	o.nodeID = id
	return id, nil
}

// Preflight checks the remote before any document moves: the version marker
// must not be newer than this build (older remotes are migrated), and a
// locked milestone must list this node. Nothing is transferred on failure.
func (o *Orchestrator) Preflight(ctx context.Context) (*RemoteInfo, error) {
	if err := o.requireRemote(); err != nil {
		return nil, err
	}
	node, err := o.NodeID(ctx)
	if err != nil {
		return nil, err
	}

	// reject before writing anything to the remote
	current, _, err := o.loadMilestone(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Locked && !current.Accepts(node) {
		o.rejected(node, current)
		return nil, ErrNodeNotAccepted
	}

	version, err := o.checkVersion(ctx)
	if err != nil {
		return nil, err
	}

	ms, err := o.updateMilestone(ctx, node, func(m *model.Milestone, exists bool) (bool, error) {
		switch {
		case !exists:
			*m = model.Milestone{AcceptedNodes: []string{node}, Created: time.Now().UnixMilli()}
			return true, nil
		case m.Accepts(node):
			return false, nil
		case m.Locked:
			return false, ErrNodeNotAccepted
		default:
			m.AcceptedNodes = append(m.AcceptedNodes, node)
			return true, nil
		}
	})
	if err != nil {
		if errors.Is(err, ErrNodeNotAccepted) {
			o.rejected(node, ms)
		}
		return nil, err
	}

	o.status.set(StateConnected)
	o.emit(Event{Type: EventActive})
	return &RemoteInfo{NodeID: node, Version: version, Milestone: *ms}, nil
}

func (o *Orchestrator) rejected(node string, ms *model.Milestone) {
	o.logger.Error().
		Str("node_id", node).
		Strs("accepted", ms.AcceptedNodes).
		Msg("remote is locked by another node; reconcile local data, then run remote mark-resolved")
}

// checkVersion creates, migrates or rejects the remote's version marker.
func (o *Orchestrator) checkVersion(ctx context.Context) (int, error) {
	for attempt := 0; attempt < maxMilestoneAttempts; attempt++ {
		doc, err := o.remote.Get(ctx, model.VersionID)
		var cur *docstore.Doc
		have := 0
		switch {
		case err == nil:
			b, err := model.Decode(doc.Body)
			if err != nil {
				return 0, fmt.Errorf("%w: version marker: %v", ErrRemoteIncompatible, err)
			}
			vi, ok := b.(*model.VersionInfo)
			if !ok {
				return 0, fmt.Errorf("%w: version marker has type %s", ErrRemoteIncompatible, b.Kind())
			}
			cur, have = doc, vi.Version
		case errors.Is(err, docstore.ErrNotFound):
		default:
			return 0, transportErr(Sync, "read version", err)
		}

		if have > o.version {
			o.logger.Error().
				Int("remote", have).
				Int("local", o.version).
				Msg("remote was written by a newer leafsync, upgrade before replicating")
			return 0, fmt.Errorf("%w: remote %d, local %d", ErrRemoteTooNew, have, o.version)
		}
		if cur != nil && have == o.version {
			return have, nil
		}

		if cur != nil {
			if err := o.migrate(ctx, have); err != nil {
				return 0, err
			}
		}

		body, err := model.Encode(&model.VersionInfo{Version: o.version})
		if err != nil {
			return 0, err
		}
		next := &docstore.Doc{ID: model.VersionID, Body: body}
		if cur != nil {
			next.Rev = cur.Rev
		}
		_, err = o.remote.Put(ctx, next)
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, transportErr(Sync, "write version", err)
		}
		o.logger.Info().Int("from", have).Int("to", o.version).Msg("remote version marker updated")
		return o.version, nil
	}
	return 0, fmt.Errorf("version marker: %w", ErrLockContention)
}

// migrate runs every registered migration after from, in order.
func (o *Orchestrator) migrate(ctx context.Context, from int) error {
	for v := from + 1; v <= o.version; v++ {
		m, ok := o.migrations[v]
		if !ok {
			continue
		}
		o.logger.Info().Int("version", v).Msg("migrating remote")
		if err := m(ctx, o.remote); err != nil {
			return fmt.Errorf("migrate remote to version %d: %w", v, err)
		}
	}
	return nil
}

// Milestone returns the remote's milestone, or nil if none exists.
func (o *Orchestrator) Milestone(ctx context.Context) (*model.Milestone, error) {
	if err := o.requireRemote(); err != nil {
		return nil, err
	}
	ms, _, err := o.loadMilestone(ctx)
	return ms, err
}

// Lock locks the remote so that only this node may replicate until other
// nodes are marked resolved.
func (o *Orchestrator) Lock(ctx context.Context) (*model.Milestone, error) {
	return o.modifyMilestone(ctx, func(m *model.Milestone, node string) bool {
		m.Locked = true
		m.AcceptedNodes = []string{node}
		return true
	})
}

// Unlock lets every node replicate again.
func (o *Orchestrator) Unlock(ctx context.Context) (*model.Milestone, error) {
	return o.modifyMilestone(ctx, func(m *model.Milestone, _ string) bool {
		if !m.Locked {
			return false
		}
		m.Locked = false
		return true
	})
}

// MarkResolved adds this node to the accepted set, for use after the operator
// has reconciled the node's data with a locked remote.
func (o *Orchestrator) MarkResolved(ctx context.Context) (*model.Milestone, error) {
	return o.modifyMilestone(ctx, func(m *model.Milestone, node string) bool {
		if m.Accepts(node) {
			return false
		}
		m.AcceptedNodes = append(m.AcceptedNodes, node)
		return true
	})
}

func (o *Orchestrator) modifyMilestone(ctx context.Context, fn func(m *model.Milestone, node string) bool) (*model.Milestone, error) {
	if err := o.requireRemote(); err != nil {
		return nil, err
	}
	node, err := o.NodeID(ctx)
	if err != nil {
		return nil, err
	}
	return o.updateMilestone(ctx, node, func(m *model.Milestone, exists bool) (bool, error) {
		if !exists {
			*m = model.Milestone{Created: time.Now().UnixMilli()}
			fn(m, node)
			return true, nil
		}
		return fn(m, node), nil
	})
}

// updateMilestone read-modify-writes the remote milestone with expected
// revision semantics, retrying when another node wrote in between. On error
// the last milestone read is still returned.
func (o *Orchestrator) updateMilestone(ctx context.Context, node string, fn func(m *model.Milestone, exists bool) (bool, error)) (*model.Milestone, error) {
	for attempt := 0; attempt < maxMilestoneAttempts; attempt++ {
		ms, rev, err := o.loadMilestone(ctx)
		if err != nil {
			return &model.Milestone{}, err
		}
		exists := ms != nil
		if ms == nil {
			ms = &model.Milestone{}
		}

		changed, err := fn(ms, exists)
		if err != nil || !changed {
			return ms, err
		}

		body, err := model.Encode(ms)
		if err != nil {
			return ms, err
		}
		_, err = o.remote.PutLocal(ctx, &docstore.LocalDoc{ID: model.MilestoneID, Rev: rev, Body: body})
		if errors.Is(err, docstore.ErrConflict) {
			o.logger.Debug().Str("node_id", node).Int("attempt", attempt+1).Msg("milestone changed concurrently, retrying")
			continue
		}
		if err != nil {
			return ms, transportErr(Sync, "write milestone", err)
		}
		return ms, nil
	}
	return &model.Milestone{}, ErrLockContention
}

func (o *Orchestrator) loadMilestone(ctx context.Context) (*model.Milestone, string, error) {
	doc, err := o.remote.GetLocal(ctx, model.MilestoneID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", transportErr(Sync, "read milestone", err)
	}
	b, err := model.Decode(doc.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: milestone: %v", ErrRemoteIncompatible, err)
	}
	ms, ok := b.(*model.Milestone)
	if !ok {
		return nil, "", fmt.Errorf("%w: milestone has type %s", ErrRemoteIncompatible, b.Kind())
	}
	return ms, doc.Rev, nil
}
