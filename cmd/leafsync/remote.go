package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafsync/leafsync/internal/model"
)

func newRemoteCmd() *cobra.Command {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect and control the remote milestone",
		Long: `The milestone on the remote records which nodes may replicate. After a
destructive change (such as rebuilding a vault) lock the remote from the
node that holds the good data; every other node is then refused until it
is reconciled and marked resolved.

Examples:
  leafsync remote status
  leafsync remote lock
  leafsync remote mark-resolved   # on a reconciled node
  leafsync remote unlock`,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show node id, milestone and replication state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				node, err := s.vault.Replicator.NodeID(ctx)
				if err != nil {
					return err
				}
				ms, err := s.vault.Replicator.Milestone(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Node:    %s\n", node)
				fmt.Fprintf(out, "Remote:  %s (%s)\n", s.cfg.Remote.Name, s.cfg.Remote.Path)
				printMilestone(out, ms, node)
				return nil
			})
		},
	}

	milestoneCmd := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, func(ctx context.Context, s *session) error {
					r := s.vault.Replicator
					var (
						ms  *model.Milestone
						err error
					)
					switch action {
					case "lock":
						ms, err = r.Lock(ctx)
					case "unlock":
						ms, err = r.Unlock(ctx)
					case "mark_resolved":
						ms, err = r.MarkResolved(ctx)
					}
					node := nodeID(ctx, s)
					var accepted []string
					if ms != nil {
						accepted = ms.AcceptedNodes
					}
					s.vault.Audit.LogMilestone(node, s.cfg.Remote.Name, action, accepted, err)
					if err != nil {
						return err
					}
					printMilestone(cmd.OutOrStdout(), ms, node)
					return nil
				})
			},
		}
	}

	resetCmd := &cobra.Command{
		Use:   "reset-checkpoints",
		Short: "Forget replication progress so the next run rescans both stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				err := s.vault.Replicator.ResetCheckpoints(ctx)
				s.vault.Audit.LogCheckpointReset(nodeID(ctx, s), s.cfg.Remote.Name, err)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Checkpoints reset.")
				return nil
			})
		},
	}

	remoteCmd.AddCommand(
		statusCmd,
		milestoneCmd("lock", "Allow only this node to replicate", "lock"),
		milestoneCmd("unlock", "Allow every node to replicate", "unlock"),
		milestoneCmd("mark-resolved", "Accept this node on a locked remote", "mark_resolved"),
		resetCmd,
	)
	return remoteCmd
}

func printMilestone(out io.Writer, ms *model.Milestone, self string) {
	if ms == nil {
		fmt.Fprintln(out, "Milestone: none (created on first replication)")
		return
	}
	state := "unlocked"
	if ms.Locked {
		state = "locked"
	}
	fmt.Fprintf(out, "Milestone: %s, created %s\n", state, time.UnixMilli(ms.Created).Local().Format(timeLayout))
	nodes := make([]string, 0, len(ms.AcceptedNodes))
	for _, n := range ms.AcceptedNodes {
		if n == self {
			n += " (this node)"
		}
		nodes = append(nodes, n)
	}
	fmt.Fprintf(out, "Accepted:  %s\n", strings.Join(nodes, ", "))
	if ms.Locked && !ms.Accepts(self) {
		fmt.Fprintln(out, "This node is not accepted; reconcile its data, then run: leafsync remote mark-resolved")
	}
}
