package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/leafsync/leafsync/internal/conflict"
	"github.com/leafsync/leafsync/internal/logging/audit"
)

var errSkipped = errors.New("resolution skipped")

func newConflictsCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List entries with conflicting revisions",
		Long: `List entries with conflicting revisions. With --check, conflicts that can
be settled automatically (identical content, binary files, prefer_newer
policy) are resolved and only the remaining ones are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()
				if !check {
					items, err := s.vault.Resolver.Scan(ctx)
					if err != nil {
						return err
					}
					if len(items) == 0 {
						fmt.Fprintln(out, "No conflicts.")
						return nil
					}
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					_, _ = fmt.Fprintln(w, "PATH\tCONFLICTING REVISIONS")
					for _, it := range items {
						revs := strings.Join(it.Conflicts, ", ")
						if it.Err != nil {
							revs = "error: " + it.Err.Error()
						}
						_, _ = fmt.Fprintf(w, "%s\t%s\n", it.Path(), revs)
					}
					return w.Flush()
				}

				results, errs, err := s.vault.Resolver.CheckAll(ctx)
				if err != nil {
					return err
				}
				printCheckResults(out, results, errs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "resolve automatic conflicts first")
	return cmd
}

func printCheckResults(out io.Writer, results []*conflict.Result, errs map[string]error) {
	if len(results) == 0 && len(errs) == 0 {
		fmt.Fprintln(out, "No conflicts.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tSTATE\tDETAIL")
	for _, res := range results {
		detail := ""
		switch res.State {
		case conflict.ManualRequired:
			detail = res.Left.Rev + " vs " + res.Right.Rev
		case conflict.AutoMerged:
			detail = fmt.Sprintf("removed %s", strings.Join(res.Removed, ", "))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", res.Path(), res.State, detail)
	}
	for id, err := range errs {
		_, _ = fmt.Fprintf(w, "%s\terror\t%v\n", id, err)
	}
	_ = w.Flush()
}

func newResolveCmd() *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Resolve conflicting revisions of an entry",
		Long: `Resolve the conflicting revisions of an entry. Automatic rules apply
first; remaining conflicts are settled with --keep, or interactively when
--keep is not given.

  left    keep the winning revision
  right   keep the conflicting revision
  concat  keep every line of both (text only)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prompt conflict.Prompt
			if keep != "" {
				choice, err := parseChoice(keep)
				if err != nil {
					return err
				}
				prompt = func(context.Context, *conflict.Result) (conflict.Decision, error) {
					return conflict.Decision{Choice: choice}, nil
				}
			} else {
				prompt = interactivePrompt(cmd.InOrStdin(), cmd.OutOrStdout())
			}

			return withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := resolve(ctx, s, args[0], prompt)
				if errors.Is(err, errSkipped) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s left unresolved\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "left, right or concat")
	return cmd
}

// resolve runs the interactive loop and writes one audit record per
// decision.
func resolve(ctx context.Context, s *session, path string, prompt conflict.Prompt) (*conflict.Result, error) {
	node := nodeID(ctx, s)
	var last *conflict.Decision

	audited := func(ctx context.Context, res *conflict.Result) (conflict.Decision, error) {
		if last != nil {
			// the previous decision was applied, since the loop asked again
			logResolve(s.vault.Audit, node, path, *last, nil)
		}
		d, err := prompt(ctx, res)
		if err != nil {
			return d, err
		}
		if d.LeftRev == "" && d.RightRev == "" {
			d.LeftRev, d.RightRev = res.Left.Rev, res.Right.Rev
		}
		last = &d
		return d, nil
	}

	res, err := s.vault.Resolver.ResolveInteractive(ctx, path, audited)
	if last != nil && !errors.Is(err, errSkipped) {
		logResolve(s.vault.Audit, node, path, *last, err)
	}
	return res, err
}

func logResolve(a *audit.Logger, node, path string, d conflict.Decision, err error) {
	a.LogResolve(node, path, choiceName(d.Choice), d.LeftRev, d.RightRev, err)
}

func parseChoice(s string) (conflict.Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l", "left", "keep-left", "keep_left":
		return conflict.KeepLeft, nil
	case "r", "right", "keep-right", "keep_right":
		return conflict.KeepRight, nil
	case "c", "concat", "both":
		return conflict.Concat, nil
	default:
		return 0, fmt.Errorf("unknown choice %q (want left, right or concat)", s)
	}
}

func choiceName(c conflict.Choice) string {
	switch c {
	case conflict.KeepLeft:
		return "keep_left"
	case conflict.KeepRight:
		return "keep_right"
	case conflict.Concat:
		return "concat"
	default:
		return "unknown"
	}
}

// interactivePrompt shows both revisions and reads a choice per conflict.
func interactivePrompt(in io.Reader, out io.Writer) conflict.Prompt {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, res *conflict.Result) (conflict.Decision, error) {
		fmt.Fprintf(out, "\nConflict in %s\n", res.Path())
		fmt.Fprintf(out, "  left:  %s  modified %s\n", res.Left.Rev, res.Left.Entry.ModTime().Local().Format(timeLayout))
		fmt.Fprintf(out, "  right: %s  modified %s\n", res.Right.Rev, res.Right.Entry.ModTime().Local().Format(timeLayout))
		if res.Left.Entry.IsBinary() {
			fmt.Fprintln(out, "  (binary content, no diff)")
		} else {
			fmt.Fprintln(out)
			fmt.Fprint(out, conflict.Unified(res.Diff))
		}

		for {
			if err := ctx.Err(); err != nil {
				return conflict.Decision{}, err
			}
			fmt.Fprint(out, "Keep [l]eft, [r]ight, [c]oncat or [s]kip? ")
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				if errors.Is(err, io.EOF) {
					return conflict.Decision{}, errSkipped
				}
				return conflict.Decision{}, err
			}
			answer := strings.TrimSpace(line)
			if strings.EqualFold(answer, "s") || strings.EqualFold(answer, "skip") {
				return conflict.Decision{}, errSkipped
			}
			choice, err := parseChoice(answer)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			return conflict.Decision{Choice: choice, LeftRev: res.Left.Rev, RightRev: res.Right.Rev}, nil
		}
	}
}
