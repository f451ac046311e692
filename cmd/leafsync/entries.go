package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/entry"
	"github.com/leafsync/leafsync/internal/model"
	"github.com/leafsync/leafsync/pkg/bytesize"
)

const timeLayout = "2006-01-02 15:04:05"

func newPutCmd() *cobra.Command {
	var (
		forceBinary bool
		forceText   bool
	)
	cmd := &cobra.Command{
		Use:   "put <path> [file]",
		Short: "Store a file in the vault",
		Long: `Store content under a vault path. The content is read from file, or from
stdin when file is omitted or "-".

Content that is not valid UTF-8 is stored as binary unless --text is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if forceBinary && forceText {
				return errors.New("--binary and --text are mutually exclusive")
			}
			src := "-"
			if len(args) == 2 {
				src = args[1]
			}
			content, mtime, err := readSource(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			binary := forceBinary || (!forceText && isBinary(content))

			return withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.vault.Entries.Put(ctx, args[0], content, entry.PutOptions{
					Binary: binary,
					MTime:  mtime,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Skipped {
					fmt.Fprintf(out, "%s unchanged (%s)\n", args[0], res.Rev)
					return nil
				}
				fmt.Fprintf(out, "%s -> %s (%d leaves, %d new)\n",
					args[0], res.Rev, len(res.Leaves.IDs), res.Leaves.Created)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&forceBinary, "binary", false, "store as binary regardless of content")
	cmd.Flags().BoolVar(&forceText, "text", false, "store as text regardless of content")
	return cmd
}

// readSource returns the content of path ("-" is stdin) and its
// modification time; stdin has none.
func readSource(stdin io.Reader, path string) ([]byte, time.Time, error) {
	if path == "-" {
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("read stdin: %w", err)
		}
		return content, time.Time{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	if info.IsDir() {
		return nil, time.Time{}, fmt.Errorf("%s is a directory", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return content, info.ModTime(), nil
}

func isBinary(content []byte) bool {
	return !utf8.Valid(content) || bytes.IndexByte(content, 0) >= 0
}

func newGetCmd() *cobra.Command {
	var (
		output string
		rev    string
	)
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a file from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				var (
					doc *entry.Document
					err error
				)
				if rev != "" {
					doc, err = s.vault.Entries.GetRev(ctx, model.PathToID(args[0]), rev)
				} else {
					doc, err = s.vault.Entries.Get(ctx, args[0])
				}
				if errors.Is(err, docstore.ErrNotFound) {
					return fmt.Errorf("%s: not found", args[0])
				}
				if err != nil {
					return err
				}
				if len(doc.Conflicts) > 0 {
					s.logger.Warn().Str("path", args[0]).Strs("conflicts", doc.Conflicts).
						Msg("entry has conflicting revisions; run leafsync resolve")
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(doc.Content)
					return err
				}
				if err := os.WriteFile(output, doc.Content, 0o644); err != nil {
					return err
				}
				return os.Chtimes(output, doc.Entry.ModTime(), doc.Entry.ModTime())
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&rev, "rev", "", "read a specific revision")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <path>...",
		Aliases: []string{"delete"},
		Short:   "Delete files from the vault",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				for _, p := range args {
					res, err := s.vault.Entries.Delete(ctx, p, time.Time{})
					if errors.Is(err, docstore.ErrNotFound) {
						return fmt.Errorf("%s: not found", p)
					}
					if err != nil {
						return err
					}
					if res.Skipped {
						fmt.Fprintf(cmd.OutOrStdout(), "%s already deleted\n", p)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s deleted (%s)\n", p, res.Rev)
				}
				return nil
			})
		},
	}
}

func newLsCmd() *cobra.Command {
	var showDeleted bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List files in the vault",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				items, err := s.vault.Entries.List(ctx, showDeleted)
				if err != nil {
					return err
				}
				printEntries(cmd.OutOrStdout(), items)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showDeleted, "deleted", false, "include deleted files")
	return cmd
}

func printEntries(out io.Writer, items []entry.Item) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No files.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tTYPE\tSIZE\tMODIFIED\tFLAGS")
	for _, it := range items {
		kind := "text"
		if it.Entry.IsBinary() {
			kind = "binary"
		}
		flags := ""
		switch {
		case it.Entry.Deleted:
			flags = "deleted"
		case it.Conflicts:
			flags = "conflicted"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			it.Path, kind, bytesize.Format(it.Entry.Size),
			it.Entry.ModTime().Local().Format(timeLayout), flags)
	}
	_ = w.Flush()
}
