package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsync/leafsync/internal/conflict"
	"github.com/leafsync/leafsync/internal/model"
	"github.com/leafsync/leafsync/internal/replication"
	"github.com/leafsync/leafsync/testutil"
)

// execute runs the CLI in-process and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type node struct {
	t      *testing.T
	data   string
	remote string
}

func newNode(t *testing.T, remote string) *node {
	return &node{t: t, data: t.TempDir(), remote: remote}
}

func (n *node) run(stdin string, args ...string) (string, error) {
	n.t.Helper()
	full := append([]string{"--data-dir", n.data, "--remote", n.remote}, args...)
	return execute(n.t, stdin, full...)
}

func (n *node) mustRun(stdin string, args ...string) string {
	n.t.Helper()
	out, err := n.run(stdin, args...)
	require.NoError(n.t, err, "leafsync %v", args)
	return out
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "leafsync dev")
}

func TestCLI_PutGetSync(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "remote")
	a := newNode(t, remote)
	b := newNode(t, remote)

	text := "# Today\n\nwrote the replication tests\n\nthen went for a walk\n"
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := testutil.TempFile(t, t.TempDir(), "today.md", text, mtime)

	out := a.mustRun("", "put", "notes/today.md", src)
	assert.Contains(t, out, "notes/today.md -> 1-")

	out = a.mustRun("", "put", "notes/today.md", src)
	assert.Contains(t, out, "unchanged")

	a.mustRun("from stdin\n", "put", "inbox.md")

	out = a.mustRun("", "ls")
	assert.Contains(t, out, "notes/today.md")
	assert.Contains(t, out, "inbox.md")

	out = a.mustRun("", "push")
	assert.Contains(t, out, "pulled 0")

	out = b.mustRun("", "sync")
	assert.NotContains(t, out, "pulled 0,")

	assert.Equal(t, text, b.mustRun("", "get", "notes/today.md"))

	dst := filepath.Join(t.TempDir(), "copy.md")
	b.mustRun("", "get", "notes/today.md", "-o", dst)
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	out = b.mustRun("", "rm", "inbox.md")
	assert.Contains(t, out, "inbox.md deleted")
	_, err = b.run("", "get", "inbox.md")
	assert.ErrorContains(t, err, "not found")

	out = b.mustRun("", "ls", "--deleted")
	assert.Contains(t, out, "deleted")
}

func TestCLI_BinaryDetection(t *testing.T) {
	n := newNode(t, filepath.Join(t.TempDir(), "remote"))
	src := filepath.Join(t.TempDir(), "pixel.png")
	require.NoError(t, os.WriteFile(src, []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0xfe}, 0o644))

	n.mustRun("", "put", "img/pixel.png", src)
	out := n.mustRun("", "ls")
	assert.Contains(t, out, "binary")

	_, err := n.run("", "put", "x.md", src, "--binary", "--text")
	assert.Error(t, err)
}

func TestCLI_LockedRemoteRejectsOtherNode(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "remote")
	a := newNode(t, remote)
	b := newNode(t, remote)

	a.mustRun("hello\n", "put", "a.md")
	a.mustRun("", "sync")
	b.mustRun("", "sync")

	out := a.mustRun("", "remote", "lock")
	assert.Contains(t, out, "Milestone: locked")

	_, err := b.run("", "pull")
	assert.ErrorIs(t, err, replication.ErrNodeNotAccepted)

	out = b.mustRun("", "remote", "status")
	assert.Contains(t, out, "This node is not accepted")

	b.mustRun("", "remote", "mark-resolved")
	b.mustRun("", "pull")

	out = a.mustRun("", "remote", "unlock")
	assert.Contains(t, out, "Milestone: unlocked")
}

func TestCLI_RemoteStatusBeforeFirstSync(t *testing.T) {
	n := newNode(t, filepath.Join(t.TempDir(), "remote"))
	out := n.mustRun("", "remote", "status")
	assert.Contains(t, out, "Milestone: none")
	assert.Contains(t, out, "Node:")

	out = n.mustRun("", "remote", "reset-checkpoints")
	assert.Contains(t, out, "Checkpoints reset.")
}

func TestCLI_ConflictsAndGC(t *testing.T) {
	n := newNode(t, filepath.Join(t.TempDir(), "remote"))
	n.mustRun("first version of the note\n", "put", "a.md")
	n.mustRun("second version of the note\n", "put", "a.md")

	out := n.mustRun("", "conflicts")
	assert.Contains(t, out, "No conflicts.")
	out = n.mustRun("", "conflicts", "--check")
	assert.Contains(t, out, "No conflicts.")

	out = n.mustRun("", "gc")
	assert.Contains(t, out, "scanned")
	assert.NotContains(t, out, "deleted 0,")
	assert.Equal(t, "second version of the note\n", n.mustRun("", "get", "a.md"))
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		input   string
		want    conflict.Choice
		wantErr bool
	}{
		{"l", conflict.KeepLeft, false},
		{"Left", conflict.KeepLeft, false},
		{"keep-right", conflict.KeepRight, false},
		{" concat ", conflict.Concat, false},
		{"both", conflict.Concat, false},
		{"merge", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseChoice(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEqual(t, "unknown", choiceName(got))
		})
	}
}

func TestIsBinary(t *testing.T) {
	assert.False(t, isBinary([]byte("plain text, ünïcode too\n")))
	assert.True(t, isBinary([]byte{0xff, 0xfe, 0x00}))
	assert.True(t, isBinary([]byte("nul\x00inside")))
	assert.False(t, isBinary(nil))
}

func manualResult() *conflict.Result {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli()
	return &conflict.Result{
		ID:    "a.md",
		State: conflict.ManualRequired,
		Left:  &conflict.Side{Rev: "2-aa", Entry: &model.Entry{Type: model.KindPlain, MTime: at}},
		Right: &conflict.Side{Rev: "2-bb", Entry: &model.Entry{Type: model.KindPlain, MTime: at}},
		Diff: []conflict.DiffOp{
			{Op: conflict.OpEqual, Text: "same\n"},
			{Op: conflict.OpDelete, Text: "left line\n"},
			{Op: conflict.OpInsert, Text: "right line\n"},
		},
	}
}

func TestInteractivePrompt(t *testing.T) {
	var out bytes.Buffer
	prompt := interactivePrompt(strings.NewReader("what\nr\n"), &out)

	d, err := prompt(context.Background(), manualResult())
	require.NoError(t, err)
	assert.Equal(t, conflict.KeepRight, d.Choice)
	assert.Equal(t, "2-aa", d.LeftRev)
	assert.Equal(t, "2-bb", d.RightRev)

	shown := out.String()
	assert.Contains(t, shown, "Conflict in a.md")
	assert.Contains(t, shown, "-left line")
	assert.Contains(t, shown, "+right line")
	assert.Contains(t, shown, `unknown choice "what"`)
}

func TestInteractivePrompt_SkipAndEOF(t *testing.T) {
	for _, input := range []string{"s\n", ""} {
		prompt := interactivePrompt(strings.NewReader(input), io.Discard)
		_, err := prompt(context.Background(), manualResult())
		assert.ErrorIs(t, err, errSkipped)
	}
}

func TestPrintMilestone(t *testing.T) {
	var out bytes.Buffer
	printMilestone(&out, &model.Milestone{Locked: true, AcceptedNodes: []string{"n1", "n2"}}, "n2")
	assert.Contains(t, out.String(), "locked")
	assert.Contains(t, out.String(), "n2 (this node)")
	assert.NotContains(t, out.String(), "not accepted")

	out.Reset()
	printMilestone(&out, nil, "n1")
	assert.Contains(t, out.String(), "none")
}

func TestMetricsMux(t *testing.T) {
	srv := httptest.NewServer(metricsMux(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// tracing is off
	resp, err = http.Get(srv.URL + "/debug/trace")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLive_TraceNeedsListener(t *testing.T) {
	n := newNode(t, filepath.Join(t.TempDir(), "remote"))
	_, err := n.run("", "live", "--trace")
	assert.ErrorContains(t, err, "metrics.trace requires metrics.listen")
}
