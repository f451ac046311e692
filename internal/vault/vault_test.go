package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsync/leafsync/internal/config"
	"github.com/leafsync/leafsync/internal/crypt"
	"github.com/leafsync/leafsync/internal/docstore"
	"github.com/leafsync/leafsync/internal/entry"
	"github.com/leafsync/leafsync/internal/model"
	"github.com/leafsync/leafsync/internal/replication"
)

func testConfig(t *testing.T, remote string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Remote.Path = remote
	cfg.Encryption.Enabled = true
	cfg.Encryption.Passphrase = "shared secret"
	cfg.Encryption.Iterations = 1000
	cfg.Chunk.Compress = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func open(t *testing.T, cfg *config.Config) *Vault {
	t.Helper()
	v, err := Open(cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return v
}

func TestOpen_LocalOnly(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	v := open(t, cfg)
	defer v.Close()

	assert.Nil(t, v.Remote)
	assert.False(t, v.Leaves.Encrypted())

	_, err := v.Replicator.Replicate(context.Background(), replication.Sync)
	assert.ErrorIs(t, err, replication.ErrNoRemote)
}

func TestOpen_InMemory(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = "/nonexistent"
	v, err := Open(cfg, Options{Logger: zerolog.Nop(), InMemory: true})
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Entries.Put(context.Background(), "a.md", []byte("in memory"), entry.PutOptions{})
	require.NoError(t, err)
}

// Two replicas share one remote directory; a note written on one is read
// back on the other.
func TestVault_ReplicateThroughRemote(t *testing.T) {
	ctx := context.Background()
	remote := filepath.Join(t.TempDir(), "remote")
	text := "# A\n\nfirst paragraph of note a\n\nsecond paragraph of note a\n"

	a := open(t, testConfig(t, remote))
	_, err := a.Entries.Put(ctx, "notes/a.md", []byte(text), entry.PutOptions{})
	require.NoError(t, err)
	res, err := a.Replicator.Replicate(ctx, replication.Sync)
	require.NoError(t, err)
	assert.Positive(t, res.Pushed)

	// leaves on the remote are encrypted
	rows, err := a.Remote.AllDocs(ctx, docstore.AllDocsOptions{
		StartKey: model.LeafPrefix,
		EndKey:   model.LeafPrefix + "\uffff",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	doc, err := a.Remote.Get(ctx, rows[0].ID)
	require.NoError(t, err)
	leaf, err := model.DecodeLeaf(doc.Body)
	require.NoError(t, err)
	assert.True(t, leaf.Encrypted)
	assert.True(t, crypt.IsEncrypted(leaf.Data))

	require.NoError(t, a.Close())

	b := open(t, testConfig(t, remote))
	defer b.Close()
	_, err = b.Replicator.Replicate(ctx, replication.Sync)
	require.NoError(t, err)

	got, err := b.Entries.Get(ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, text, string(got.Content))
}

func TestVault_WrongPassphraseCannotRead(t *testing.T) {
	ctx := context.Background()
	remote := filepath.Join(t.TempDir(), "remote")

	a := open(t, testConfig(t, remote))
	_, err := a.Entries.Put(ctx, "secret.md", []byte("for the right passphrase only"), entry.PutOptions{})
	require.NoError(t, err)
	_, err = a.Replicator.Replicate(ctx, replication.Push)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg := testConfig(t, remote)
	cfg.Encryption.Passphrase = "another secret"
	b := open(t, cfg)
	defer b.Close()
	_, err = b.Replicator.Replicate(ctx, replication.Pull)
	require.NoError(t, err)

	_, err = b.Entries.Get(ctx, "secret.md")
	assert.ErrorIs(t, err, crypt.ErrDecryption)
}

func TestVault_CollectGarbagePurgesCache(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	v := open(t, cfg)
	defer v.Close()

	first := []byte("text that will be replaced soon")
	_, err := v.Entries.Put(ctx, "a.md", first, entry.PutOptions{})
	require.NoError(t, err)
	_, err = v.Entries.Put(ctx, "a.md", []byte("replacement text of the note"), entry.PutOptions{})
	require.NoError(t, err)

	stats, err := v.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.LeavesDeleted)

	// the old content must be written again, not resolved to the deleted leaf
	_, err = v.Entries.Put(ctx, "b.md", first, entry.PutOptions{})
	require.NoError(t, err)
	got, err := v.Entries.Get(ctx, "b.md")
	require.NoError(t, err)
	assert.Equal(t, first, got.Content)
}
