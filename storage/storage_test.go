package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(epoch interfaces.EpochTime, kind interfaces.ShareKind) interfaces.ShareKey {
	return interfaces.ShareKey{
		ID:   interfaces.HandoffID{Runtime: interfaces.RuntimeID{0x01, 0x02}, Scheme: 3, Epoch: epoch},
		Kind: kind,
	}
}

// exerciseShareBackend runs the common ShareBackend contract.
func exerciseShareBackend(t *testing.T, backend interfaces.ShareBackend) {
	ctx := context.Background()

	_, err := backend.Load(ctx, testKey(1, interfaces.LiveShare))
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound)

	require.NoError(t, backend.Save(ctx, testKey(1, interfaces.LiveShare), []byte("sealed-1")))
	require.NoError(t, backend.Save(ctx, testKey(2, interfaces.DealtShare), []byte("sealed-2")))

	data, err := backend.Load(ctx, testKey(1, interfaces.LiveShare))
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-1"), data)

	// Save replaces.
	require.NoError(t, backend.Save(ctx, testKey(1, interfaces.LiveShare), []byte("sealed-1b")))
	data, err = backend.Load(ctx, testKey(1, interfaces.LiveShare))
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-1b"), data)

	keys, err := backend.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []interfaces.ShareKey{testKey(1, interfaces.LiveShare), testKey(2, interfaces.DealtShare)}, keys)

	require.NoError(t, backend.Erase(ctx, testKey(1, interfaces.LiveShare)))
	_, err = backend.Load(ctx, testKey(1, interfaces.LiveShare))
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound)

	// Erasing a missing key is not an error.
	require.NoError(t, backend.Erase(ctx, testKey(9, interfaces.LiveShare)))

	keys, err = backend.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ShareKey{testKey(2, interfaces.DealtShare)}, keys)
}

func TestFileShareBackend(t *testing.T) {
	backend, err := NewFileShareBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	exerciseShareBackend(t, backend)
}

func TestPebbleShareBackend(t *testing.T) {
	backend, err := NewPebbleShareBackend(filepath.Join(t.TempDir(), "db"), testLogger())
	require.NoError(t, err)
	defer backend.Close()
	exerciseShareBackend(t, backend)
}

func TestFileArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	archive, err := NewFileArchive(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, archive.Available(ctx))

	matrix := interfaces.VerificationMatrix("published matrix")
	checksum, err := archive.Store(ctx, matrix)
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.ComputeChecksum(matrix), checksum)

	fetched, err := archive.Fetch(ctx, checksum)
	require.NoError(t, err)
	assert.Equal(t, matrix, fetched)

	_, err = archive.Fetch(ctx, interfaces.Checksum{0xff})
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// A tampered file is detected on fetch.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "matrices", checksum.String()), []byte("tampered"), 0644))
	_, err = archive.Fetch(ctx, checksum)
	assert.ErrorIs(t, err, interfaces.ErrChecksumMismatch)
}

func TestBackendFactory(t *testing.T) {
	factory := NewBackendFactory(testLogger())
	dir := t.TempDir()

	backend, err := factory.ShareBackendFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileShareBackend{}, backend)

	backend, err = factory.ShareBackendFor("pebble://" + filepath.Join(dir, "db"))
	require.NoError(t, err)
	require.IsType(t, &PebbleShareBackend{}, backend)
	require.NoError(t, backend.(*PebbleShareBackend).Close())

	backend, err = factory.ShareBackendFor("vault://token@127.0.0.1:8200/secret/shares?tls=false")
	require.NoError(t, err)
	assert.IsType(t, &VaultShareBackend{}, backend)
	assert.Equal(t, "vault-secret-shares", backend.Name())

	_, err = factory.ShareBackendFor("s3://bucket/prefix")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.ShareBackendFor("gopher://nope")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	archive, err := factory.ArchiveFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileArchive{}, archive)

	archive, err = factory.ArchiveFor("s3://bucket/prefix?region=eu-west-1&endpoint=http://127.0.0.1:9000")
	require.NoError(t, err)
	assert.IsType(t, &S3Archive{}, archive)

	archive, err = factory.ArchiveFor("ipfs://127.0.0.1:5001/matrices?timeout=5s")
	require.NoError(t, err)
	assert.IsType(t, &IPFSArchive{}, archive)

	_, err = factory.ArchiveFor("ipfs://127.0.0.1:5001/?timeout=soon")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.ArchiveFor("pebble:///tmp/db")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiArchive([]string{"file://" + dir, "bogus://x"})
	require.NoError(t, err)
	assert.IsType(t, &MultiArchive{}, multi)

	_, err = factory.CreateMultiArchive([]string{"bogus://x"})
	assert.Error(t, err)
}
