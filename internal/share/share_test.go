package share

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := New(filepath.Join(t.TempDir(), "shared"))
	require.NoError(t, err)
	return m
}

func writeShared(t *testing.T, m *Manager, name string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), name), content, 0o644))
}

func TestNewCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "shared")
	m, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(m.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestIndexListsPlainFilesSorted(t *testing.T) {
	m := newTestManager(t)
	writeShared(t, m, "song.mp3", []byte("audio"))
	writeShared(t, m, "movie.mp4", []byte("video"))

	records, err := m.Index("peer-1", "10.0.0.1:7000")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "movie.mp4", records[0].Name)
	assert.Equal(t, "song.mp3", records[1].Name)
	assert.Equal(t, int64(5), records[0].Size)
	for _, rec := range records {
		assert.EqualValues(t, "peer-1", rec.OwnerID)
		assert.Equal(t, "10.0.0.1:7000", rec.OwnerAddress)
	}
}

func TestIndexSkipsDotfilesAndDirectories(t *testing.T) {
	m := newTestManager(t)
	writeShared(t, m, "movie.mp4", []byte("video"))
	writeShared(t, m, ".hidden", []byte("secret"))
	require.NoError(t, os.Mkdir(filepath.Join(m.Dir(), "subdir"), 0o755))

	records, err := m.Index("peer-1", "10.0.0.1:7000")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "movie.mp4", records[0].Name)
}

func TestIndexComputesContentChecksum(t *testing.T) {
	m := newTestManager(t)
	content := []byte("checksummed content")
	writeShared(t, m, "movie.mp4", content)

	records, err := m.Index("peer-1", "10.0.0.1:7000")
	require.NoError(t, err)
	require.Len(t, records, 1)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), records[0].Checksum)
}

func TestIndexRecomputesChecksumAfterChange(t *testing.T) {
	m := newTestManager(t)
	writeShared(t, m, "movie.mp4", []byte("first version"))

	before, err := m.Index("peer-1", "10.0.0.1:7000")
	require.NoError(t, err)

	// rewrite with different content and a different size so the cached
	// entry cannot be reused even on coarse mtime filesystems
	writeShared(t, m, "movie.mp4", []byte("second version, longer"))

	after, err := m.Index("peer-1", "10.0.0.1:7000")
	require.NoError(t, err)

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].Checksum, after[0].Checksum)

	sum := sha256.Sum256([]byte("second version, longer"))
	assert.Equal(t, hex.EncodeToString(sum[:]), after[0].Checksum)
}

func TestResolveSharedFile(t *testing.T) {
	m := newTestManager(t)
	writeShared(t, m, "movie.mp4", []byte("video"))

	path, ok := m.Resolve("movie.mp4")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(m.Dir(), "movie.mp4"), path)
}

func TestResolveRejectsUnknownAndTraversal(t *testing.T) {
	m := newTestManager(t)
	writeShared(t, m, "movie.mp4", []byte("video"))

	// a sibling of the shared dir must stay unreachable
	outside := filepath.Join(filepath.Dir(m.Dir()), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	_, ok := m.Resolve("nonexistent.bin")
	assert.False(t, ok)

	_, ok = m.Resolve("../secret.txt")
	assert.False(t, ok)

	_, ok = m.Resolve("subdir")
	assert.False(t, ok)
}

func TestAddCopiesExternalFile(t *testing.T) {
	m := newTestManager(t)

	external := filepath.Join(t.TempDir(), "movie.mp4")
	content := []byte("external video")
	require.NoError(t, os.WriteFile(external, content, 0o644))

	require.NoError(t, m.Add(external))

	got, err := os.ReadFile(filepath.Join(m.Dir(), "movie.mp4"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAddFileAlreadySharedIsNoOp(t *testing.T) {
	m := newTestManager(t)
	content := []byte("video")
	writeShared(t, m, "movie.mp4", content)

	require.NoError(t, m.Add(filepath.Join(m.Dir(), "movie.mp4")))

	got, err := os.ReadFile(filepath.Join(m.Dir(), "movie.mp4"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAddMissingSourceFails(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.Add(filepath.Join(t.TempDir(), "nope.bin")))
}
