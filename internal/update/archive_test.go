package update

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/config"
	"github.com/undergrid/hell/internal/registry"
	"github.com/undergrid/hell/internal/retry"
)

func buildArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func archiveManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(config.UpdateConfig{}, retry.NewExecutor(retry.DefaultPolicy(), nil), nil)
}

func archiveDaemon(t *testing.T) *registry.Daemon {
	t.Helper()
	return &registry.Daemon{ID: "d1", Name: "bot", WorkingDirectory: t.TempDir()}
}

func TestApplyArchiveIdenticalTreeWritesNothing(t *testing.T) {
	m := archiveManager(t)
	d := archiveDaemon(t)
	files := map[string]string{"main.py": "code\n", "lib/util.py": "util\n"}
	writeTree(t, d.WorkingDirectory, files)

	current, err := ComputeSignatures(d.WorkingDirectory)
	require.NoError(t, err)

	job, err := m.ApplyArchive(context.Background(), d, buildArchive(t, files), current)
	require.NoError(t, err)

	assert.Empty(t, job.Written)
	assert.Equal(t, 2, job.Skipped)
	assert.Equal(t, current, job.Signatures)
}

func TestApplyArchiveWritesOnlyChangedFile(t *testing.T) {
	m := archiveManager(t)
	d := archiveDaemon(t)
	writeTree(t, d.WorkingDirectory, map[string]string{"main.py": "old\n", "lib/util.py": "util\n"})

	current, err := ComputeSignatures(d.WorkingDirectory)
	require.NoError(t, err)

	archive := buildArchive(t, map[string]string{"main.py": "new\n", "lib/util.py": "util\n"})
	job, err := m.ApplyArchive(context.Background(), d, archive, current)
	require.NoError(t, err)

	assert.Equal(t, []string{"main.py"}, job.Written)
	assert.Equal(t, 1, job.Skipped)

	content, err := os.ReadFile(filepath.Join(d.WorkingDirectory, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(content))

	// The untouched file keeps its old signature, the written one changes.
	assert.Equal(t, current["lib/util.py"], job.Signatures["lib/util.py"])
	assert.NotEqual(t, current["main.py"], job.Signatures["main.py"])
}

func TestApplyArchiveAddsNewFiles(t *testing.T) {
	m := archiveManager(t)
	d := archiveDaemon(t)
	writeTree(t, d.WorkingDirectory, map[string]string{"main.py": "code\n"})

	current, err := ComputeSignatures(d.WorkingDirectory)
	require.NoError(t, err)

	archive := buildArchive(t, map[string]string{"main.py": "code\n", "handlers/start.py": "handler\n"})
	job, err := m.ApplyArchive(context.Background(), d, archive, current)
	require.NoError(t, err)

	assert.Equal(t, []string{"handlers/start.py"}, job.Written)
	assert.FileExists(t, filepath.Join(d.WorkingDirectory, "handlers", "start.py"))
	assert.Contains(t, job.Signatures, "handlers/start.py")
}

func TestApplyArchiveRejectsCorruptArchive(t *testing.T) {
	m := archiveManager(t)
	d := archiveDaemon(t)

	bogus := filepath.Join(t.TempDir(), "bogus.zip")
	require.NoError(t, os.WriteFile(bogus, []byte("this is not a zip"), 0o644))

	_, err := m.ApplyArchive(context.Background(), d, bogus, nil)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryUpdate))
}

func TestApplyArchiveRejectsPathTraversal(t *testing.T) {
	m := archiveManager(t)
	d := archiveDaemon(t)

	archive := buildArchive(t, map[string]string{"../evil.py": "pwned\n"})
	_, err := m.ApplyArchive(context.Background(), d, archive, nil)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(d.WorkingDirectory), "evil.py"))
}

func TestApplyArchiveEnforcesSizeLimit(t *testing.T) {
	m := NewManager(config.UpdateConfig{MaxArchiveBytes: 4}, retry.NewExecutor(retry.DefaultPolicy(), nil), nil)
	d := archiveDaemon(t)

	archive := buildArchive(t, map[string]string{"main.py": "far too many bytes\n"})
	_, err := m.ApplyArchive(context.Background(), d, archive, nil)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
}

func TestApplyArchiveEnforcesSizeLimitOnActualBytes(t *testing.T) {
	m := NewManager(config.UpdateConfig{MaxArchiveBytes: 1024}, retry.NewExecutor(retry.DefaultPolicy(), nil), nil)
	d := archiveDaemon(t)

	// The entry header declares 4 uncompressed bytes but the deflate stream
	// expands to far more, so the declared-size check alone would admit it.
	payload := bytes.Repeat([]byte("A"), 1<<16)
	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	path := filepath.Join(t.TempDir(), "lying.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "main.py",
		Method:             zip.Deflate,
		CRC32:              crc32.ChecksumIEEE(payload),
		CompressedSize64:   uint64(deflated.Len()),
		UncompressedSize64: 4,
	})
	require.NoError(t, err)
	_, err = w.Write(deflated.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = m.ApplyArchive(context.Background(), d, path, nil)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
	assert.NoFileExists(t, filepath.Join(d.WorkingDirectory, "main.py"))
}
