package update

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/registry"
	"github.com/undergrid/hell/internal/retry"
)

// sourceRepo is a local git repository used as the update origin in tests.
type sourceRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newSourceRepo(t *testing.T) *sourceRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &sourceRepo{t: t, dir: dir, repo: repo}
}

func (s *sourceRepo) commit(files map[string]string, msg string) {
	s.t.Helper()
	writeTree(s.t, s.dir, files)
	wt, err := s.repo.Worktree()
	require.NoError(s.t, err)
	for rel := range files {
		_, err = wt.Add(filepath.FromSlash(rel))
		require.NoError(s.t, err)
	}
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(s.t, err)
}

func gitManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(config.UpdateConfig{}, retry.NewExecutor(retry.DefaultPolicy(), nil), nil)
}

func TestFullSyncClonesFreshTree(t *testing.T) {
	src := newSourceRepo(t)
	src.commit(map[string]string{"main.py": "v1\n", "lib/util.py": "util\n"}, "initial")

	m := gitManager(t)
	d := &registry.Daemon{ID: "d1", Name: "bot", WorkingDirectory: filepath.Join(t.TempDir(), "bot")}

	job, err := m.FullSync(context.Background(), d, src.dir, "master")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(d.WorkingDirectory, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(content))

	assert.Equal(t, SourceGit, job.Source)
	assert.Contains(t, job.Signatures, "main.py")
	assert.Contains(t, job.Signatures, "lib/util.py")
	assert.NotContains(t, job.Signatures, ".git/HEAD")
}

func TestFullSyncUpdatesExistingClone(t *testing.T) {
	src := newSourceRepo(t)
	src.commit(map[string]string{"main.py": "v1\n"}, "initial")

	m := gitManager(t)
	d := &registry.Daemon{ID: "d1", Name: "bot", WorkingDirectory: filepath.Join(t.TempDir(), "bot")}

	_, err := m.FullSync(context.Background(), d, src.dir, "master")
	require.NoError(t, err)

	// Local edits and stray files must not survive a sync.
	require.NoError(t, os.WriteFile(filepath.Join(d.WorkingDirectory, "main.py"), []byte("tampered\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(d.WorkingDirectory, "stray.tmp"), []byte("junk"), 0o644))

	src.commit(map[string]string{"main.py": "v2\n"}, "bump")

	job, err := m.FullSync(context.Background(), d, src.dir, "master")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(d.WorkingDirectory, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(content))
	assert.NoFileExists(t, filepath.Join(d.WorkingDirectory, "stray.tmp"))
	assert.NotContains(t, job.Signatures, "stray.tmp")
}

func TestFullSyncRequiresRepositoryURL(t *testing.T) {
	m := gitManager(t)
	d := &registry.Daemon{ID: "d1", Name: "bot", WorkingDirectory: t.TempDir()}

	_, err := m.FullSync(context.Background(), d, "", "")
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
}

func TestFullSyncMissingRepositoryIsNotRetriedForever(t *testing.T) {
	m := NewManager(config.UpdateConfig{},
		retry.NewExecutor(retry.NewPolicy(2, time.Millisecond, 2, 10*time.Millisecond, 0), nil), nil)
	d := &registry.Daemon{ID: "d1", Name: "bot", WorkingDirectory: filepath.Join(t.TempDir(), "bot")}

	start := time.Now()
	_, err := m.FullSync(context.Background(), d, filepath.Join(t.TempDir(), "nowhere"), "master")
	require.Error(t, err)
	// Either classified permanent or exhausted after two fast attempts.
	assert.Less(t, time.Since(start), 2*time.Second)
}
