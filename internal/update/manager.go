// Package update applies code updates to daemon working directories. Two
// mechanisms are supported: a full synchronization from a git repository and a
// signature-diff patch from an uploaded zip archive that writes only files
// whose content actually changed. The manager never touches a live process;
// stopping and restarting around an update is the controller's job.
package update

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/registry"
	"github.com/undergrid/hell/internal/retry"
)

// Source identifies where an update's content came from.
type Source string

const (
	SourceGit     Source = "git"
	SourceArchive Source = "archive"
)

// Job is the outcome record of one applied update.
type Job struct {
	ID         string            `json:"id"`
	DaemonID   string            `json:"daemon_id"`
	Source     Source            `json:"source"`
	Written    []string          `json:"written"`
	Skipped    int               `json:"skipped"`
	Signatures map[string]string `json:"-"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// Recorder receives update observations; implementations live in the metrics package.
type Recorder interface {
	ObserveUpdate(source string, duration time.Duration, failed bool)
}

// Manager applies updates to daemon working directories.
type Manager struct {
	cfg      config.UpdateConfig
	executor *retry.Executor
	recorder Recorder
}

// NewManager builds a manager. recorder may be nil.
func NewManager(cfg config.UpdateConfig, executor *retry.Executor, recorder Recorder) *Manager {
	return &Manager{cfg: cfg, executor: executor, recorder: recorder}
}

// FullSync replaces the daemon's working tree with the state of a git
// repository reference and recomputes the signature baseline. Network failures
// are retried under the configured policy.
func (m *Manager) FullSync(ctx context.Context, d *registry.Daemon, repoURL, branch string) (*Job, error) {
	if repoURL == "" {
		return nil, derrors.ValidationError("repository url is required").
			WithContext("daemon", d.Name).Build()
	}

	job := m.newJob(d, SourceGit)
	err := m.executor.Do(ctx, "git-sync", func(ctx context.Context) error {
		return syncRepository(ctx, d.WorkingDirectory, repoURL, branch)
	})
	if err != nil {
		m.observe(job, true)
		return nil, err
	}

	sigs, err := ComputeSignatures(d.WorkingDirectory)
	if err != nil {
		m.observe(job, true)
		return nil, err
	}
	job.Signatures = sigs
	m.observe(job, false)

	slog.Info("full sync applied",
		logfields.Daemon(d.Name), logfields.JobID(job.ID),
		slog.String("repository", repoURL), slog.Int("files", len(sigs)))
	return job, nil
}

// ApplyArchive patches the daemon's working tree from a zip archive at
// archivePath. Entries whose sha256 matches the stored signature are skipped;
// changed and new entries are written. The returned job carries the merged
// signature map reflecting the tree after the patch.
func (m *Manager) ApplyArchive(ctx context.Context, d *registry.Daemon, archivePath string, current map[string]string) (*Job, error) {
	job := m.newJob(d, SourceArchive)

	written, skipped, sigs, err := patchFromArchive(ctx, d.WorkingDirectory, archivePath, current, m.cfg.MaxArchiveBytes)
	if err != nil {
		m.observe(job, true)
		return nil, err
	}

	sort.Strings(written)
	job.Written = written
	job.Skipped = skipped
	job.Signatures = sigs
	m.observe(job, false)

	slog.Info("archive patch applied",
		logfields.Daemon(d.Name), logfields.JobID(job.ID),
		slog.Int("written", len(written)), slog.Int("skipped", skipped))
	return job, nil
}

func (m *Manager) newJob(d *registry.Daemon, source Source) *Job {
	return &Job{
		ID:        uuid.NewString(),
		DaemonID:  d.ID,
		Source:    source,
		Written:   []string{},
		StartedAt: time.Now(),
	}
}

func (m *Manager) observe(job *Job, failed bool) {
	job.Duration = time.Since(job.StartedAt)
	if m.recorder != nil {
		m.recorder.ObserveUpdate(string(job.Source), job.Duration, failed)
	}
}
