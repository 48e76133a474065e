package bastion

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"bastion/internal/job"
	"bastion/internal/store"
)

// Remote layout under the root directory. Specs under jobs/active are the
// submission queue; the orchestrator moves them to jobs/complete when the job
// is reclaimed.
const (
	activeDir    = "jobs/active"
	completeDir  = "jobs/complete"
	stateDir     = "jobs/states"
	userStateDir = "jobs/user_states"
	logDir       = "logs"
	historyDir   = "history"
)

var (
	// ErrJobExists is returned when submitting a name already in the queue.
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotFound is returned when the named job has no active spec.
	ErrJobNotFound = errors.New("job not found")
)

// Directory exposes the file-based submission and control protocol over a
// store root. Both the orchestrator and the CLI go through it, so the layout
// is defined in exactly one place.
type Directory struct {
	store store.Store
	root  string
}

// NewDirectory returns a Directory rooted at root.
func NewDirectory(s store.Store, root string) *Directory {
	return &Directory{store: s, root: root}
}

func (d *Directory) ActiveDir() string    { return path.Join(d.root, activeDir) }
func (d *Directory) CompleteDir() string  { return path.Join(d.root, completeDir) }
func (d *Directory) StateDir() string     { return path.Join(d.root, stateDir) }
func (d *Directory) UserStateDir() string { return path.Join(d.root, userStateDir) }
func (d *Directory) LogDir() string       { return path.Join(d.root, logDir) }
func (d *Directory) HistoryDir() string   { return path.Join(d.root, historyDir) }

func (d *Directory) activePath(name string) string    { return path.Join(d.root, activeDir, name) }
func (d *Directory) completePath(name string) string  { return path.Join(d.root, completeDir, name) }
func (d *Directory) statePath(name string) string     { return path.Join(d.root, stateDir, name) }
func (d *Directory) userStatePath(name string) string { return path.Join(d.root, userStateDir, name) }

// LogPath is the remote location of a job's output log.
func (d *Directory) LogPath(name string) string { return path.Join(d.root, logDir, name) }

// SubmitJob places spec into the submission queue. The name must be valid
// and not already queued; resubmitting a live name fails with ErrJobExists
// rather than silently clobbering a running job.
func (d *Directory) SubmitJob(ctx context.Context, spec *job.Spec) error {
	if !job.IsValidName(spec.Name) {
		return fmt.Errorf("%q is not a valid job name", spec.Name)
	}
	if err := job.Validate(spec); err != nil {
		return err
	}
	exists, err := d.store.Exists(ctx, d.activePath(spec.Name))
	if err != nil {
		return fmt.Errorf("check job %q: %w", spec.Name, err)
	}
	if exists {
		return fmt.Errorf("%w: %q", ErrJobExists, spec.Name)
	}
	data, err := job.Serialize(spec)
	if err != nil {
		return err
	}
	return d.store.Write(ctx, d.activePath(spec.Name), data)
}

// UpdateJob overwrites the queued spec for an existing job, bumping the
// version counter so the orchestrator restarts the runner with the new spec.
// The job's identity fields cannot change.
func (d *Directory) UpdateJob(ctx context.Context, spec *job.Spec) error {
	current, err := d.GetJob(ctx, spec.Name)
	if err != nil {
		return err
	}
	if err := job.Validate(spec); err != nil {
		return err
	}
	spec.Metadata.JobID = current.Metadata.JobID
	spec.Metadata.CreationTime = current.Metadata.CreationTime
	spec.Metadata.Version = current.Metadata.Version + 1
	data, err := job.Serialize(spec)
	if err != nil {
		return err
	}
	return d.store.Write(ctx, d.activePath(spec.Name), data)
}

// CancelJob requests cancellation by dropping a user-state file. Cancelling
// a job that does not exist is a silent no-op so retries and races with
// reclamation are harmless.
func (d *Directory) CancelJob(ctx context.Context, name string) error {
	exists, err := d.store.Exists(ctx, d.activePath(name))
	if err != nil {
		return fmt.Errorf("check job %q: %w", name, err)
	}
	if !exists {
		return nil
	}
	return job.UploadState(ctx, d.store, name, job.State{Status: job.StatusCancelling}, d.UserStateDir())
}

// WaitForGone polls until the active spec for name disappears (the job was
// reclaimed) or ctx expires.
func (d *Directory) WaitForGone(ctx context.Context, name string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exists, err := d.store.Exists(ctx, d.activePath(name))
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetJob returns the queued spec for name.
func (d *Directory) GetJob(ctx context.Context, name string) (*job.Spec, error) {
	data, err := d.store.Read(ctx, d.activePath(name))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return job.Deserialize(data)
}

// GetJobState returns the orchestrator-visible state for name.
func (d *Directory) GetJobState(ctx context.Context, name string) (job.State, error) {
	return job.DownloadState(ctx, d.store, name, d.StateDir())
}

// ListJobs returns every queued job with its resolved state, sorted by name.
func (d *Directory) ListJobs(ctx context.Context) (map[string]*job.Info, error) {
	batch, err := job.DownloadBatch(ctx, d.store, job.BatchArgs{
		SpecDir:      d.ActiveDir(),
		StateDir:     d.StateDir(),
		UserStateDir: d.UserStateDir(),
	})
	if err != nil {
		return nil, err
	}
	return batch.Jobs, nil
}
