package bastion

import (
	"context"
	"time"

	"bastion/internal/job"
)

// Cleaner reclaims external resources for finished jobs. Sweep receives the
// reclamation candidates (terminal jobs and jobs that never received a tier)
// and returns the names whose resources are fully reclaimed. Sweep must be
// idempotent: the engine retries candidates every tick until they are
// reported reclaimed.
type Cleaner interface {
	Sweep(ctx context.Context, jobs map[string]*job.Spec) ([]string, error)
}

// NoopCleaner reports every candidate reclaimed immediately. Suitable when
// jobs hold no external resources beyond their local process.
type NoopCleaner struct{}

func (NoopCleaner) Sweep(_ context.Context, jobs map[string]*job.Spec) ([]string, error) {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	return names, nil
}

// AgeCleaner reclaims a candidate only once it is older than TTL, giving
// external tooling a grace window to inspect finished jobs.
type AgeCleaner struct {
	TTL time.Duration
	// now is injectable for tests.
	now func() time.Time
}

func (c AgeCleaner) Sweep(_ context.Context, jobs map[string]*job.Spec) ([]string, error) {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	cutoff := now().Add(-c.TTL)
	var names []string
	for name, spec := range jobs {
		if spec.Metadata.CreationTime.Time.Before(cutoff) {
			names = append(names, name)
		}
	}
	return names, nil
}
