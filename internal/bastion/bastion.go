// Package bastion implements the single-leader job orchestrator: a periodic
// control loop that reconciles submitted job specs against quota, supervises
// runner processes, and reclaims finished jobs.
package bastion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/job"
	"bastion/internal/observability"
	"bastion/internal/proc"
	"bastion/internal/quota"
	"bastion/internal/scheduler"
	"bastion/internal/store"
)

// Environment variables injected into every runner process.
const (
	// EnvSerializedSpec carries the job's serialized spec.
	EnvSerializedSpec = "BASTION_SERIALIZED_JOBSPEC"
	// EnvTier carries the job's assigned scheduling tier.
	EnvTier = "BASTION_TIER"
)

// Job is the engine's in-memory record for one tracked job.
type Job struct {
	Spec  *job.Spec
	State job.State

	// CommandProc supervises the runner while the job is ACTIVE.
	CommandProc proc.Handle
	// CleanupProc supervises the cleanup command while CLEANING.
	CleanupProc proc.Handle

	// reportedInvalid suppresses repeated FAILED events for a job that stays
	// invalid across ticks.
	reportedInvalid bool
}

// Config wires the engine's collaborators.
type Config struct {
	Store      store.Store
	RootDir    string
	ScratchDir string

	Scheduler *scheduler.Scheduler
	Quota     quota.Source
	Cleaner   Cleaner
	// Validator vets submitted specs beyond structural checks. Optional.
	Validator job.Validator
	Publisher Publisher
	// Start launches runner processes. Defaults to proc.Start.
	Start proc.StartFunc

	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Bastion is the orchestrator engine. Not safe for concurrent use; Run is
// the only entry point and owns all state.
type Bastion struct {
	cfg     Config
	dir     *Directory
	history *historyWriter
	tracer  trace.Tracer
	logger  *slog.Logger

	jobs        map[string]*Job
	lastQuota   quota.Info
	quotaLoaded bool
}

// New validates cfg and returns an engine ready to Run.
func New(cfg Config) (*Bastion, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.RootDir == "" {
		return nil, errors.New("root dir is required")
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("scratch dir is required")
	}
	if cfg.Quota == nil {
		return nil, errors.New("quota source is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(cfg.Logger)
	}
	if cfg.Cleaner == nil {
		cfg.Cleaner = NoopCleaner{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NoopPublisher{}
	}
	if cfg.Start == nil {
		cfg.Start = proc.Start
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.ScratchDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("create scratch log dir: %w", err)
	}
	history, err := newHistoryWriter(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}
	return &Bastion{
		cfg:     cfg,
		dir:     NewDirectory(cfg.Store, cfg.RootDir),
		history: history,
		tracer:  otel.Tracer("bastion"),
		logger:  cfg.Logger,
		jobs:    make(map[string]*Job),
	}, nil
}

// Directory returns the engine's view of the remote layout.
func (b *Bastion) Directory() *Directory { return b.dir }

// Run drives the control loop until ctx is cancelled or a tick fails in a
// way that cannot be retried. On exit every supervised process is killed and
// all stop errors are reported together.
func (b *Bastion) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := b.tick(ctx); err != nil {
			return errors.Join(err, b.shutdown())
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), b.shutdown())
		case <-ticker.C:
		}
	}
}

// tick is one reconciliation pass. Download and quota failures are
// transient: they are logged and retried next tick. Failures while applying
// transitions are not retried here; the caller shuts down.
func (b *Bastion) tick(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "bastion.tick")
	defer span.End()
	started := time.Now()
	defer func() {
		b.cfg.Metrics.RecordTick(ctx, time.Since(started).Seconds())
		b.cfg.Metrics.RecordTracked(ctx, len(b.jobs))
	}()

	if q, err := b.cfg.Quota.Get(ctx); err != nil {
		if !b.quotaLoaded {
			// Without any snapshot every job would be treated as a
			// non-member; wait for quota before acting at all.
			b.logger.Warn("quota unavailable, skipping tick", "error", err)
			return nil
		}
		b.logger.Warn("quota refresh failed, reusing last snapshot", "error", err)
	} else {
		b.lastQuota = q
		b.quotaLoaded = true
	}
	opts := loadRuntimeOptions(ctx, b.cfg.Store, b.cfg.RootDir, b.logger)

	batch, err := job.DownloadBatch(ctx, b.cfg.Store, job.BatchArgs{
		SpecDir:                 b.dir.ActiveDir(),
		StateDir:                b.dir.StateDir(),
		UserStateDir:            b.dir.UserStateDir(),
		Validator:               b.cfg.Validator,
		Quota:                   b.lastQuota,
		RemoveInvalidUserStates: true,
	})
	if err != nil {
		b.logger.Warn("resync failed, retrying next tick", "error", err)
		return nil
	}

	b.syncJobs(ctx, batch)
	if err := b.updateJobs(ctx, opts); err != nil {
		return err
	}
	for name := range batch.UserStates {
		if err := b.cfg.Store.Remove(ctx, b.dir.userStatePath(name)); err != nil {
			return fmt.Errorf("remove user state %q: %w", name, err)
		}
	}
	return b.gcJobs(ctx)
}

// syncJobs reconciles the tracked set against one resync batch. Process
// handles survive the rebuild; everything else (spec, resolved state) comes
// from the batch.
func (b *Bastion) syncJobs(ctx context.Context, batch *job.Batch) {
	next := make(map[string]*Job, len(batch.Jobs))
	for name, info := range batch.Jobs {
		existing := b.jobs[name]
		j := &Job{Spec: info.Spec, State: info.State}
		if existing == nil {
			b.appendHistory(ctx, j, LifecycleQueued,
				fmt.Sprintf("PENDING: detected jobspec (job_id=%s)", info.Spec.Metadata.JobID))
		} else {
			j.CommandProc = existing.CommandProc
			j.CleanupProc = existing.CleanupProc
			j.reportedInvalid = existing.reportedInvalid
			if existing.Spec.Metadata.Version != info.Spec.Metadata.Version {
				j.State.Metadata.Updated = true
			}
		}
		if reason, bad := batch.Invalid[name]; bad && !j.reportedInvalid {
			j.reportedInvalid = true
			b.logger.Warn("invalid job", "job", name, "reason", reason)
			b.appendHistory(ctx, j, LifecycleFailed,
				fmt.Sprintf("FAILED: Job %s is invalid", name))
		}
		next[name] = j
	}
	// Jobs whose spec vanished from the store are no longer ours to drive.
	for name, j := range b.jobs {
		if _, ok := next[name]; ok {
			continue
		}
		b.stopProcs(ctx, name, j)
		b.logger.Info("job removed from store", "job", name)
	}
	b.jobs = next
}

// updateJobs runs the scheduler over the tracked set and drives every job's
// state machine one step.
func (b *Bastion) updateJobs(ctx context.Context, opts RuntimeOptions) error {
	demand := make(map[string]scheduler.Demand)
	for name, j := range b.jobs {
		if j.State.Status != job.StatusPending && j.State.Status != job.StatusActive {
			continue
		}
		md := j.Spec.Metadata
		demand[name] = scheduler.Demand{
			ProjectID:    md.ProjectID,
			Priority:     md.Priority,
			CreationTime: md.CreationTime.Time,
			Resources:    md.Resources,
			Active:       j.State.Status == job.StatusActive,
			Tier:         j.State.Metadata.Tier,
		}
	}
	verdicts := b.cfg.Scheduler.Schedule(demand, b.lastQuota, opts.Scheduler)

	for _, name := range b.sortedJobNames() {
		j := b.jobs[name]
		before := j.State
		if v, ok := verdicts[name]; ok {
			b.applyVerdict(ctx, name, j, v)
		}
		if err := b.updateSingleJob(ctx, name, j); err != nil {
			return fmt.Errorf("update job %q: %w", name, err)
		}
		if !j.State.Equal(before) {
			if err := job.UploadState(ctx, b.cfg.Store, name, j.State, b.dir.StateDir()); err != nil {
				return fmt.Errorf("upload state for %q: %w", name, err)
			}
			b.cfg.Metrics.RecordTransition(ctx, string(j.State.Status))
		}
	}
	return nil
}

// applyVerdict turns a scheduling decision into a status change.
func (b *Bastion) applyVerdict(ctx context.Context, name string, j *Job, v scheduler.Verdict) {
	switch {
	case j.State.Status == job.StatusPending && v.ShouldRun:
		tier := v.Tier
		j.State.Status = job.StatusActive
		// Admission assigns fresh metadata. An "updated" flag picked up while
		// the job was still queued is stale here: the runner about to start
		// already uses the new spec.
		j.State.Metadata = job.StateMetadata{Tier: &tier}
		b.cfg.Metrics.RecordAdmitted(ctx, tier)
		b.appendProjectHistory(ctx, j, name, fmt.Sprintf("admitted at tier %d", tier))

	case j.State.Status == job.StatusActive && v.ShouldRun && j.State.Metadata.Updated:
		// The spec changed under a running job. Restart the runner without
		// giving up the admission: the tier is kept.
		b.stopProcs(ctx, name, j)
		j.State.Status = job.StatusPending
		j.State.Metadata.Updated = false
		b.appendHistory(ctx, j, LifecycleUpdating,
			"UPDATING: Detected updated jobspec. Will restart the runner by sending to PENDING state")

	case j.State.Status == job.StatusActive && v.ShouldRun:
		tier := v.Tier
		j.State.Metadata.Tier = &tier

	case j.State.Status == job.StatusActive && !v.ShouldRun:
		b.stopProcs(ctx, name, j)
		j.State.Status = job.StatusPending
		j.State.Metadata = job.StateMetadata{}
		b.appendHistory(ctx, j, LifecyclePreempting, "PENDING: pre-empting")
		b.appendProjectHistory(ctx, j, name, "pre-empted")
	}
}

// updateSingleJob advances one job's state machine by at most one transition.
func (b *Bastion) updateSingleJob(ctx context.Context, name string, j *Job) error {
	switch j.State.Status {
	case job.StatusActive:
		if j.CommandProc == nil {
			return b.startCommand(ctx, name, j)
		}
		if code, done := j.CommandProc.Poll(); done {
			b.logger.Info("runner exited", "job", name, "exit_code", code)
			b.finishCommand(ctx, name, j)
			j.State.Status = job.StatusCleaning
			b.appendHistory(ctx, j, LifecycleCleaning, "CLEANING: process finished")
		}

	case job.StatusCancelling:
		if j.CommandProc != nil {
			if err := j.CommandProc.Kill(); err != nil {
				b.logger.Warn("kill runner", "job", name, "error", err)
			}
			b.finishCommand(ctx, name, j)
		}
		j.State.Status = job.StatusCleaning
		b.appendHistory(ctx, j, LifecycleCleaning, "CLEANING: process terminated")

	case job.StatusCleaning:
		if j.Spec.CleanupCommand == "" {
			j.State.Status = job.StatusCompleted
			b.appendHistory(ctx, j, LifecycleCompleted, "COMPLETED: cleanup finished")
			return nil
		}
		if j.CleanupProc == nil {
			h, err := b.cfg.Start(j.Spec.CleanupCommand, b.localLogPath(name), b.childEnv(j))
			if err != nil {
				// Cleanup could not start; do not wedge the job.
				b.logger.Error("start cleanup command", "job", name, "error", err)
				j.State.Status = job.StatusCompleted
				b.appendHistory(ctx, j, LifecycleCompleted, "COMPLETED: cleanup finished")
				return nil
			}
			j.CleanupProc = h
			return nil
		}
		if code, done := j.CleanupProc.Poll(); done {
			b.logger.Info("cleanup exited", "job", name, "exit_code", code)
			b.uploadLog(ctx, name)
			j.CleanupProc.Close()
			j.CleanupProc = nil
			j.State.Status = job.StatusCompleted
			b.appendHistory(ctx, j, LifecycleCompleted, "COMPLETED: cleanup finished")
		}

	case job.StatusPending, job.StatusCompleted:
		// Nothing to drive.
	}
	return nil
}

// startCommand launches the runner for an admitted job, preserving any log
// output from a previous incarnation.
func (b *Bastion) startCommand(ctx context.Context, name string, j *Job) error {
	if err := b.recoverLog(ctx, name); err != nil {
		return err
	}
	h, err := b.cfg.Start(j.Spec.Command, b.localLogPath(name), b.childEnv(j))
	if err != nil {
		// A command that cannot start behaves like a command that exited.
		b.logger.Error("start process command", "job", name, "error", err)
		j.State.Status = job.StatusCleaning
		b.appendHistory(ctx, j, LifecycleCleaning, "CLEANING: process finished")
		return nil
	}
	j.CommandProc = h
	b.appendHistory(ctx, j, LifecycleStarting, "ACTIVE: start process command")
	return nil
}

// finishCommand uploads the runner's log and releases its handle.
func (b *Bastion) finishCommand(ctx context.Context, name string, j *Job) {
	j.CommandProc.Close()
	j.CommandProc = nil
	b.uploadLog(ctx, name)
}

// gcJobs reclaims finished jobs and jobs that never received a tier.
// Reclaimed COMPLETED jobs have their spec archived and their state removed;
// every reclaimed job leaves the tracked set and will be re-detected if its
// spec is still present.
func (b *Bastion) gcJobs(ctx context.Context) error {
	candidates := make(map[string]*job.Spec)
	for name, j := range b.jobs {
		completed := j.State.Status == job.StatusCompleted
		unscheduled := j.State.Status == job.StatusPending && j.State.Metadata.Tier == nil
		if completed || unscheduled {
			candidates[name] = j.Spec
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	reclaimed, err := b.cfg.Cleaner.Sweep(ctx, candidates)
	if err != nil {
		b.logger.Warn("gc sweep failed, retrying next tick", "error", err)
		return nil
	}
	for _, name := range reclaimed {
		j, ok := b.jobs[name]
		if !ok {
			continue
		}
		if j.State.Status == job.StatusCompleted {
			if err := b.cfg.Store.Copy(ctx, b.dir.activePath(name), b.dir.completePath(name)); err != nil {
				return fmt.Errorf("archive jobspec %q: %w", name, err)
			}
			if err := b.cfg.Store.Remove(ctx, b.dir.activePath(name)); err != nil {
				return fmt.Errorf("remove jobspec %q: %w", name, err)
			}
			if err := b.cfg.Store.Remove(ctx, b.dir.statePath(name)); err != nil {
				return fmt.Errorf("remove state %q: %w", name, err)
			}
		}
		delete(b.jobs, name)
		b.logger.Info("job reclaimed", "job", name, "status", string(j.State.Status))
	}
	b.cfg.Metrics.RecordReclaimed(ctx, len(reclaimed))
	return nil
}

// shutdown kills every supervised process. Jobs whose processes stopped
// cleanly leave the tracked set; the rest stay so the error report names
// them.
func (b *Bastion) shutdown() error {
	var errs []error
	for _, name := range b.sortedJobNames() {
		j := b.jobs[name]
		if err := b.killProcs(j); err != nil {
			errs = append(errs, fmt.Errorf("stop job %q: %w", name, err))
			continue
		}
		delete(b.jobs, name)
	}
	return errors.Join(errs...)
}

// stopProcs force-kills a job's processes. A runner's log is uploaded before
// the handle is discarded; kill and preemption must not lose output written
// since the last mirror pass.
func (b *Bastion) stopProcs(ctx context.Context, name string, j *Job) {
	hadRunner := j.CommandProc != nil
	if err := b.killProcs(j); err != nil {
		b.logger.Warn("stop processes", "job", name, "error", err)
	}
	if hadRunner {
		b.uploadLog(ctx, name)
	}
}

func (b *Bastion) killProcs(j *Job) error {
	var errs []error
	for _, h := range []*proc.Handle{&j.CommandProc, &j.CleanupProc} {
		if *h == nil {
			continue
		}
		if err := (*h).Kill(); err != nil {
			errs = append(errs, err)
			continue
		}
		(*h).Close()
		*h = nil
	}
	return errors.Join(errs...)
}

// childEnv builds the environment contract for runner and cleanup processes.
func (b *Bastion) childEnv(j *Job) map[string]string {
	env := make(map[string]string, len(j.Spec.EnvVars)+2)
	for k, v := range j.Spec.EnvVars {
		env[k] = v
	}
	env[EnvSerializedSpec] = j.Spec.String()
	tier := ""
	if j.State.Metadata.Tier != nil {
		tier = fmt.Sprintf("%d", *j.State.Metadata.Tier)
	}
	env[EnvTier] = tier
	return env
}

func (b *Bastion) localLogPath(name string) string {
	return filepath.Join(b.cfg.ScratchDir, "logs", name)
}

// recoverLog seeds the local log from the remote copy so output from before
// a leader restart is not lost. Local content wins when both exist.
func (b *Bastion) recoverLog(ctx context.Context, name string) error {
	local := b.localLogPath(name)
	if _, err := os.Stat(local); err == nil {
		return nil
	}
	data, err := b.cfg.Store.Read(ctx, b.dir.LogPath(name))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover log for %q: %w", name, err)
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return fmt.Errorf("seed local log for %q: %w", name, err)
	}
	return nil
}

// uploadLog copies the local log to the remote store. Best effort; the
// uploader's continuous mirroring catches anything missed here.
func (b *Bastion) uploadLog(ctx context.Context, name string) {
	data, err := os.ReadFile(b.localLogPath(name))
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("read local log", "job", name, "error", err)
		}
		return
	}
	if err := b.cfg.Store.Write(ctx, b.dir.LogPath(name), data); err != nil {
		b.logger.Warn("upload log", "job", name, "error", err)
	}
}

func (b *Bastion) appendHistory(ctx context.Context, j *Job, state LifecycleState, message string) {
	if err := b.history.AppendJob(j.Spec.Name, message); err != nil {
		b.logger.Warn("append job history", "job", j.Spec.Name, "error", err)
	}
	event := NewLifecycleEvent(j.Spec.Name, j.Spec.Metadata.JobID, message, state)
	if err := b.cfg.Publisher.Publish(ctx, event); err != nil {
		b.logger.Warn("publish lifecycle event", "job", j.Spec.Name, "error", err)
	}
}

func (b *Bastion) appendProjectHistory(ctx context.Context, j *Job, name, message string) {
	if err := b.history.AppendProject(j.Spec.Metadata.ProjectID, name, message); err != nil {
		b.logger.Warn("append project history", "project", j.Spec.Metadata.ProjectID, "error", err)
	}
}

func (b *Bastion) sortedJobNames() []string {
	names := make([]string, 0, len(b.jobs))
	for name := range b.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
