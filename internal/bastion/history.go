package bastion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LifecycleState is the vocabulary of externally published job events. It is
// a superset of the orchestrator statuses: QUEUED, STARTING, UPDATING and
// FAILED mark transitions that the status enum alone cannot express.
type LifecycleState string

const (
	LifecycleQueued     LifecycleState = "QUEUED"
	LifecycleStarting   LifecycleState = "STARTING"
	LifecycleUpdating   LifecycleState = "UPDATING"
	LifecyclePreempting LifecycleState = "PREEMPTING"
	LifecycleCleaning   LifecycleState = "CLEANING"
	LifecycleCompleted  LifecycleState = "COMPLETED"
	LifecycleFailed     LifecycleState = "FAILED"
)

// LifecycleEvent is the JSON record published on every meaningful job
// transition.
type LifecycleEvent struct {
	JobName string         `json:"job_name"`
	JobID   string         `json:"job_id"`
	Message string         `json:"message"`
	State   LifecycleState `json:"state"`
	// Timestamp is Unix nanoseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewLifecycleEvent stamps an event with the current time.
func NewLifecycleEvent(jobName, jobID, message string, state LifecycleState) LifecycleEvent {
	return LifecycleEvent{
		JobName:   jobName,
		JobID:     jobID,
		Message:   message,
		State:     state,
		Timestamp: time.Now().UnixNano(),
	}
}

// Publisher receives lifecycle events. Publishing is best effort: the engine
// logs publish errors and moves on, a transition is never blocked on the
// event sink.
type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, event LifecycleEvent) error {
	p.Logger.Info("lifecycle event",
		"job_name", event.JobName,
		"job_id", event.JobID,
		"state", string(event.State),
		"message", event.Message)
	return nil
}

// historyWriter appends human-readable audit lines to per-job and per-project
// files under the scratch directory. These files are mirrored to the remote
// store by the uploader.
type historyWriter struct {
	jobDir     string
	projectDir string
}

func newHistoryWriter(scratchDir string) (*historyWriter, error) {
	w := &historyWriter{
		jobDir:     filepath.Join(scratchDir, "history", "jobs"),
		projectDir: filepath.Join(scratchDir, "history", "projects"),
	}
	for _, dir := range []string{w.jobDir, w.projectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	return w, nil
}

// AppendJob records a job transition line.
func (w *historyWriter) AppendJob(jobName, message string) error {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
	return appendLine(filepath.Join(w.jobDir, jobName), line)
}

// AppendProject records a scheduling snapshot line for a project, keyed by
// job so per-project activity can be audited.
func (w *historyWriter) AppendProject(projectID, jobName, message string) error {
	line := fmt.Sprintf("%s job=%s %s\n", time.Now().UTC().Format(time.RFC3339), jobName, message)
	return appendLine(filepath.Join(w.projectDir, projectID), line)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// FilePublisher appends events, one JSON document per line, to a local file.
// Combined with the uploader's mirroring this gives a durable event feed in
// the remote store.
type FilePublisher struct {
	Path string
}

func (p FilePublisher) Publish(_ context.Context, event LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return appendLine(p.Path, string(data)+"\n")
}
