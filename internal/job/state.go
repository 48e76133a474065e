package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"bastion/internal/store"
)

// Status is the orchestrator-assigned lifecycle status of a job.
type Status string

const (
	// StatusPending means the job is queued and waiting for admission.
	StatusPending Status = "PENDING"
	// StatusActive means the job has been admitted and its command runs.
	StatusActive Status = "ACTIVE"
	// StatusCancelling means a cancellation was requested (by a user
	// override or by the job becoming invalid) and the runner is being
	// stopped.
	StatusCancelling Status = "CANCELLING"
	// StatusCleaning means the command has stopped and the cleanup command
	// (if any) runs.
	StatusCleaning Status = "CLEANING"
	// StatusCompleted is terminal; the job is eligible for reclamation.
	StatusCompleted Status = "COMPLETED"
)

// parseStatus maps a bare status string (the legacy state file format) to a
// Status.
func parseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusActive:
		return StatusActive, nil
	case StatusCancelling:
		return StatusCancelling, nil
	case StatusCleaning:
		return StatusCleaning, nil
	case StatusCompleted:
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// StateMetadata carries scheduler-assigned fields attached to a state.
type StateMetadata struct {
	// Tier is the assigned priority band; nil means the job was never
	// scheduled. Tier 0 is the reserved (on-budget) band.
	Tier *int `json:"tier,omitempty"`
	// Updated is set when the spec's version counter changed and the runner
	// must be restarted.
	Updated bool `json:"updated,omitempty"`
}

// State is the per-job status record written to the remote store.
type State struct {
	Status   Status        `json:"status"`
	Metadata StateMetadata `json:"metadata,omitempty"`
}

// Equal compares status and metadata.
func (s State) Equal(o State) bool {
	if s.Status != o.Status || s.Metadata.Updated != o.Metadata.Updated {
		return false
	}
	if (s.Metadata.Tier == nil) != (o.Metadata.Tier == nil) {
		return false
	}
	return s.Metadata.Tier == nil || *s.Metadata.Tier == *o.Metadata.Tier
}

// UploadState atomically writes the state record for jobName under dir.
func UploadState(ctx context.Context, s store.Store, jobName string, state State, dir string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for %q: %w", jobName, err)
	}
	return s.Write(ctx, path.Join(dir, jobName), data)
}

// DownloadState reads the state record for jobName under dir. A missing
// record is not an error: brand-new jobs legitimately have no state yet, so
// it resolves to PENDING with empty metadata. A record holding a bare status
// string (written by older releases) parses as that status with empty
// metadata.
func DownloadState(ctx context.Context, s store.Store, jobName, dir string) (State, error) {
	data, err := s.Read(ctx, path.Join(dir, jobName))
	if errors.Is(err, store.ErrNotFound) {
		return State{Status: StatusPending}, nil
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err == nil && state.Status != "" {
		if _, perr := parseStatus(string(state.Status)); perr != nil {
			return State{}, fmt.Errorf("state for %q: %w", jobName, perr)
		}
		return state, nil
	}
	status, perr := parseStatus(string(data))
	if perr != nil {
		return State{}, fmt.Errorf("state for %q: %w", jobName, perr)
	}
	return State{Status: status}, nil
}
