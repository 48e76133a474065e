// Package job defines the immutable job submission record (the jobspec), the
// per-job status record, and the codec/validation rules shared by the
// orchestrator and the submission clients.
package job

import (
	"time"

	"github.com/google/uuid"
)

// specVersion is the current wire format version. Decoders must accept older
// versions by defaulting any fields those versions did not carry.
const specVersion = 1

// ResourceMap maps a resource type (e.g. an accelerator family) to a
// requested or budgeted count.
type ResourceMap map[string]int

// Spec describes what to run and under what identity and resources. A spec is
// immutable once submitted; updates replace it wholesale and bump
// Metadata.Version.
type Spec struct {
	Version        int               `json:"version"`
	Name           string            `json:"name"`
	Command        string            `json:"command"`
	CleanupCommand string            `json:"cleanup_command,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	Metadata       Metadata          `json:"metadata"`
}

// Metadata carries the submission identity and scheduling inputs.
type Metadata struct {
	UserID       string      `json:"user_id"`
	ProjectID    string      `json:"project_id"`
	CreationTime Time        `json:"creation_time"`
	Resources    ResourceMap `json:"resources"`
	// Priority orders jobs within a project; lower is more urgent.
	Priority int `json:"priority,omitempty"`
	// JobID is a stable identifier assigned at submission, carried through
	// history entries and lifecycle events.
	JobID string `json:"job_id,omitempty"`
	// Version counts spec updates. The orchestrator restarts the runner when
	// it observes a change.
	Version int `json:"version,omitempty"`
}

// NewSpec builds a spec with the current format version, assigning a job ID
// if the metadata does not carry one.
func NewSpec(name, command string, md Metadata) *Spec {
	if md.JobID == "" {
		md.JobID = uuid.NewString()
	}
	if md.CreationTime.IsZero() {
		md.CreationTime = Time{time.Now().UTC()}
	}
	return &Spec{
		Version:  specVersion,
		Name:     name,
		Command:  command,
		Metadata: md,
	}
}
