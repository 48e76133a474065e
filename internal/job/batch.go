package job

import (
	"context"
	"fmt"
	"path"
	"sort"

	"bastion/internal/store"
)

// Membership answers whether a user may submit into a project. A nil
// Membership disables the check.
type Membership interface {
	IsMember(userID, projectID string) bool
}

// Info pairs a spec with its resolved authoritative state.
type Info struct {
	Spec  *Spec
	State State
}

// Batch is the result of one full resync from the remote store.
type Batch struct {
	// Jobs maps every job that could be loaded to its spec and resolved
	// state. Invalid jobs are included (already resolved to CANCELLING
	// unless quiescent) so the engine can drive them down.
	Jobs map[string]*Info
	// UserStates holds the names whose user-override file was observed this
	// resync. The engine deletes these after consuming them so stale
	// overrides do not accumulate.
	UserStates map[string]bool
	// Invalid maps a job name to the reason it was excluded from the
	// runnable set.
	Invalid map[string]string
}

// BatchArgs configures DownloadBatch.
type BatchArgs struct {
	SpecDir      string
	StateDir     string
	UserStateDir string
	// Validator, if set, vets every downloaded spec.
	Validator Validator
	// Quota, if set, enforces project membership.
	Quota Membership
	// RemoveInvalidUserStates deletes user-state files whose names cannot be
	// job names. Only the orchestrator sets this; read-only callers must not
	// mutate the store.
	RemoveInvalidUserStates bool
}

// DownloadBatch is the engine's single full-resync primitive: it lists the
// spec, state and user-state directories, downloads every spec, and computes
// the authoritative state per job.
//
// Precedence per job: start from the orchestrator state (PENDING if absent).
// A user override may only move the status toward CANCELLING, never touches
// metadata, and is ignored once the job is CLEANING or COMPLETED. Jobs whose
// spec fails validation, or whose user is not a member of the declared
// project, resolve to CANCELLING by the same immunity rule and are reported
// in Invalid.
//
// User-state files with names that cannot be job names are deleted on the
// spot; every other observed user state is reported for later deletion.
func DownloadBatch(ctx context.Context, s store.Store, args BatchArgs) (*Batch, error) {
	specNames, err := s.List(ctx, args.SpecDir)
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	userStateNames, err := s.List(ctx, args.UserStateDir)
	if err != nil {
		return nil, fmt.Errorf("list user states: %w", err)
	}

	batch := &Batch{
		Jobs:       make(map[string]*Info, len(specNames)),
		UserStates: make(map[string]bool, len(userStateNames)),
		Invalid:    make(map[string]string),
	}

	userStates := make(map[string]bool, len(userStateNames))
	for _, name := range userStateNames {
		if !IsValidName(name) {
			// Cannot belong to any job; remove immediately.
			if args.RemoveInvalidUserStates {
				if err := s.Remove(ctx, path.Join(args.UserStateDir, name)); err != nil {
					return nil, fmt.Errorf("remove invalid user state %q: %w", name, err)
				}
			}
			continue
		}
		userStates[name] = true
		batch.UserStates[name] = true
	}

	sort.Strings(specNames)
	for _, name := range specNames {
		reason := ""
		var spec *Spec
		if !IsValidName(name) {
			reason = fmt.Sprintf("%q is not a valid job name", name)
		} else {
			data, err := s.Read(ctx, path.Join(args.SpecDir, name))
			if err != nil {
				return nil, fmt.Errorf("download jobspec %q: %w", name, err)
			}
			spec, err = Deserialize(data)
			if err != nil {
				reason = err.Error()
			}
		}
		if spec != nil && reason == "" {
			if err := Validate(spec); err != nil {
				reason = err.Error()
			}
		}
		if spec != nil && reason == "" && args.Validator != nil {
			if err := args.Validator.Validate(spec); err != nil {
				reason = err.Error()
			}
		}
		if spec != nil && reason == "" && args.Quota != nil {
			md := spec.Metadata
			if !args.Quota.IsMember(md.UserID, md.ProjectID) {
				reason = fmt.Sprintf("user %q is not a member of project %q", md.UserID, md.ProjectID)
			}
		}
		if reason != "" {
			batch.Invalid[name] = reason
		}
		if spec == nil {
			// Nothing to drive; the name is only reported in Invalid.
			continue
		}

		state, err := DownloadState(ctx, s, name, args.StateDir)
		if err != nil {
			return nil, fmt.Errorf("download state for %q: %w", name, err)
		}
		quiescent := state.Status == StatusCleaning || state.Status == StatusCompleted
		if userStates[name] && !quiescent {
			override, err := DownloadState(ctx, s, name, args.UserStateDir)
			if err != nil {
				return nil, fmt.Errorf("download user state for %q: %w", name, err)
			}
			// Overrides may only request cancellation; anything else is
			// ignored. Metadata always comes from the orchestrator state.
			if override.Status == StatusCancelling {
				state.Status = StatusCancelling
			}
		}
		if reason != "" && !quiescent {
			state.Status = StatusCancelling
		}
		batch.Jobs[name] = &Info{Spec: spec, State: state}
	}
	return batch, nil
}
