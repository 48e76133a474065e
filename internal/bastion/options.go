package bastion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"bastion/internal/scheduler"
	"bastion/internal/store"
)

const runtimeOptionsDoc = "runtime_options"

// RuntimeOptions is the operator-tunable knob document kept in the remote
// store and re-read every tick.
type RuntimeOptions struct {
	Scheduler scheduler.Options `json:"scheduler"`
}

// loadRuntimeOptions reads the options document from root. Parsing is
// lenient: a missing document, a malformed document, or a field of the wrong
// type all degrade to defaults for the affected fields rather than stopping
// the orchestrator. An operator typo must never take the control loop down.
func loadRuntimeOptions(ctx context.Context, s store.Store, root string, logger *slog.Logger) RuntimeOptions {
	var opts RuntimeOptions
	data, err := s.Read(ctx, path.Join(root, runtimeOptionsDoc))
	if errors.Is(err, store.ErrNotFound) {
		return opts
	}
	if err != nil {
		logger.Warn("read runtime options", "error", err)
		return opts
	}

	var raw struct {
		Scheduler map[string]json.RawMessage `json:"scheduler"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("parse runtime options", "error", err)
		return opts
	}
	if v, ok := raw.Scheduler["dry_run"]; ok {
		if err := json.Unmarshal(v, &opts.Scheduler.DryRun); err != nil {
			logger.Warn("runtime option scheduler.dry_run ignored", "error", err)
		}
	}
	if v, ok := raw.Scheduler["verbosity"]; ok {
		if err := json.Unmarshal(v, &opts.Scheduler.Verbosity); err != nil {
			logger.Warn("runtime option scheduler.verbosity ignored", "error", err)
		}
	}
	return opts
}

// SetRuntimeOptions merges updates into the stored options document and
// writes it back. Used by the control CLI.
func SetRuntimeOptions(ctx context.Context, s store.Store, root string, updates map[string]any) error {
	doc := map[string]any{}
	data, err := s.Read(ctx, path.Join(root, runtimeOptionsDoc))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read runtime options: %w", err)
	}
	if err == nil {
		if uerr := json.Unmarshal(data, &doc); uerr != nil {
			// Replace a corrupt document instead of failing the update.
			doc = map[string]any{}
		}
	}
	merge(doc, updates)
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal runtime options: %w", err)
	}
	return s.Write(ctx, path.Join(root, runtimeOptionsDoc), out)
}

// merge recursively overlays src onto dst. Nested maps merge; everything
// else overwrites.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				merge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}
