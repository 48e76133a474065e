package job

import (
	"fmt"
	"sort"
)

// ValidationError reports a structurally invalid spec or a policy violation.
// Field names the offending field using its wire path (e.g. "metadata.user_id").
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validator inspects a spec and returns a ValidationError on policy
// violation. Implementations are pluggable; the orchestrator treats them as a
// black box returning pass/fail with a reason.
type Validator interface {
	Validate(spec *Spec) error
}

// NoopValidator accepts every spec.
type NoopValidator struct{}

func (NoopValidator) Validate(*Spec) error { return nil }

// Validate checks structural well-formedness. Fields are checked parent to
// child (jobspec before metadata) in a fixed order so error messages are
// deterministic.
func Validate(spec *Spec) error {
	if !IsValidName(spec.Name) {
		return validationErrorf("jobspec.name", "%q is not a valid job name", spec.Name)
	}
	for _, k := range sortedKeys(spec.EnvVars) {
		if k == "" {
			return validationErrorf("jobspec.env_vars", "expected non-empty string keys")
		}
	}
	if spec.Metadata.UserID == "" {
		return validationErrorf("metadata.user_id", "expected a non-empty string")
	}
	if spec.Metadata.ProjectID == "" {
		return validationErrorf("metadata.project_id", "expected a non-empty string")
	}
	for _, k := range sortedKeys(spec.Metadata.Resources) {
		if k == "" {
			return validationErrorf("metadata.resources", "expected non-empty string keys")
		}
		if v := spec.Metadata.Resources[k]; v < 0 {
			return validationErrorf("metadata.resources", "expected non-negative counts, got %s=%d", k, v)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
