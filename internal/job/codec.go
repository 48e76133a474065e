package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is the wire format for creation timestamps. Microsecond digits
// are always written so timestamps never truncate.
const timeLayout = "2006-01-02 15:04:05.000000"

// Time wraps time.Time with the jobspec wire format.
type Time struct {
	time.Time
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timeLayout))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid creation_time %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Serialize encodes a spec for storage in the submission directory.
func Serialize(spec *Spec) ([]byte, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("serialize jobspec %q: %w", spec.Name, err)
	}
	return data, nil
}

// Deserialize decodes a spec written by any client version. Unknown fields
// are ignored and missing optional fields (job_id, env_vars, priority,
// version counter) default to their zero values, so specs written by older
// clients always load.
func Deserialize(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("deserialize jobspec: %w", err)
	}
	return &spec, nil
}

// String renders a compact single-line form, used when passing the spec to
// the child process environment.
func (s *Spec) String() string {
	data, err := Serialize(s)
	if err != nil {
		return fmt.Sprintf("jobspec(%s)", s.Name)
	}
	return strings.TrimSpace(string(data))
}
