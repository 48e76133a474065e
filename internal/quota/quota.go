// Package quota provides resource budgets and project membership used for
// admission decisions.
package quota

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"bastion/internal/job"
)

// Info is a point-in-time quota snapshot. The orchestrator refreshes it once
// per tick and passes it by value; it is never mutated in place.
type Info struct {
	// TotalResources is the global budget per resource type.
	TotalResources job.ResourceMap
	// ProjectResources is the reserved budget per project per resource type.
	ProjectResources map[string]job.ResourceMap
	// ProjectMembership maps a project to user-id patterns (full-match
	// regular expressions; ".*" designates an open project).
	ProjectMembership map[string][]string
}

// IsMember reports whether userID may submit into projectID. Unknown
// projects have no members.
func (i Info) IsMember(userID, projectID string) bool {
	patterns, ok := i.ProjectMembership[projectID]
	if !ok {
		return false
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			continue
		}
		if re.MatchString(userID) {
			return true
		}
	}
	return false
}

// Source supplies quota snapshots. Implementations are pluggable; the
// orchestrator calls Get once per tick.
type Source interface {
	Get(ctx context.Context) (Info, error)
}

// StaticSource always returns the same snapshot. Useful for tests and
// single-tenant deployments.
type StaticSource struct {
	Info Info
}

func (s StaticSource) Get(context.Context) (Info, error) { return s.Info, nil }

// fileDoc is the YAML shape of a quota file:
//
//	total:
//	  v4: 100
//	projects:
//	  team-a:
//	    resources:
//	      v4: 12
//	    members: ["alice", "bob"]
//	  sandbox:
//	    members: [".*"]
type fileDoc struct {
	Total    map[string]int `yaml:"total"`
	Projects map[string]struct {
		Resources map[string]int `yaml:"resources"`
		Members   []string       `yaml:"members"`
	} `yaml:"projects"`
}

// FileSource reads quota from a YAML file on every Get, so budget edits take
// effect at the next tick without restarting the orchestrator.
type FileSource struct {
	Path string
}

func (s FileSource) Get(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Info{}, fmt.Errorf("read quota file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML quota document.
func Parse(data []byte) (Info, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Info{}, fmt.Errorf("parse quota file: %w", err)
	}
	info := Info{
		TotalResources:    job.ResourceMap(doc.Total),
		ProjectResources:  make(map[string]job.ResourceMap, len(doc.Projects)),
		ProjectMembership: make(map[string][]string, len(doc.Projects)),
	}
	for name, p := range doc.Projects {
		info.ProjectResources[name] = job.ResourceMap(p.Resources)
		info.ProjectMembership[name] = p.Members
	}
	return info, nil
}
