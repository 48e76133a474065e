// Package scheduler partitions schedulable jobs into "should run" and
// "should wait" under per-project and global resource budgets.
package scheduler

import (
	"log/slog"
	"sort"
	"time"

	"bastion/internal/job"
	"bastion/internal/quota"
)

// Tier constants. Tier 0 is the reserved band: jobs packed within their
// project's own budget. Higher tiers are best-effort and fill whatever global
// headroom remains.
const (
	TierReserved   = 0
	TierBestEffort = 1
)

// Options are the per-tick runtime options consulted by Schedule.
type Options struct {
	// DryRun computes and logs the decision but is not allowed to change any
	// job's assigned tier: every job keeps its current admission.
	DryRun bool
	// Verbosity only affects logging, never admission.
	Verbosity int
}

// Demand describes one schedulable job (PENDING or ACTIVE).
type Demand struct {
	ProjectID    string
	Priority     int
	CreationTime time.Time
	Resources    job.ResourceMap
	// Active reports whether the job currently holds an admission; used only
	// to freeze decisions under DryRun.
	Active bool
	// Tier is the currently assigned tier, if any.
	Tier *int
}

// Verdict is the admission decision for one job.
type Verdict struct {
	ShouldRun bool
	// Tier is the assigned priority band, meaningful only when ShouldRun.
	Tier int
}

// Scheduler implements quota-based admission with priority and age
// tie-breaks.
type Scheduler struct {
	logger *slog.Logger
}

// New returns a scheduler logging through logger.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Schedule partitions demand under the quota snapshot. Candidates are
// processed by (priority ascending, creation time ascending, name) within
// each project: reserved-tier jobs are packed into their project budget
// first, then remaining jobs fill global headroom as best-effort. A job is
// admitted only if admitting it keeps every requested resource type within
// budget.
func (s *Scheduler) Schedule(demand map[string]Demand, q quota.Info, opts Options) map[string]Verdict {
	verdicts := make(map[string]Verdict, len(demand))

	byProject := make(map[string][]string)
	for name, d := range demand {
		byProject[d.ProjectID] = append(byProject[d.ProjectID], name)
	}

	less := func(a, b string) bool {
		da, db := demand[a], demand[b]
		if da.Priority != db.Priority {
			return da.Priority < db.Priority
		}
		if !da.CreationTime.Equal(db.CreationTime) {
			return da.CreationTime.Before(db.CreationTime)
		}
		return a < b
	}

	globalUsage := job.ResourceMap{}
	var leftover []string

	// Phase 1: reserved tier, packed per project.
	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	for _, project := range projects {
		names := byProject[project]
		sort.Slice(names, func(i, j int) bool { return less(names[i], names[j]) })
		budget := q.ProjectResources[project]
		projectUsage := job.ResourceMap{}
		for _, name := range names {
			d := demand[name]
			if fits(d.Resources, projectUsage, budget) && fits(d.Resources, globalUsage, q.TotalResources) {
				add(projectUsage, d.Resources)
				add(globalUsage, d.Resources)
				verdicts[name] = Verdict{ShouldRun: true, Tier: TierReserved}
			} else {
				leftover = append(leftover, name)
			}
		}
	}

	// Phase 2: best effort, filling remaining global headroom.
	sort.Slice(leftover, func(i, j int) bool { return less(leftover[i], leftover[j]) })
	for _, name := range leftover {
		d := demand[name]
		if fits(d.Resources, globalUsage, q.TotalResources) {
			add(globalUsage, d.Resources)
			verdicts[name] = Verdict{ShouldRun: true, Tier: TierBestEffort}
		} else {
			verdicts[name] = Verdict{ShouldRun: false}
		}
	}

	if opts.Verbosity > 0 || opts.DryRun {
		for _, name := range sortedNames(verdicts) {
			v := verdicts[name]
			s.logger.Info("scheduling decision",
				"job", name,
				"project", demand[name].ProjectID,
				"should_run", v.ShouldRun,
				"tier", v.Tier,
				"dry_run", opts.DryRun)
		}
	}

	if opts.DryRun {
		// Freeze: every job keeps whatever admission it currently holds.
		for name, d := range demand {
			v := Verdict{ShouldRun: d.Active}
			if d.Tier != nil {
				v.Tier = *d.Tier
			}
			verdicts[name] = v
		}
	}
	return verdicts
}

// fits reports whether request stacked on usage stays within budget for
// every requested resource type. Types absent from the budget have budget
// zero.
func fits(request, usage, budget job.ResourceMap) bool {
	for typ, n := range request {
		if n == 0 {
			continue
		}
		if usage[typ]+n > budget[typ] {
			return false
		}
	}
	return true
}

func add(usage, request job.ResourceMap) {
	for typ, n := range request {
		usage[typ] += n
	}
}

func sortedNames(m map[string]Verdict) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
