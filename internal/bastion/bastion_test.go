package bastion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bastion/internal/job"
	"bastion/internal/proc"
	"bastion/internal/quota"
	"bastion/internal/store"
)

// fakeProc is a controllable proc.Handle.
type fakeProc struct {
	mu         sync.Mutex
	code       int
	done       bool
	killed     int
	terminated int
	closed     int
	logPath    string
}

func (p *fakeProc) Poll() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.done
}

func (p *fakeProc) finish(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code = code
	p.done = true
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed++
	p.done = true
	return nil
}

func (p *fakeProc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakeProc) LogPath() string { return p.logPath }

type startCall struct {
	command string
	logPath string
	env     map[string]string
	proc    *fakeProc
}

// fakeStarter records every launch and hands back controllable handles.
type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (s *fakeStarter) Start(command, logPath string, env map[string]string) (proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProc{logPath: logPath}
	s.calls = append(s.calls, startCall{command: command, logPath: logPath, env: env, proc: p})
	return p, nil
}

func (s *fakeStarter) last(t *testing.T) startCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatal("no process was started")
	}
	return s.calls[len(s.calls)-1]
}

// recPublisher collects lifecycle events.
type recPublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (p *recPublisher) Publish(_ context.Context, event LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recPublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Message
	}
	return out
}

func (p *recPublisher) hasMessage(msg string) bool {
	for _, m := range p.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

type fixture struct {
	ctx     context.Context
	engine  *Bastion
	store   store.Store
	starter *fakeStarter
	pub     *recPublisher
}

func testQuota() quota.Info {
	return quota.Info{
		TotalResources:    job.ResourceMap{"v4": 12},
		ProjectResources:  map[string]job.ResourceMap{"team-a": {"v4": 12}},
		ProjectMembership: map[string][]string{"team-a": {".*"}},
	}
}

func newFixture(t *testing.T, q quota.Info) *fixture {
	t.Helper()
	s := store.NewFS()
	starter := &fakeStarter{}
	pub := &recPublisher{}
	engine, err := New(Config{
		Store:      s,
		RootDir:    filepath.Join(t.TempDir(), "remote"),
		ScratchDir: filepath.Join(t.TempDir(), "scratch"),
		Quota:      quota.StaticSource{Info: q},
		Publisher:  pub,
		Start:      starter.Start,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{
		ctx:     context.Background(),
		engine:  engine,
		store:   s,
		starter: starter,
		pub:     pub,
	}
}

func (f *fixture) submit(t *testing.T, spec *job.Spec) {
	t.Helper()
	if err := f.engine.Directory().SubmitJob(f.ctx, spec); err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.engine.tick(f.ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
}

func (f *fixture) remoteState(t *testing.T, name string) job.State {
	t.Helper()
	state, err := f.engine.Directory().GetJobState(f.ctx, name)
	if err != nil {
		t.Fatalf("GetJobState failed: %v", err)
	}
	return state
}

func simpleSpec(name string, priority int) *job.Spec {
	return job.NewSpec(name, "sleep 300", job.Metadata{
		UserID:    "alice",
		ProjectID: "team-a",
		Resources: job.ResourceMap{"v4": 8},
		Priority:  priority,
	})
}

func TestTick_AdmitsAndStartsNewJob(t *testing.T) {
	f := newFixture(t, testQuota())
	spec := simpleSpec("j1", 1)
	f.submit(t, spec)

	f.tick(t)

	state := f.remoteState(t, "j1")
	if state.Status != job.StatusActive {
		t.Fatalf("Status = %q, want ACTIVE", state.Status)
	}
	if state.Metadata.Tier == nil || *state.Metadata.Tier != 0 {
		t.Errorf("Tier = %v, want 0", state.Metadata.Tier)
	}

	call := f.starter.last(t)
	if call.command != "sleep 300" {
		t.Errorf("started command = %q", call.command)
	}
	if call.env[EnvTier] != "0" {
		t.Errorf("env %s = %q, want 0", EnvTier, call.env[EnvTier])
	}
	if !strings.Contains(call.env[EnvSerializedSpec], `"name":"j1"`) {
		t.Errorf("env %s = %q, want serialized spec", EnvSerializedSpec, call.env[EnvSerializedSpec])
	}

	if !f.pub.hasMessage("PENDING: detected jobspec (job_id=" + spec.Metadata.JobID + ")") {
		t.Errorf("missing queued event, got %v", f.pub.messages())
	}
	if !f.pub.hasMessage("ACTIVE: start process command") {
		t.Errorf("missing start event, got %v", f.pub.messages())
	}
}

func TestTick_ProcessExitRunsCleanupThenCompletes(t *testing.T) {
	f := newFixture(t, testQuota())
	spec := simpleSpec("j1", 1)
	spec.CleanupCommand = "echo done"
	f.submit(t, spec)

	f.tick(t) // PENDING -> ACTIVE, runner starts
	runner := f.starter.last(t)
	runner.proc.finish(0)

	f.tick(t) // ACTIVE -> CLEANING
	if got := f.remoteState(t, "j1").Status; got != job.StatusCleaning {
		t.Fatalf("Status = %q, want CLEANING", got)
	}
	if !f.pub.hasMessage("CLEANING: process finished") {
		t.Errorf("missing cleaning event, got %v", f.pub.messages())
	}
	if runner.proc.closed == 0 {
		t.Error("runner handle was not closed")
	}

	f.tick(t) // cleanup command starts
	cleanup := f.starter.last(t)
	if cleanup.command != "echo done" {
		t.Fatalf("cleanup command = %q", cleanup.command)
	}
	cleanup.proc.finish(0)

	f.tick(t) // CLEANING -> COMPLETED, then reclaimed by gc
	if !f.pub.hasMessage("COMPLETED: cleanup finished") {
		t.Errorf("missing completed event, got %v", f.pub.messages())
	}

	// Reclamation archived the spec and removed the live records.
	dir := f.engine.Directory()
	if ok, _ := f.store.Exists(f.ctx, dir.activePath("j1")); ok {
		t.Error("active spec still present after reclamation")
	}
	if ok, _ := f.store.Exists(f.ctx, dir.completePath("j1")); !ok {
		t.Error("spec was not archived")
	}
	if ok, _ := f.store.Exists(f.ctx, dir.statePath("j1")); ok {
		t.Error("state record still present after reclamation")
	}
	if len(f.engine.jobs) != 0 {
		t.Errorf("tracked set not empty: %v", f.engine.jobs)
	}
}

func TestTick_NoCleanupCommandCompletesDirectly(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))

	f.tick(t)
	f.starter.last(t).proc.finish(0)
	f.tick(t) // -> CLEANING
	f.tick(t) // -> COMPLETED, reclaimed

	if !f.pub.hasMessage("COMPLETED: cleanup finished") {
		t.Errorf("missing completed event, got %v", f.pub.messages())
	}
	if len(f.starter.calls) != 1 {
		t.Errorf("expected no cleanup process, got %d starts", len(f.starter.calls))
	}
}

func TestTick_CancellationKillsRunner(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))
	f.tick(t)
	runner := f.starter.last(t)

	if err := f.engine.Directory().CancelJob(f.ctx, "j1"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	f.tick(t)

	if runner.proc.killed == 0 {
		t.Error("runner was not killed")
	}
	if got := f.remoteState(t, "j1").Status; got != job.StatusCleaning {
		t.Errorf("Status = %q, want CLEANING", got)
	}
	if !f.pub.hasMessage("CLEANING: process terminated") {
		t.Errorf("missing terminated event, got %v", f.pub.messages())
	}

	// The user-state request was consumed.
	ok, err := f.store.Exists(f.ctx, f.engine.Directory().userStatePath("j1"))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("user state was not removed after being consumed")
	}
}

func TestTick_PreemptionResetsMetadata(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("low", 5))
	f.tick(t)
	lowRunner := f.starter.last(t)
	if err := os.WriteFile(lowRunner.logPath, []byte("low output\n"), 0o644); err != nil {
		t.Fatalf("write local log: %v", err)
	}

	// A more urgent job arrives; the budget cannot hold both.
	f.submit(t, job.NewSpec("high", "sleep 300", job.Metadata{
		UserID:    "alice",
		ProjectID: "team-a",
		Resources: job.ResourceMap{"v4": 8},
		Priority:  1,
	}))
	f.tick(t)

	if lowRunner.proc.killed == 0 {
		t.Error("pre-empted runner was not killed")
	}
	// The killed runner's log was uploaded before its handle was discarded.
	data, err := f.store.Read(f.ctx, f.engine.Directory().LogPath("low"))
	if err != nil {
		t.Fatalf("read remote log after pre-emption: %v", err)
	}
	if string(data) != "low output\n" {
		t.Errorf("remote log = %q", data)
	}
	lowState := f.remoteState(t, "low")
	if lowState.Status != job.StatusPending {
		t.Errorf("low Status = %q, want PENDING", lowState.Status)
	}
	if lowState.Metadata.Tier != nil {
		t.Errorf("low Tier = %v, want nil after pre-emption", lowState.Metadata.Tier)
	}
	if got := f.remoteState(t, "high").Status; got != job.StatusActive {
		t.Errorf("high Status = %q, want ACTIVE", got)
	}
	if !f.pub.hasMessage("PENDING: pre-empting") {
		t.Errorf("missing pre-empting event, got %v", f.pub.messages())
	}
}

func TestTick_SpecUpdateRestartsRunnerKeepingTier(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))
	f.tick(t)
	runner := f.starter.last(t)

	if err := os.WriteFile(runner.logPath, []byte("old run output\n"), 0o644); err != nil {
		t.Fatalf("write local log: %v", err)
	}
	updated := simpleSpec("j1", 1)
	updated.Command = "sleep 600"
	if err := f.engine.Directory().UpdateJob(f.ctx, updated); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	f.tick(t)
	if runner.proc.killed == 0 {
		t.Error("runner was not restarted on spec update")
	}
	data, err := f.store.Read(f.ctx, f.engine.Directory().LogPath("j1"))
	if err != nil {
		t.Fatalf("read remote log after restart: %v", err)
	}
	if string(data) != "old run output\n" {
		t.Errorf("remote log = %q", data)
	}
	state := f.remoteState(t, "j1")
	if state.Status != job.StatusPending {
		t.Errorf("Status = %q, want PENDING", state.Status)
	}
	if state.Metadata.Tier == nil || *state.Metadata.Tier != 0 {
		t.Errorf("Tier = %v, want kept at 0", state.Metadata.Tier)
	}
	if state.Metadata.Updated {
		t.Error("updated flag was not cleared")
	}
	if !f.pub.hasMessage("UPDATING: Detected updated jobspec. Will restart the runner by sending to PENDING state") {
		t.Errorf("missing updating event, got %v", f.pub.messages())
	}

	// Next tick re-admits and starts the new command.
	f.tick(t)
	if got := f.starter.last(t).command; got != "sleep 600" {
		t.Errorf("restarted command = %q, want updated command", got)
	}
}

func TestTick_UpdateWhileQueuedDoesNotRestartAfterAdmission(t *testing.T) {
	f := newFixture(t, testQuota())
	// Keep waiting jobs tracked across ticks so the version change is seen.
	f.engine.cfg.Cleaner = AgeCleaner{TTL: time.Hour}

	f.submit(t, simpleSpec("blocker", 1))
	f.tick(t) // blocker takes the budget

	f.submit(t, simpleSpec("queued", 2))
	f.tick(t) // queued waits for resources

	// The spec is replaced and the blocker cancelled in the same window, so
	// the update and the admission land on the same tick.
	updated := simpleSpec("queued", 2)
	updated.Command = "sleep 600"
	if err := f.engine.Directory().UpdateJob(f.ctx, updated); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if err := f.engine.Directory().CancelJob(f.ctx, "blocker"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	f.tick(t)

	state := f.remoteState(t, "queued")
	if state.Status != job.StatusActive {
		t.Fatalf("Status = %q, want ACTIVE", state.Status)
	}
	if state.Metadata.Updated {
		t.Error("admission must clear the updated flag")
	}
	runner := f.starter.last(t)
	if runner.command != "sleep 600" {
		t.Fatalf("started command = %q, want updated command", runner.command)
	}

	// The runner already executes the new spec; the next tick must not
	// restart it.
	f.tick(t)
	if runner.proc.killed != 0 {
		t.Error("runner was killed although it already runs the updated spec")
	}
	if f.pub.hasMessage("UPDATING: Detected updated jobspec. Will restart the runner by sending to PENDING state") {
		t.Errorf("unexpected updating event, got %v", f.pub.messages())
	}
}

func TestTick_RunningJobStaysActiveAcrossTicks(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))

	f.tick(t) // admitted, runner starts
	f.tick(t) // still running
	f.tick(t) // still running

	if got := f.remoteState(t, "j1").Status; got != job.StatusActive {
		t.Fatalf("Status = %q, want ACTIVE while the runner lives", got)
	}
	if len(f.starter.calls) != 1 {
		t.Errorf("runner started %d times, want 1", len(f.starter.calls))
	}

	f.starter.last(t).proc.finish(0)
	f.tick(t)
	if got := f.remoteState(t, "j1").Status; got != job.StatusCleaning {
		t.Errorf("Status = %q, want CLEANING after exit", got)
	}
}

func TestTick_DryRunFreezesScheduling(t *testing.T) {
	f := newFixture(t, testQuota())
	if err := SetRuntimeOptions(f.ctx, f.store, f.engine.cfg.RootDir,
		map[string]any{"scheduler": map[string]any{"dry_run": true}}); err != nil {
		t.Fatalf("SetRuntimeOptions failed: %v", err)
	}
	f.submit(t, simpleSpec("j1", 1))

	f.tick(t)

	if len(f.starter.calls) != 0 {
		t.Errorf("dry run started %d processes", len(f.starter.calls))
	}
	if got := f.remoteState(t, "j1").Status; got != job.StatusPending {
		t.Errorf("Status = %q, want PENDING under dry run", got)
	}
}

func TestTick_InvalidJobIsCancelledAndReported(t *testing.T) {
	f := newFixture(t, quota.Info{
		TotalResources:    job.ResourceMap{"v4": 12},
		ProjectResources:  map[string]job.ResourceMap{"team-a": {"v4": 12}},
		ProjectMembership: map[string][]string{"team-a": {"bob"}},
	})
	// alice is not a member of team-a.
	f.submit(t, simpleSpec("intruder", 1))

	f.tick(t)

	if got := f.remoteState(t, "intruder").Status; got != job.StatusCleaning {
		t.Errorf("Status = %q, want CLEANING", got)
	}
	if !f.pub.hasMessage("FAILED: Job intruder is invalid") {
		t.Errorf("missing failed event, got %v", f.pub.messages())
	}
	if len(f.starter.calls) != 0 {
		t.Errorf("invalid job started %d processes", len(f.starter.calls))
	}

	// The failure is reported once, not on every tick.
	f.tick(t)
	count := 0
	for _, m := range f.pub.messages() {
		if strings.HasPrefix(m, "FAILED:") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("FAILED reported %d times, want 1", count)
	}
}

func TestTick_UnschedulableJobIsReclaimedButSpecStays(t *testing.T) {
	f := newFixture(t, testQuota())
	spec := job.NewSpec("too-big", "sleep 300", job.Metadata{
		UserID:    "alice",
		ProjectID: "team-a",
		Resources: job.ResourceMap{"v4": 100},
	})
	f.submit(t, spec)

	f.tick(t)

	// The job never received a tier, so the cleaner reclaims its resources,
	// but the spec remains queued and is re-detected next tick.
	if len(f.engine.jobs) != 0 {
		t.Errorf("tracked set = %v, want empty after reclamation", f.engine.jobs)
	}
	if ok, _ := f.store.Exists(f.ctx, f.engine.Directory().activePath("too-big")); !ok {
		t.Error("spec of unscheduled job must not be deleted")
	}
}

func TestTick_StartFailureMovesToCleaning(t *testing.T) {
	f := newFixture(t, testQuota())
	f.starter.err = errors.New("fork bomb protection")
	f.submit(t, simpleSpec("j1", 1))

	f.tick(t)

	if got := f.remoteState(t, "j1").Status; got != job.StatusCleaning {
		t.Errorf("Status = %q, want CLEANING after start failure", got)
	}
}

func TestTick_RunnerLogIsUploadedOnExit(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))
	f.tick(t)
	runner := f.starter.last(t)

	if err := os.WriteFile(runner.logPath, []byte("job output\n"), 0o644); err != nil {
		t.Fatalf("write local log: %v", err)
	}
	runner.proc.finish(0)
	f.tick(t)

	data, err := f.store.Read(f.ctx, f.engine.Directory().LogPath("j1"))
	if err != nil {
		t.Fatalf("read remote log: %v", err)
	}
	if string(data) != "job output\n" {
		t.Errorf("remote log = %q", data)
	}
}

func TestShutdown_KillsEveryProcess(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))
	f.tick(t)
	runner := f.starter.last(t)

	if err := f.engine.shutdown(); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if runner.proc.killed == 0 {
		t.Error("shutdown did not kill the runner")
	}
	if len(f.engine.jobs) != 0 {
		t.Errorf("cleanly stopped jobs must leave the tracked set: %v", f.engine.jobs)
	}
}

func TestGC_IsIdempotent(t *testing.T) {
	f := newFixture(t, testQuota())
	f.submit(t, simpleSpec("j1", 1))
	f.tick(t)
	f.starter.last(t).proc.finish(0)
	f.tick(t) // CLEANING
	f.tick(t) // COMPLETED + reclaimed

	// Further ticks over the archived job are no-ops.
	f.tick(t)
	f.tick(t)
	if ok, _ := f.store.Exists(f.ctx, f.engine.Directory().completePath("j1")); !ok {
		t.Error("archived spec disappeared")
	}
}
