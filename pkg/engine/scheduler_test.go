package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Mock action runner for testing
type mockRunner struct {
	mu        sync.Mutex
	delay     time.Duration
	failUnits map[string]bool
	hangUnits map[string]bool
	calls     map[string]int
	started   map[string]time.Time
	finished  map[string]time.Time
	running   int
	peak      int
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		delay:     5 * time.Millisecond,
		failUnits: make(map[string]bool),
		hangUnits: make(map[string]bool),
		calls:     make(map[string]int),
		started:   make(map[string]time.Time),
		finished:  make(map[string]time.Time),
	}
}

func (m *mockRunner) Run(ctx context.Context, unit *Unit) (ActionResult, error) {
	m.mu.Lock()
	m.calls[unit.ID]++
	if _, ok := m.started[unit.ID]; !ok {
		m.started[unit.ID] = time.Now()
	}
	m.running++
	if m.running > m.peak {
		m.peak = m.running
	}
	fail := m.failUnits[unit.ID]
	hang := m.hangUnits[unit.ID]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running--
		m.finished[unit.ID] = time.Now()
		m.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return ActionResult{ExitCode: -1}, ctx.Err()
	}

	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return ActionResult{ExitCode: -1}, ctx.Err()
	}

	if fail {
		return ActionResult{ExitCode: 1, Stderr: "mock failure\n"}, nil
	}
	return ActionResult{Stdout: "ok " + unit.ID}, nil
}

func (m *mockRunner) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func planOf(layers ...[]string) *ExecutionPlan {
	return &ExecutionPlan{ID: "plan-test", Layers: layers}
}

func TestNewScheduler_DefaultMaxWorkers(t *testing.T) {
	s := NewScheduler(newMockRunner(), 0, zerolog.Nop())
	if s.maxWorkers != DefaultMaxWorkers {
		t.Errorf("Expected default maxWorkers=%d, got %d", DefaultMaxWorkers, s.maxWorkers)
	}
}

func TestScheduler_Execute_SequentialChain(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "vpc"},
		Unit{ID: "subnet", Dependencies: []string{"vpc"}},
		Unit{ID: "db", Dependencies: []string{"subnet"}},
	)
	runner := newMockRunner()
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"vpc"}, []string{"subnet"}, []string{"db"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Completed != 3 || report.Failed != 0 || report.Skipped != 0 {
		t.Errorf("Expected completed=3 failed=0 skipped=0, got %d/%d/%d",
			report.Completed, report.Failed, report.Skipped)
	}
	if report.SuccessRate != 100 {
		t.Errorf("Expected success rate 100, got %.1f", report.SuccessRate)
	}
	if !report.Succeeded() {
		t.Errorf("Expected success outcome, got %s", report.Outcome())
	}
	if report.Fastest == nil || report.Slowest == nil {
		t.Fatal("Expected fastest and slowest units")
	}
	if report.Fastest.Duration > report.Slowest.Duration {
		t.Errorf("Expected fastest <= slowest, got %v > %v", report.Fastest.Duration, report.Slowest.Duration)
	}

	u, _ := reg.Get("db")
	if u.Output != "ok db" {
		t.Errorf("Expected captured output, got %q", u.Output)
	}
	if u.StartedAt == nil || u.FinishedAt == nil {
		t.Error("Expected timestamps to be set")
	}
}

func TestScheduler_Execute_RetryBoundary(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "flaky", MaxRetries: 2})
	runner := newMockRunner()
	runner.failUnits["flaky"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"flaky"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if calls := runner.callCount("flaky"); calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls)
	}
	u, _ := reg.Get("flaky")
	if u.Status != UnitStatusFailed {
		t.Errorf("Expected status failed, got %s", u.Status)
	}
	if u.RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", u.RetryCount)
	}
	if len(report.FailedUnits) != 1 || report.FailedUnits[0].RetryCount != 2 {
		t.Fatalf("Expected one failed unit with 2 retries, got %+v", report.FailedUnits)
	}
	if !strings.Contains(report.FailedUnits[0].Error, "exited with code 1") {
		t.Errorf("Expected exit code in error, got %q", report.FailedUnits[0].Error)
	}
	if report.Units[0].Attempts != 3 {
		t.Errorf("Expected 3 attempts in unit result, got %d", report.Units[0].Attempts)
	}
}

func TestScheduler_Execute_Timeout(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "slow", Timeout: 20 * time.Millisecond, MaxRetries: 1})
	runner := newMockRunner()
	runner.hangUnits["slow"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"slow"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if calls := runner.callCount("slow"); calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
	if report.Failed != 1 {
		t.Fatalf("Expected 1 failed unit, got %d", report.Failed)
	}
	if !report.FailedUnits[0].TimedOut {
		t.Error("Expected failure to be recorded as timeout")
	}
	if !strings.Contains(report.FailedUnits[0].Error, "timed out after 20ms") {
		t.Errorf("Expected timeout in error text, got %q", report.FailedUnits[0].Error)
	}
}

func TestScheduler_Execute_FailFastCritical(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "A", Priority: PriorityCritical, MaxRetries: 0},
		Unit{ID: "B", Dependencies: []string{"A"}},
	)
	runner := newMockRunner()
	runner.failUnits["A"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"A"}, []string{"B"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Completed != 0 || report.Failed != 1 || report.Skipped != 1 {
		t.Errorf("Expected completed=0 failed=1 skipped=1, got %d/%d/%d",
			report.Completed, report.Failed, report.Skipped)
	}
	b, _ := reg.Get("B")
	if b.Status != UnitStatusSkipped {
		t.Errorf("Expected B skipped, got %s", b.Status)
	}
	if runner.callCount("B") != 0 {
		t.Error("Expected B never to be invoked")
	}
	if !report.Aborted || report.AbortedBy != "A" {
		t.Errorf("Expected abort by A, got aborted=%v by=%q", report.Aborted, report.AbortedBy)
	}
	if report.Outcome() != RunOutcomePartialFailure {
		t.Errorf("Expected partial failure, got %s", report.Outcome())
	}
}

func TestScheduler_Execute_NonCriticalFailureContinues(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "lint", Priority: PriorityLow},
		Unit{ID: "deploy"},
	)
	runner := newMockRunner()
	runner.failUnits["lint"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"lint"}, []string{"deploy"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Completed != 1 || report.Failed != 1 || report.Skipped != 0 {
		t.Errorf("Expected completed=1 failed=1 skipped=0, got %d/%d/%d",
			report.Completed, report.Failed, report.Skipped)
	}
	if report.Aborted {
		t.Error("Expected run not to abort on non-critical failure")
	}
}

func TestScheduler_Execute_SequentialCriticalStopsLayer(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "gate", Priority: PriorityCritical},
		Unit{ID: "sibling"},
	)
	runner := newMockRunner()
	runner.failUnits["gate"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"gate", "sibling"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if runner.callCount("sibling") != 0 {
		t.Error("Expected sibling not to run after critical failure in sequential mode")
	}
	if report.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", report.Skipped)
	}
}

func TestScheduler_Execute_ParallelCriticalLetsSiblingsFinish(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "gate", Priority: PriorityCritical},
		Unit{ID: "sibling"},
		Unit{ID: "next"},
	)
	runner := newMockRunner()
	runner.delay = 50 * time.Millisecond
	runner.failUnits["gate"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(),
		planOf([]string{"gate", "sibling"}, []string{"next"}), reg, ExecuteOptions{Parallel: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	sibling, _ := reg.Get("sibling")
	if sibling.Status != UnitStatusCompleted {
		t.Errorf("Expected in-layer sibling to complete, got %s", sibling.Status)
	}
	next, _ := reg.Get("next")
	if next.Status != UnitStatusSkipped {
		t.Errorf("Expected next layer skipped, got %s", next.Status)
	}
	if report.Completed != 1 || report.Failed != 1 || report.Skipped != 1 {
		t.Errorf("Expected completed=1 failed=1 skipped=1, got %d/%d/%d",
			report.Completed, report.Failed, report.Skipped)
	}
}

func TestScheduler_Execute_ParallelCriticalSkipsQueuedUnits(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "gate", Priority: PriorityCritical},
		Unit{ID: "queued"},
		Unit{ID: "next"},
	)
	runner := newMockRunner()
	runner.failUnits["gate"] = true
	s := NewScheduler(runner, 1, zerolog.Nop())

	report, err := s.Execute(context.Background(),
		planOf([]string{"gate", "queued"}, []string{"next"}), reg, ExecuteOptions{Parallel: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	queued, _ := reg.Get("queued")
	if queued.Status != UnitStatusSkipped {
		t.Errorf("Expected queued unit skipped, got %s", queued.Status)
	}
	if runner.callCount("queued") != 0 {
		t.Error("Expected queued unit never to be invoked")
	}
	if report.Completed != 0 || report.Failed != 1 || report.Skipped != 2 {
		t.Errorf("Expected completed=0 failed=1 skipped=2, got %d/%d/%d",
			report.Completed, report.Failed, report.Skipped)
	}
	if !report.Aborted || report.AbortedBy != "gate" {
		t.Errorf("Expected abort by gate, got aborted=%v by=%q", report.Aborted, report.AbortedBy)
	}
}

func TestScheduler_Execute_ParallelBoundedWorkers(t *testing.T) {
	reg := NewRegistry()
	var layer []string
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		reg.MustRegister(Unit{ID: id})
		layer = append(layer, id)
	}
	runner := newMockRunner()
	runner.delay = 20 * time.Millisecond
	s := NewScheduler(runner, 10, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf(layer), reg, ExecuteOptions{Parallel: true, MaxWorkers: 2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Completed != 6 {
		t.Errorf("Expected 6 completed, got %d", report.Completed)
	}
	if runner.peak > 2 {
		t.Errorf("Expected at most 2 concurrent actions, got %d", runner.peak)
	}
	if runner.peak < 2 {
		t.Errorf("Expected layer to run concurrently, peak was %d", runner.peak)
	}
}

func TestScheduler_Execute_LayerBarrier(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "a"}, Unit{ID: "b"}, Unit{ID: "c"},
		Unit{ID: "d", Dependencies: []string{"a", "b", "c"}},
	)
	runner := newMockRunner()
	runner.delay = 10 * time.Millisecond
	s := NewScheduler(runner, 10, zerolog.Nop())

	_, err := s.Execute(context.Background(), planOf([]string{"a", "b", "c"}, []string{"d"}), reg, ExecuteOptions{Parallel: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if runner.started["d"].Before(runner.finished[id]) {
			t.Errorf("Expected d to start after %s finished", id)
		}
	}
}

func TestScheduler_Execute_CancelledContextSkipsRemaining(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "a"}, Unit{ID: "b"})
	runner := newMockRunner()
	s := NewScheduler(runner, 4, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := s.Execute(ctx, planOf([]string{"a"}, []string{"b"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected report rather than error, got: %v", err)
	}
	if report.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", report.Skipped)
	}
	if !report.Aborted {
		t.Error("Expected report to be marked aborted")
	}
	if runner.callCount("a") != 0 {
		t.Error("Expected no action invocations")
	}
}

func TestScheduler_Execute_ConfigurationErrors(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "a"})
	s := NewScheduler(newMockRunner(), 4, zerolog.Nop())

	if _, err := s.Execute(context.Background(), nil, reg, ExecuteOptions{}); !IsConfigurationError(err) {
		t.Errorf("Expected configuration error for nil plan, got: %v", err)
	}
	if _, err := s.Execute(context.Background(), planOf([]string{"ghost"}), reg, ExecuteOptions{}); !HasCode(err, ErrCodeUnknownUnit) {
		t.Errorf("Expected unknown unit error, got: %v", err)
	}

	u, _ := reg.Get("a")
	u.Status = UnitStatusCompleted
	if _, err := s.Execute(context.Background(), planOf([]string{"a"}), reg, ExecuteOptions{}); !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected validation error for non-pending unit, got: %v", err)
	}
}

func TestScheduler_Execute_PublishesEvents(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "a", MaxRetries: 1}, Unit{ID: "b"})
	runner := newMockRunner()
	runner.failUnits["a"] = true
	events := &mockEventPublisher{}
	s := NewScheduler(runner, 4, zerolog.Nop())
	s.SetEventPublisher(events)

	if _, err := s.Execute(context.Background(), planOf([]string{"a", "b"}), reg, ExecuteOptions{}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	checks := map[EventType]int{
		EventTypeRunStarted:    1,
		EventTypeLayerStarted:  1,
		EventTypeUnitStarted:   2,
		EventTypeUnitRetrying:  1,
		EventTypeUnitFailed:    1,
		EventTypeUnitCompleted: 1,
		EventTypeRunCompleted:  1,
	}
	for eventType, want := range checks {
		if got := events.count(eventType); got != want {
			t.Errorf("Expected %d %s events, got %d", want, eventType, got)
		}
	}
}

func TestExecutionReport_WriteText(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "a"}, Unit{ID: "b", MaxRetries: 0})
	runner := newMockRunner()
	runner.failUnits["b"] = true
	s := NewScheduler(runner, 4, zerolog.Nop())

	report, err := s.Execute(context.Background(), planOf([]string{"a", "b"}), reg, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var sb strings.Builder
	if err := report.WriteText(&sb); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"partial_failure", "2 total, 1 completed, 1 failed", "Failed units:", "mock failure"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}
