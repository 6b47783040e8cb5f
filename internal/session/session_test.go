package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"phaseforge/internal/phases"
)

func buildPlan(t *testing.T) *phases.DynamicPhasePlan {
	t.Helper()
	concept := &phases.AppConcept{
		Name:        "Todo",
		Description: "A small personal task manager",
		Features: []phases.Feature{
			{Name: "Task list", Description: "List tasks with their status", Priority: "high"},
			{Name: "Add task", Description: "Create a new task with a title", Priority: "high"},
			{Name: "Complete task", Description: "Mark a task as done", Priority: "medium"},
		},
	}
	result := phases.NewPhasePlanner().GeneratePhasePlan(concept, phases.DefaultPlannerConfig())
	if !result.Success {
		t.Fatalf("plan generation failed: %v", result.Errors)
	}
	return result.Plan
}

// scriptedGenerator emits one file per phase. Phases listed in failAt
// return an error instead; when blocking, calls wait for cancellation.
type scriptedGenerator struct {
	mu       sync.Mutex
	calls    int
	failAt   map[int]error
	blocking bool
	entered  chan int
	content  string
}

func (g *scriptedGenerator) GeneratePhase(ctx context.Context, execCtx *phases.PhaseExecutionContext) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.entered != nil {
		g.entered <- execCtx.PhaseNumber
	}
	if g.blocking {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := g.failAt[execCtx.PhaseNumber]; err != nil {
		return "", err
	}
	content := g.content
	if content == "" {
		content = fmt.Sprintf("export const phase%d = true;", execCtx.PhaseNumber)
	}
	return fmt.Sprintf("{\"files\": [{\"path\": \"src/phase%d.ts\", \"content\": %q}]}", execCtx.PhaseNumber, content), nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %s, want %s", s.State(), want)
}

func TestRunCompletesAllPhases(t *testing.T) {
	plan := buildPlan(t)
	gen := &scriptedGenerator{}
	mgr := NewManager(gen, nil, nil, nil, nil)
	s := mgr.Open(plan, Gates{})

	state := s.Run(context.Background())
	if state != StateComplete {
		t.Fatalf("terminal state = %s, want complete", state)
	}
	if !s.Manager().IsComplete() {
		t.Fatalf("plan not complete after run")
	}
	if gen.callCount() != plan.TotalPhases {
		t.Fatalf("generator calls = %d, want %d", gen.callCount(), plan.TotalPhases)
	}
	for _, p := range s.Manager().Plan().Phases {
		if p.Status != phases.PhaseCompleted {
			t.Fatalf("phase %d status = %s", p.Number, p.Status)
		}
	}
}

func TestRunAbortsOnGeneratorError(t *testing.T) {
	plan := buildPlan(t)
	gen := &scriptedGenerator{failAt: map[int]error{2: errors.New("model overloaded")}}
	mgr := NewManager(gen, nil, nil, nil, nil)
	s := mgr.Open(plan, Gates{})

	state := s.Run(context.Background())
	if state != StateAborted {
		t.Fatalf("terminal state = %s, want aborted", state)
	}
	got := s.Manager().Plan()
	if got.PhaseByNumber(1).Status != phases.PhaseCompleted {
		t.Fatalf("phase 1 status = %s", got.PhaseByNumber(1).Status)
	}
	if got.PhaseByNumber(2).Status != phases.PhaseFailed {
		t.Fatalf("phase 2 status = %s", got.PhaseByNumber(2).Status)
	}
	// The earlier phase's work survives the abort.
	if len(got.AccumulatedFiles) != 1 {
		t.Fatalf("accumulated files = %v", got.AccumulatedFiles)
	}
}

func TestRunCancellationRevertsInProgressPhase(t *testing.T) {
	plan := buildPlan(t)
	gen := &scriptedGenerator{blocking: true, entered: make(chan int, 1)}
	mgr := NewManager(gen, nil, nil, nil, nil)
	s := mgr.Open(plan, Gates{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan State, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-gen.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("generator never called")
	}
	cancel()

	var state State
	select {
	case state = <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
	if state != StateAborted {
		t.Fatalf("terminal state = %s, want aborted", state)
	}
	p := s.Manager().Plan().PhaseByNumber(1)
	if p.Status != phases.PhasePending {
		t.Fatalf("cancelled phase status = %s, want pending", p.Status)
	}
	if p.StartedAt != nil {
		t.Fatalf("cancelled phase kept StartedAt")
	}
}

func TestRunGatesCollectFindings(t *testing.T) {
	plan := buildPlan(t)
	// Every phase calls an endpoint no phase ever declares a route for.
	gen := &scriptedGenerator{content: "await fetch('/api/nowhere');"}
	mgr := NewManager(gen, nil, nil, failingRunner{}, nil)
	s := mgr.Open(plan, Gates{ValidateContracts: true, RunRegressionTests: true})

	if state := s.Run(context.Background()); state != StateComplete {
		t.Fatalf("terminal state = %s, want complete", state)
	}
	findings := s.Findings()
	if len(findings) == 0 {
		t.Fatalf("expected gate findings")
	}
	checks := make(map[string]bool)
	for _, f := range findings {
		if f.Passed {
			t.Fatalf("finding recorded as passed: %+v", f)
		}
		checks[f.Check] = true
	}
	if !checks["api_contracts"] || !checks["regression_tests"] {
		t.Fatalf("checks seen = %v", checks)
	}
}

type failingRunner struct{}

func (failingRunner) RunTests(context.Context, phases.TestScope, []phases.AccumulatedFile, map[string]string) (*phases.TestRunResult, error) {
	return &phases.TestRunResult{
		Passed:   false,
		Ran:      1,
		Failures: []phases.TestFailure{{Name: "smoke", Message: "assertion failed"}},
	}, nil
}

func TestManagerOpenReturnsExistingSession(t *testing.T) {
	plan := buildPlan(t)
	mgr := NewManager(&scriptedGenerator{}, nil, nil, nil, nil)

	a := mgr.Open(plan, Gates{})
	b := mgr.Open(plan, Gates{ValidateImports: true})
	if a != b {
		t.Fatalf("second open created a new session")
	}
	if mgr.Get(plan.ID) != a {
		t.Fatalf("Get returned a different session")
	}
}

func TestStartWithoutGenerator(t *testing.T) {
	plan := buildPlan(t)
	mgr := NewManager(nil, nil, nil, nil, nil)
	mgr.Open(plan, Gates{})

	if err := mgr.Start(context.Background(), plan.ID); err == nil {
		t.Fatalf("expected error with no generator")
	}
}

func TestStartUnknownPlan(t *testing.T) {
	mgr := NewManager(&scriptedGenerator{}, nil, nil, nil, nil)
	if err := mgr.Start(context.Background(), "no-such-plan"); err == nil {
		t.Fatalf("expected error for unknown plan")
	}
}

func TestStartRejectsActiveSession(t *testing.T) {
	plan := buildPlan(t)
	gen := &scriptedGenerator{blocking: true, entered: make(chan int, 1)}
	mgr := NewManager(gen, nil, nil, nil, nil)
	s := mgr.Open(plan, Gates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, plan.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-gen.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("session never reached the generator")
	}

	err := mgr.Start(ctx, plan.ID)
	if !errors.Is(err, phases.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}

	s.Abort()
	waitForState(t, s, StateAborted)
}

func TestStartClaimsSessionBeforeLaunch(t *testing.T) {
	plan := buildPlan(t)
	gen := &scriptedGenerator{blocking: true, entered: make(chan int, 1)}
	mgr := NewManager(gen, nil, nil, nil, nil)
	s := mgr.Open(plan, Gates{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, plan.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The executing claim lands before the run goroutine is scheduled,
	// so an immediate restart already sees the session as active.
	if err := mgr.Start(ctx, plan.ID); !errors.Is(err, phases.ErrSessionActive) {
		t.Fatalf("immediate restart err = %v, want ErrSessionActive", err)
	}

	select {
	case <-gen.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("session never reached the generator")
	}
	s.Abort()
	waitForState(t, s, StateAborted)
}

func TestCloseAbortsSession(t *testing.T) {
	plan := buildPlan(t)
	gen := &scriptedGenerator{blocking: true, entered: make(chan int, 1)}
	mgr := NewManager(gen, nil, nil, nil, nil)
	s := mgr.Open(plan, Gates{})

	if err := mgr.Start(context.Background(), plan.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-gen.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("session never reached the generator")
	}

	mgr.Close(plan.ID)
	if mgr.Get(plan.ID) != nil {
		t.Fatalf("session still registered after close")
	}
	waitForState(t, s, StateAborted)
}
