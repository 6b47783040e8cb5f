// Package session drives complete build sessions: planning, the
// sequential phase execution loop against the external code generator,
// and optional integrity/quality gates between phases.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
	"phaseforge/internal/phases"
)

// State is the overall build session state machine
type State string

const (
	StateNotStarted State = "not_started"
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateComplete   State = "complete"
	StateAborted    State = "aborted"
)

// Notifier receives session progress events, typically a websocket hub.
type Notifier interface {
	NotifyPhase(planID string, phase *phases.DynamicPhase)
	NotifySession(planID string, state State, detail string)
}

// nopNotifier keeps the session loop unconditional.
type nopNotifier struct{}

func (nopNotifier) NotifyPhase(string, *phases.DynamicPhase) {}
func (nopNotifier) NotifySession(string, State, string)      {}

// Gates configures the optional checks run after each completed phase.
type Gates struct {
	DetectConflicts    bool
	ValidateImports    bool
	ValidateContracts  bool
	RunPhaseReview     bool
	ReviewStrictness   phases.ReviewStrictness
	RunRegressionTests bool
}

// GateFinding is one gate result surfaced to the caller; the session
// itself never halts on a finding.
type GateFinding struct {
	PhaseNumber int         `json:"phase_number"`
	Check       string      `json:"check"`
	Passed      bool        `json:"passed"`
	Detail      interface{} `json:"detail,omitempty"`
}

// Session owns one build: the plan, its execution manager, collaborators,
// and the sequential run loop. At most one session is active per plan id.
type Session struct {
	ID      string
	PlanID  string
	manager *phases.ExecutionManager

	generator phases.CodeGenerator
	integrity *phases.IntegrityChecker
	reviewer  *phases.QualityReviewCoordinator
	notifier  Notifier
	gates     Gates

	mu       sync.RWMutex
	state    State
	findings []GateFinding
	lastErr  string
	cancel   context.CancelFunc
}

// Manager returns the session's execution manager.
func (s *Session) Manager() *phases.ExecutionManager { return s.manager }

// Reviewer returns the session's quality review coordinator.
func (s *Session) Reviewer() *phases.QualityReviewCoordinator { return s.reviewer }

// Integrity returns the session's integrity checker.
func (s *Session) Integrity() *phases.IntegrityChecker { return s.integrity }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Findings returns gate findings collected so far.
func (s *Session) Findings() []GateFinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]GateFinding{}, s.findings...)
}

func (s *Session) setState(state State, detail string) {
	s.mu.Lock()
	s.state = state
	if detail != "" {
		s.lastErr = detail
	}
	s.mu.Unlock()
	s.notifier.NotifySession(s.PlanID, state, detail)
}

// claimRun moves the session into the executing state, failing when a
// run already holds it. Claiming before launching Run keeps two
// concurrent Start calls from both passing the active check.
func (s *Session) claimRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExecuting {
		return false
	}
	s.state = StateExecuting
	return true
}

func (s *Session) addFinding(f GateFinding) {
	s.mu.Lock()
	s.findings = append(s.findings, f)
	s.mu.Unlock()
}

// Run executes the build loop until the plan completes, a phase fails, or
// the context is cancelled. A cancelled in-progress phase reverts to
// pending so it stays retryable. Run returns the terminal state.
func (s *Session) Run(ctx context.Context) State {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.setState(StateExecuting, "")
	metrics.Get().ActiveBuildsGauge.Inc()
	defer metrics.Get().ActiveBuildsGauge.Dec()

	for {
		phase := s.manager.GetNextPhase()
		if phase == nil {
			break
		}
		if err := s.executePhase(runCtx, phase); err != nil {
			if runCtx.Err() != nil {
				s.setState(StateAborted, "build cancelled")
				return StateAborted
			}
			s.setState(StateAborted, err.Error())
			return StateAborted
		}
	}

	if s.manager.IsComplete() {
		s.setState(StateComplete, "")
		return StateComplete
	}
	s.setState(StateAborted, "execution stalled with phases unresolved")
	return StateAborted
}

// Abort cancels the run loop.
func (s *Session) Abort() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) executePhase(ctx context.Context, phase *phases.DynamicPhase) error {
	started := time.Now()

	if err := s.manager.BeginPhase(phase.Number); err != nil {
		return err
	}
	s.notifier.NotifyPhase(s.PlanID, phase)

	execCtx, err := s.manager.GetExecutionContext(phase.Number)
	if err != nil {
		// Unreachable for a phase the manager just handed out.
		return err
	}

	payload, genErr := s.generator.GeneratePhase(ctx, execCtx)
	if ctx.Err() != nil {
		// Never leave a phase stuck in-progress on cancellation.
		if cancelErr := s.manager.CancelPhase(phase.Number); cancelErr != nil {
			logging.S().Warnw("Session: cancel cleanup failed", "phase", phase.Number, "error", cancelErr)
		}
		return ctx.Err()
	}

	result := phases.PhaseResult{PhaseNumber: phase.Number, Success: genErr == nil, GeneratedCode: payload}
	if genErr != nil {
		result.Errors = []string{genErr.Error()}
	}
	outcome := s.manager.RecordPhaseResult(result)

	metrics.Get().ObservePhase(string(phase.Domain), string(phase.Status), time.Since(started), outcome.FilesAdded)
	s.notifier.NotifyPhase(s.PlanID, phase)

	if !outcome.Accepted {
		return fmt.Errorf("%w: phase %d produced no usable files", phases.ErrGenerationFailure, phase.Number)
	}

	s.runGates(ctx, phase.Number)
	return nil
}

// runGates executes the configured integrity/quality checks. Findings are
// recorded and reported; halting on them is the caller's decision, made
// by inspecting Findings between runs.
func (s *Session) runGates(ctx context.Context, phaseNumber int) {
	m := metrics.Get()

	if s.gates.DetectConflicts {
		var files []phases.GeneratedFile
		if phase := s.manager.Plan().PhaseByNumber(phaseNumber); phase != nil {
			contents := s.manager.FileContents()
			for _, p := range phase.BuiltFiles {
				files = append(files, phases.GeneratedFile{Path: p, Content: contents[p]})
			}
		}
		report := s.integrity.DetectFileConflicts(files, phaseNumber)
		m.ObserveIntegrityCheck("file_conflicts", len(report.Conflicts) == 0)
		if len(report.Conflicts) > 0 {
			m.FileConflictsTotal.Add(float64(len(report.Conflicts)))
			s.addFinding(GateFinding{PhaseNumber: phaseNumber, Check: "file_conflicts", Passed: false, Detail: report.Conflicts})
		}
	}
	if s.gates.ValidateImports {
		res := s.integrity.ValidateImportExports()
		m.ObserveIntegrityCheck("import_exports", res.Passed)
		if !res.Passed {
			s.addFinding(GateFinding{PhaseNumber: phaseNumber, Check: "import_exports", Passed: false, Detail: res.Issues})
		}
	}
	if s.gates.ValidateContracts {
		res := s.integrity.ValidateAPIContracts()
		m.ObserveIntegrityCheck("api_contracts", res.Passed)
		if !res.Passed {
			s.addFinding(GateFinding{PhaseNumber: phaseNumber, Check: "api_contracts", Passed: false, Detail: res.Violations})
		}
	}
	if s.gates.RunRegressionTests {
		res := s.integrity.RunRegressionTests(ctx)
		m.ObserveIntegrityCheck("regression_tests", res.Passed)
		if !res.Passed {
			s.addFinding(GateFinding{PhaseNumber: phaseNumber, Check: "regression_tests", Passed: false, Detail: res.Failures})
		}
	}
	if s.gates.RunPhaseReview && s.reviewer != nil {
		report, err := s.reviewer.RunPhaseQualityReview(ctx, phaseNumber, s.gates.ReviewStrictness)
		switch {
		case err != nil:
			s.addFinding(GateFinding{PhaseNumber: phaseNumber, Check: "quality_review", Passed: false, Detail: err.Error()})
		case report != nil:
			m.ReviewsTotal.WithLabelValues(string(report.Strictness), reviewOutcome(report.Passed)).Inc()
			m.ReviewScore.Observe(float64(report.Score))
			m.AutoFixesTotal.Add(float64(len(report.ModifiedFiles)))
			if !report.Passed {
				s.addFinding(GateFinding{PhaseNumber: phaseNumber, Check: "quality_review", Passed: false, Detail: report.Summary})
			}
		}
	}
}

func reviewOutcome(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

// Manager tracks build sessions by plan id and enforces single-writer
// access: starting a second session for a plan that already has one
// active fails with ErrSessionActive.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by plan id

	planner      *phases.PhasePlanner
	planDefaults phases.PlannerConfig

	generator phases.CodeGenerator
	reviewer  phases.QualityReviewer
	typeCheck phases.TypeChecker
	testRun   phases.TestRunner
	notifier  Notifier
}

// NewManager creates a session manager with the given collaborators.
// reviewer, typeChecker, testRunner, and notifier may be nil.
func NewManager(generator phases.CodeGenerator, reviewer phases.QualityReviewer, typeChecker phases.TypeChecker, testRunner phases.TestRunner, notifier Notifier) *Manager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		planner:   phases.NewPhasePlanner(),
		generator: generator,
		reviewer:  reviewer,
		typeCheck: typeChecker,
		testRun:   testRunner,
		notifier:  notifier,
	}
}

// SetPlannerDefaults installs operator-configured planning budgets,
// applied wherever a plan request leaves a limit unset.
func (mgr *Manager) SetPlannerDefaults(cfg phases.PlannerConfig) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.planDefaults = cfg
}

// Plan generates a phase plan for a concept without starting execution.
func (mgr *Manager) Plan(concept *phases.AppConcept, cfg phases.PlannerConfig) *phases.PlanResult {
	started := time.Now()
	result := mgr.planner.GeneratePhasePlan(concept, mgr.mergePlannerConfig(cfg))

	m := metrics.Get()
	m.PlanningDuration.Observe(time.Since(started).Seconds())
	if result.Success {
		m.PlansGeneratedTotal.WithLabelValues(string(result.Plan.Complexity), "success").Inc()
		m.PlanPhaseCount.Observe(float64(result.Plan.TotalPhases))
	} else {
		m.PlansGeneratedTotal.WithLabelValues("unknown", "failure").Inc()
	}
	return result
}

func (mgr *Manager) mergePlannerConfig(cfg phases.PlannerConfig) phases.PlannerConfig {
	mgr.mu.RLock()
	def := mgr.planDefaults
	mgr.mu.RUnlock()

	if cfg.MaxTokensPerPhase <= 0 {
		cfg.MaxTokensPerPhase = def.MaxTokensPerPhase
	}
	if cfg.TargetTokensPerPhase <= 0 {
		cfg.TargetTokensPerPhase = def.TargetTokensPerPhase
	}
	if cfg.MaxFeaturesPerPhase <= 0 {
		cfg.MaxFeaturesPerPhase = def.MaxFeaturesPerPhase
	}
	if cfg.MinFeaturesPerPhase <= 0 {
		cfg.MinFeaturesPerPhase = def.MinFeaturesPerPhase
	}
	if cfg.MinPhases <= 0 {
		cfg.MinPhases = def.MinPhases
	}
	if cfg.MaxPhases <= 0 {
		cfg.MaxPhases = def.MaxPhases
	}
	return cfg
}

// Open creates (or returns) the session for a plan. A plan has one
// session; its manager survives across runs so failed phases can be
// retried without losing accumulated work.
func (mgr *Manager) Open(plan *phases.DynamicPhasePlan, gates Gates) *Session {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if existing, ok := mgr.sessions[plan.ID]; ok {
		return existing
	}

	execMgr := phases.NewExecutionManager(plan)
	s := &Session{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		manager:   execMgr,
		generator: mgr.generator,
		integrity: phases.NewIntegrityChecker(execMgr, mgr.typeCheck, mgr.testRun),
		reviewer:  phases.NewQualityReviewCoordinator(execMgr, mgr.reviewer),
		notifier:  mgr.notifier,
		gates:     gates,
		state:     StateNotStarted,
	}
	mgr.sessions[plan.ID] = s
	return s
}

// Get returns the session for a plan id, or nil.
func (mgr *Manager) Get(planID string) *Session {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.sessions[planID]
}

// Start launches the run loop for a plan's session in the background.
// A session already executing is rejected.
func (mgr *Manager) Start(ctx context.Context, planID string) error {
	s := mgr.Get(planID)
	if s == nil {
		return fmt.Errorf("no session for plan %s", planID)
	}
	if s.generator == nil {
		return fmt.Errorf("no code generator configured, submit phase results manually")
	}
	if !s.claimRun() {
		return fmt.Errorf("%w: plan %s", phases.ErrSessionActive, planID)
	}

	go func() {
		terminal := s.Run(ctx)
		logging.S().Infow("Session: run finished", "plan_id", planID, "state", terminal)
	}()
	return nil
}

// Close removes a plan's session, e.g. when the user discards the build.
func (mgr *Manager) Close(planID string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if s, ok := mgr.sessions[planID]; ok {
		s.Abort()
		delete(mgr.sessions, planID)
	}
}
