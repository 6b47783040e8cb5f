package phases

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"phaseforge/internal/logging"
)

// ExecutionManager is the stateful core of a build session: it advances
// phase status, accumulates produced files/features/patterns/contracts,
// and owns snapshot/rollback. One manager serves one plan; concurrent
// builds use separate managers. Mutations are synchronous and guarded for
// re-entrant double-submission, but execution is sequential by contract.
type ExecutionManager struct {
	mu       sync.RWMutex
	plan     *DynamicPhasePlan
	analyzer fileAnalyzer

	// Latest content per path, for review/type-check/test payloads.
	fileContents map[string]string
	// Every write per path across phases, for conflict detection.
	fileWrites map[string][]fileWrite
	// Full-state checkpoints keyed by the phase number after which they
	// were captured.
	snapshots map[int]*PhaseSnapshot

	// Externally supplied context snapshot; invalidated on every
	// successful completion, never by TTL.
	smartContext *SmartContext
}

// fileWrite records one phase writing one path
type fileWrite struct {
	PhaseNumber int
	SHA256      string
	Content     string
}

// NewExecutionManager creates a manager for a freshly planned build.
func NewExecutionManager(plan *DynamicPhasePlan) *ExecutionManager {
	m := &ExecutionManager{
		plan:         plan,
		fileContents: make(map[string]string),
		fileWrites:   make(map[string][]fileWrite),
		snapshots:    make(map[int]*PhaseSnapshot),
	}
	m.rederiveFromPlan()
	return m
}

// rederiveFromPlan rebuilds the file-version map from the plan's
// denormalized accumulated arrays, so a deserialized plan resumes with
// consistent internal state. Contents are not recoverable from a plan.
func (m *ExecutionManager) rederiveFromPlan() {
	for _, f := range m.plan.AccumulatedFilesRich {
		m.fileWrites[f.Path] = append(m.fileWrites[f.Path], fileWrite{
			PhaseNumber: f.PhaseNumber,
			SHA256:      f.SHA256,
		})
	}
}

// Plan returns the underlying plan. Callers must treat it as read-only.
func (m *ExecutionManager) Plan() *DynamicPhasePlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// GetNextPhase returns the first pending phase in number order, or nil
// when nothing is pending. Execution is strictly sequential: phase N's
// context depends on all phases before it.
func (m *ExecutionManager) GetNextPhase() *DynamicPhase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, phase := range m.plan.Phases {
		if phase.Status == PhasePending {
			return phase
		}
	}
	return nil
}

// IsComplete reports whether every phase is completed or skipped.
func (m *ExecutionManager) IsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, phase := range m.plan.Phases {
		if phase.Status != PhaseCompleted && phase.Status != PhaseSkipped {
			return false
		}
	}
	return true
}

// BeginPhase transitions a pending phase to in-progress. Guards against
// double-submission: a phase not in pending state is rejected.
func (m *ExecutionManager) BeginPhase(phaseNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.plan.PhaseByNumber(phaseNumber)
	if phase == nil {
		return &PhaseNotFoundError{PhaseNumber: phaseNumber}
	}
	if phase.Status != PhasePending {
		return fmt.Errorf("%w: phase %d is %s", ErrPhaseNotPending, phaseNumber, phase.Status)
	}
	now := time.Now().UTC()
	phase.Status = PhaseInProgress
	phase.StartedAt = &now
	m.plan.CurrentPhaseNumber = phaseNumber
	m.plan.UpdatedAt = now
	return nil
}

// CancelPhase reverts an in-progress phase to pending, e.g. when the
// external generation call is cancelled. The phase stays retryable and is
// never left stuck in-progress.
func (m *ExecutionManager) CancelPhase(phaseNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.plan.PhaseByNumber(phaseNumber)
	if phase == nil {
		return &PhaseNotFoundError{PhaseNumber: phaseNumber}
	}
	if phase.Status != PhaseInProgress {
		return nil
	}
	phase.Status = PhasePending
	phase.StartedAt = nil
	m.plan.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordOutcome summarizes what RecordPhaseResult did with a payload
type RecordOutcome struct {
	PhaseNumber   int           `json:"phase_number"`
	Accepted      bool          `json:"accepted"`
	Format        PayloadFormat `json:"format,omitempty"`
	FilesAdded    int           `json:"files_added"`
	FeaturesAdded int           `json:"features_added"`
}

// RecordPhaseResult applies a generation result to the plan. It never
// returns an error: a malformed payload records zero files and marks the
// phase failed, leaving the caller to surface a recoverable message.
// Accumulated collections grow only on success and never shrink except
// via explicit rollback.
func (m *ExecutionManager) RecordPhaseResult(result PhaseResult) RecordOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := RecordOutcome{PhaseNumber: result.PhaseNumber}

	phase := m.plan.PhaseByNumber(result.PhaseNumber)
	if phase == nil {
		logging.S().Warnw("Manager: result for unknown phase dropped", "phase", result.PhaseNumber)
		return outcome
	}

	// A settled phase never absorbs another result; re-submitting a
	// payload would re-append file writes and duplicate contracts.
	if phase.Status == PhaseCompleted || phase.Status == PhaseSkipped {
		logging.S().Warnw("Manager: result for settled phase rejected",
			"plan_id", m.plan.ID,
			"phase", phase.Number,
			"status", phase.Status,
		)
		return outcome
	}

	if !result.Success {
		m.markPhaseFailed(phase, result.Errors)
		return outcome
	}

	parsed := ParseGenerationPayload(result.GeneratedCode)
	outcome.Format = parsed.Format
	if parsed.Format == FormatUnparseable || len(parsed.Files) == 0 {
		m.markPhaseFailed(phase, []string{"generation returned no parseable files"})
		return outcome
	}

	now := time.Now().UTC()

	// Analyze and merge files into accumulated state.
	for _, gf := range parsed.Files {
		record := m.analyzer.analyzeFile(gf, phase.Number)
		m.fileContents[gf.Path] = gf.Content
		m.fileWrites[gf.Path] = append(m.fileWrites[gf.Path], fileWrite{
			PhaseNumber: phase.Number,
			SHA256:      record.SHA256,
			Content:     gf.Content,
		})
		m.mergeAccumulatedFile(record)
	}
	outcome.FilesAdded = len(parsed.Files)

	// Features: upgrade existing entries to complete, or create new ones.
	implemented := result.ImplementedFeatures
	if len(implemented) == 0 {
		implemented = phase.FeatureNames
	}
	builtPaths := make([]string, 0, len(parsed.Files))
	hasTests := false
	for _, gf := range parsed.Files {
		builtPaths = append(builtPaths, gf.Path)
		if strings.Contains(gf.Path, ".test.") || strings.Contains(gf.Path, ".spec.") {
			hasTests = true
		}
	}
	for _, name := range implemented {
		if m.mergeAccumulatedFeature(name, builtPaths, hasTests, phase.Number) {
			outcome.FeaturesAdded++
		}
	}

	for _, pattern := range m.analyzer.extractPatterns(parsed.Files) {
		m.addEstablishedPattern(pattern)
	}
	for _, contract := range m.analyzer.extractContracts(parsed.Files, phase.Number) {
		m.addAPIContract(contract)
	}

	// Phase bookkeeping.
	phase.Status = PhaseCompleted
	phase.CompletedAt = &now
	phase.GeneratedCode = result.GeneratedCode
	phase.BuiltFiles = builtPaths
	phase.BuiltSummary = buildSummary(implemented, len(parsed.Files))
	phase.Errors = nil
	m.plan.FailedPhaseNumbers = removeNumber(m.plan.FailedPhaseNumbers, phase.Number)

	// Stale smart context served to the next phase is a correctness bug.
	m.smartContext = nil

	m.syncPlanStateLocked()
	m.captureSnapshotLocked(phase.Number)

	logging.S().Infow("Manager: phase completed",
		"plan_id", m.plan.ID,
		"phase", phase.Number,
		"files", outcome.FilesAdded,
		"format", parsed.Format,
	)

	outcome.Accepted = true
	return outcome
}

func (m *ExecutionManager) markPhaseFailed(phase *DynamicPhase, errs []string) {
	now := time.Now().UTC()
	phase.Status = PhaseFailed
	phase.Errors = errs
	phase.CompletedAt = &now
	if !containsNumber(m.plan.FailedPhaseNumbers, phase.Number) {
		m.plan.FailedPhaseNumbers = append(m.plan.FailedPhaseNumbers, phase.Number)
	}
	m.plan.UpdatedAt = now

	logging.S().Warnw("Manager: phase failed",
		"plan_id", m.plan.ID,
		"phase", phase.Number,
		"errors", errs,
	)
}

// SkipPhase marks a phase skipped, an explicit operator override.
func (m *ExecutionManager) SkipPhase(phaseNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.plan.PhaseByNumber(phaseNumber)
	if phase == nil {
		return &PhaseNotFoundError{PhaseNumber: phaseNumber}
	}
	if phase.Status == PhaseCompleted {
		return fmt.Errorf("phase %d already completed", phaseNumber)
	}
	now := time.Now().UTC()
	phase.Status = PhaseSkipped
	phase.CompletedAt = &now
	m.plan.FailedPhaseNumbers = removeNumber(m.plan.FailedPhaseNumbers, phaseNumber)
	m.syncPlanStateLocked()
	return nil
}

// ResetPhase returns a failed phase to pending for retry: errors clear and
// the phase leaves failedPhaseNumbers. Earlier accumulated work is kept.
func (m *ExecutionManager) ResetPhase(phaseNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.plan.PhaseByNumber(phaseNumber)
	if phase == nil {
		return &PhaseNotFoundError{PhaseNumber: phaseNumber}
	}
	phase.Status = PhasePending
	phase.Errors = nil
	phase.StartedAt = nil
	phase.CompletedAt = nil
	phase.GeneratedCode = ""
	phase.BuiltFiles = nil
	phase.BuiltSummary = ""
	m.plan.FailedPhaseNumbers = removeNumber(m.plan.FailedPhaseNumbers, phaseNumber)
	m.syncPlanStateLocked()
	return nil
}

// SetSmartContext attaches an externally computed context snapshot served
// with the next execution context.
func (m *ExecutionManager) SetSmartContext(sc *SmartContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smartContext = sc
}

// InvalidateSmartContext drops the cached snapshot.
func (m *ExecutionManager) InvalidateSmartContext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smartContext = nil
}

// GetExecutionContext assembles the per-phase payload for the generation
// collaborator. Idempotent between mutations. Fails only for an unknown
// phase number, which is caller misuse.
func (m *ExecutionManager) GetExecutionContext(phaseNumber int) (*PhaseExecutionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	phase := m.plan.PhaseByNumber(phaseNumber)
	if phase == nil {
		return nil, &PhaseNotFoundError{PhaseNumber: phaseNumber}
	}

	execCtx := &PhaseExecutionContext{
		PhaseNumber:  phase.Number,
		PhaseName:    phase.Name,
		Description:  phase.Description,
		Domain:       phase.Domain,
		FeatureNames: append([]string{}, phase.FeatureNames...),
		TestCriteria: append([]string{}, phase.TestCriteria...),
		DependsOn:    append([]int{}, phase.DependsOn...),
		TotalPhases:  m.plan.TotalPhases,
		IsFirstPhase: phase.Number == 1,
		IsFinalPhase: phase.Number == m.plan.TotalPhases,

		AccumulatedFiles:    append([]string{}, m.plan.AccumulatedFiles...),
		AccumulatedRich:     append([]AccumulatedFile{}, m.plan.AccumulatedFilesRich...),
		AccumulatedFeatures: append([]AccumulatedFeature{}, m.plan.AccumulatedFeaturesRich...),
		EstablishedPatterns: append([]string{}, m.plan.EstablishedPatterns...),
		APIContracts:        append([]APIContract{}, m.plan.APIContracts...),
	}

	if c := m.plan.Concept; c != nil {
		execCtx.Concept = &ConceptSummary{
			Name:          c.Name,
			Purpose:       c.Purpose,
			UIPreferences: c.UIPreferences,
			LayoutSpec:    c.LayoutSpec,
			Roles:         append([]string{}, c.Roles...),
			DataModels:    append([]DataModel{}, c.DataModels...),
			Workflows:     append([]string{}, c.Workflows...),
		}
	}
	if m.smartContext != nil {
		sc := *m.smartContext
		execCtx.SmartContext = &sc
	}

	return execCtx, nil
}

// FileContents returns a copy of the latest content per accumulated path,
// the payload handed to review/type-check/test collaborators.
func (m *ExecutionManager) FileContents() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.fileContents))
	for k, v := range m.fileContents {
		out[k] = v
	}
	return out
}

// mergeAccumulatedFile updates the rich record for a path or appends a
// new one. Append/update-only: records are never removed here.
func (m *ExecutionManager) mergeAccumulatedFile(record AccumulatedFile) {
	for i, existing := range m.plan.AccumulatedFilesRich {
		if existing.Path == record.Path {
			m.plan.AccumulatedFilesRich[i] = record
			return
		}
	}
	m.plan.AccumulatedFilesRich = append(m.plan.AccumulatedFilesRich, record)
}

// mergeAccumulatedFeature upgrades an existing entry to complete and
// appends implementing files, or creates a new complete entry. Reports
// whether a new entry was created.
func (m *ExecutionManager) mergeAccumulatedFeature(name string, files []string, hasTests bool, phaseNumber int) bool {
	for i, existing := range m.plan.AccumulatedFeaturesRich {
		if existing.Name == name {
			entry := existing
			entry.Status = "complete"
			entry.HasTests = entry.HasTests || hasTests
			for _, f := range files {
				if !containsString(entry.ImplementingFiles, f) {
					entry.ImplementingFiles = append(entry.ImplementingFiles, f)
				}
			}
			m.plan.AccumulatedFeaturesRich[i] = entry
			return false
		}
	}
	m.plan.AccumulatedFeaturesRich = append(m.plan.AccumulatedFeaturesRich, AccumulatedFeature{
		Name:              name,
		Status:            "complete",
		ImplementingFiles: append([]string{}, files...),
		HasTests:          hasTests,
		PhaseNumber:       phaseNumber,
	})
	return true
}

func (m *ExecutionManager) addEstablishedPattern(pattern string) {
	if !containsString(m.plan.EstablishedPatterns, pattern) {
		m.plan.EstablishedPatterns = append(m.plan.EstablishedPatterns, pattern)
	}
}

// addAPIContract records a contract once per endpoint and method; the
// same route declared again in a later phase keeps its first entry.
func (m *ExecutionManager) addAPIContract(contract APIContract) {
	for _, existing := range m.plan.APIContracts {
		if existing.Endpoint == contract.Endpoint && existing.Method == contract.Method {
			return
		}
	}
	m.plan.APIContracts = append(m.plan.APIContracts, contract)
}

// syncPlanStateLocked recomputes the plan's denormalized tracking arrays
// from phase statuses and the rich accumulated records. Callers hold mu.
func (m *ExecutionManager) syncPlanStateLocked() {
	completed := make([]int, 0, len(m.plan.Phases))
	for _, phase := range m.plan.Phases {
		if phase.Status == PhaseCompleted {
			completed = append(completed, phase.Number)
		}
	}
	sort.Ints(completed)
	m.plan.CompletedPhaseNumbers = completed

	paths := make([]string, 0, len(m.plan.AccumulatedFilesRich))
	for _, f := range m.plan.AccumulatedFilesRich {
		paths = append(paths, f.Path)
	}
	m.plan.AccumulatedFiles = paths

	names := make([]string, 0, len(m.plan.AccumulatedFeaturesRich))
	for _, f := range m.plan.AccumulatedFeaturesRich {
		names = append(names, f.Name)
	}
	m.plan.AccumulatedFeatures = names

	// Advance the cursor to the next pending phase, if any.
	for _, phase := range m.plan.Phases {
		if phase.Status == PhasePending {
			m.plan.CurrentPhaseNumber = phase.Number
			break
		}
	}

	m.plan.UpdatedAt = time.Now().UTC()
}

// buildSummary condenses a completion into a three-part string: leading
// feature names, a "+N more" suffix, and a file count.
func buildSummary(features []string, fileCount int) string {
	const lead = 3
	shown := features
	more := ""
	if len(features) > lead {
		shown = features[:lead]
		more = fmt.Sprintf(" +%d more", len(features)-lead)
	}
	names := strings.Join(shown, ", ")
	if names == "" {
		names = "phase work"
	}
	return fmt.Sprintf("%s%s · %d files", names, more, fileCount)
}

func containsNumber(nums []int, n int) bool {
	for _, v := range nums {
		if v == n {
			return true
		}
	}
	return false
}

func removeNumber(nums []int, n int) []int {
	out := nums[:0]
	for _, v := range nums {
		if v != n {
			out = append(out, v)
		}
	}
	return out
}

func containsString(items []string, s string) bool {
	for _, v := range items {
		if v == s {
			return true
		}
	}
	return false
}
