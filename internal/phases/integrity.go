package phases

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"phaseforge/internal/logging"
)

// IntegrityChecker runs pure, structured checks over a manager's
// accumulated state. Every check returns a result object and never
// returns an error for a finding; severity and halt/continue decisions
// belong to the caller.
type IntegrityChecker struct {
	manager     *ExecutionManager
	typeChecker TypeChecker
	testRunner  TestRunner
}

// NewIntegrityChecker wires a checker to a manager. The type checker and
// test runner collaborators are optional; their checks report skipped
// when absent.
func NewIntegrityChecker(manager *ExecutionManager, typeChecker TypeChecker, testRunner TestRunner) *IntegrityChecker {
	return &IntegrityChecker{
		manager:     manager,
		typeChecker: typeChecker,
		testRunner:  testRunner,
	}
}

// Severity levels for integrity findings
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// FileConflict flags one path written by two phases with differing
// content and no dependency edge between them.
type FileConflict struct {
	Path        string `json:"path"`
	PhaseA      int    `json:"phase_a"`
	PhaseB      int    `json:"phase_b"`
	HashA       string `json:"hash_a"`
	HashB       string `json:"hash_b"`
	Diff        string `json:"diff,omitempty"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ConflictReport is the result of DetectFileConflicts
type ConflictReport struct {
	Checked   int            `json:"checked"`
	Conflicts []FileConflict `json:"conflicts,omitempty"`
}

// DetectFileConflicts checks the given files (about to be or just written
// by phaseNumber) against prior writes of the same paths. A rewrite with
// identical content, or by a phase connected through the dependency
// graph, is not a conflict.
func (ic *IntegrityChecker) DetectFileConflicts(newFiles []GeneratedFile, phaseNumber int) ConflictReport {
	m := ic.manager
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := ConflictReport{Checked: len(newFiles)}
	dmp := diffmatchpatch.New()

	for _, nf := range newFiles {
		newHash := hashContent(nf.Content)
		for _, write := range m.fileWrites[nf.Path] {
			if write.PhaseNumber == phaseNumber || write.SHA256 == newHash {
				continue
			}
			if ic.dependencyPathLocked(phaseNumber, write.PhaseNumber) {
				continue
			}
			conflict := FileConflict{
				Path:        nf.Path,
				PhaseA:      write.PhaseNumber,
				PhaseB:      phaseNumber,
				HashA:       write.SHA256,
				HashB:       newHash,
				Severity:    SeverityError,
				Description: fmt.Sprintf("phases %d and %d write %s with different content and no dependency edge", write.PhaseNumber, phaseNumber, nf.Path),
			}
			if write.Content != "" {
				diffs := dmp.DiffMain(write.Content, nf.Content, false)
				conflict.Diff = truncateAtWord(dmp.DiffPrettyText(diffs), 2000)
			}
			report.Conflicts = append(report.Conflicts, conflict)
		}
	}
	return report
}

// dependencyPathLocked reports whether from can reach to (or vice versa)
// through the backward dependency graph. Callers hold the manager lock.
func (ic *IntegrityChecker) dependencyPathLocked(a, b int) bool {
	return ic.reachableLocked(a, b) || ic.reachableLocked(b, a)
}

func (ic *IntegrityChecker) reachableLocked(from, to int) bool {
	if from == to {
		return true
	}
	phase := ic.manager.plan.PhaseByNumber(from)
	if phase == nil {
		return false
	}
	for _, dep := range phase.DependsOn {
		if ic.reachableLocked(dep, to) {
			return true
		}
	}
	return false
}

// ImportIssue is one unresolved cross-file import
type ImportIssue struct {
	File     string `json:"file"`
	Import   string `json:"import"`
	Symbol   string `json:"symbol,omitempty"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// ImportCheckResult is the result of ValidateImportExports
type ImportCheckResult struct {
	Passed bool          `json:"passed"`
	Issues []ImportIssue `json:"issues,omitempty"`
}

var importPattern = regexp.MustCompile(`(?m)^import\s+(?:([\w$]+)\s*,?\s*)?(?:\{([^}]*)\})?\s*from\s+['"]([^'"]+)['"]`)

var resolvableExtensions = []string{"", ".ts", ".tsx", ".js", ".jsx", "/index.ts", "/index.tsx"}

// ValidateImportExports verifies every relative cross-file import in the
// accumulated set resolves to an accumulated file, and that named imports
// resolve to that file's exports. Bare module specifiers are treated as
// external packages and skipped.
func (ic *IntegrityChecker) ValidateImportExports() ImportCheckResult {
	m := ic.manager
	m.mu.RLock()
	defer m.mu.RUnlock()

	known := make(map[string]*AccumulatedFile, len(m.plan.AccumulatedFilesRich))
	for i := range m.plan.AccumulatedFilesRich {
		f := &m.plan.AccumulatedFilesRich[i]
		known[f.Path] = f
	}

	result := ImportCheckResult{Passed: true}
	for filePath, content := range m.fileContents {
		for _, match := range importPattern.FindAllStringSubmatch(content, -1) {
			spec := match[3]
			if !strings.HasPrefix(spec, ".") && !strings.HasPrefix(spec, "/") {
				continue // external package
			}
			target := resolveImport(filePath, spec, known)
			if target == nil {
				result.Issues = append(result.Issues, ImportIssue{
					File:     filePath,
					Import:   spec,
					Severity: SeverityError,
					Detail:   "import does not resolve to any accumulated file",
				})
				continue
			}
			for _, symbol := range splitNamedImports(match[2]) {
				if !containsString(target.Exports, symbol) {
					result.Issues = append(result.Issues, ImportIssue{
						File:     filePath,
						Import:   spec,
						Symbol:   symbol,
						Severity: SeverityWarning,
						Detail:   fmt.Sprintf("%s does not export %s", target.Path, symbol),
					})
				}
			}
		}
	}
	for _, issue := range result.Issues {
		if issue.Severity == SeverityError {
			result.Passed = false
			break
		}
	}
	return result
}

func resolveImport(fromFile, spec string, known map[string]*AccumulatedFile) *AccumulatedFile {
	base := path.Join(path.Dir(fromFile), spec)
	base = strings.TrimPrefix(base, "/")
	for _, ext := range resolvableExtensions {
		if f, ok := known[base+ext]; ok {
			return f
		}
	}
	return nil
}

func splitNamedImports(clause string) []string {
	if strings.TrimSpace(clause) == "" {
		return nil
	}
	out := make([]string, 0)
	for _, part := range strings.Split(clause, ",") {
		name := strings.TrimSpace(part)
		if idx := strings.Index(name, " as "); idx >= 0 {
			name = strings.TrimSpace(name[:idx])
		}
		if name == "" || name == "type" || strings.HasPrefix(name, "type ") {
			if after, ok := strings.CutPrefix(name, "type "); ok {
				name = strings.TrimSpace(after)
			} else {
				continue
			}
		}
		out = append(out, name)
	}
	return out
}

// CapturePhaseSnapshot checkpoints the full accumulated state after the
// given phase. Recapturing the same boundary overwrites.
func (m *ExecutionManager) CapturePhaseSnapshot(phaseNumber int) *PhaseSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureSnapshotLocked(phaseNumber)
}

func (m *ExecutionManager) captureSnapshotLocked(phaseNumber int) *PhaseSnapshot {
	versions := make(map[string]string, len(m.fileWrites))
	for p, writes := range m.fileWrites {
		latest := ""
		for _, w := range writes {
			if w.PhaseNumber <= phaseNumber {
				latest = w.SHA256
			}
		}
		if latest != "" {
			versions[p] = latest
		}
	}

	snap := &PhaseSnapshot{
		PhaseNumber:             phaseNumber,
		CompletedPhaseNumbers:   append([]int{}, m.plan.CompletedPhaseNumbers...),
		AccumulatedFiles:        append([]string{}, m.plan.AccumulatedFiles...),
		AccumulatedFilesRich:    append([]AccumulatedFile{}, m.plan.AccumulatedFilesRich...),
		AccumulatedFeatures:     append([]string{}, m.plan.AccumulatedFeatures...),
		AccumulatedFeaturesRich: append([]AccumulatedFeature{}, m.plan.AccumulatedFeaturesRich...),
		EstablishedPatterns:     append([]string{}, m.plan.EstablishedPatterns...),
		APIContracts:            append([]APIContract{}, m.plan.APIContracts...),
		FileVersions:            versions,
		CapturedAt:              time.Now().UTC(),
	}
	m.snapshots[phaseNumber] = snap
	return snap
}

// RollbackToSnapshot restores accumulated state to the checkpoint taken
// after phaseNumber, discarding everything later phases produced. Rolled
// back phases return to pending; earlier phases are untouched. Plan
// denormalized copies stay consistent via syncPlanState.
func (m *ExecutionManager) RollbackToSnapshot(phaseNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[phaseNumber]
	if !ok {
		return fmt.Errorf("%w: phase %d", ErrSnapshotNotFound, phaseNumber)
	}

	m.plan.AccumulatedFiles = append([]string{}, snap.AccumulatedFiles...)
	m.plan.AccumulatedFilesRich = append([]AccumulatedFile{}, snap.AccumulatedFilesRich...)
	m.plan.AccumulatedFeatures = append([]string{}, snap.AccumulatedFeatures...)
	m.plan.AccumulatedFeaturesRich = append([]AccumulatedFeature{}, snap.AccumulatedFeaturesRich...)
	m.plan.EstablishedPatterns = append([]string{}, snap.EstablishedPatterns...)
	m.plan.APIContracts = append([]APIContract{}, snap.APIContracts...)

	// Drop writes, snapshots, and cached contents from later phases.
	for p, writes := range m.fileWrites {
		kept := writes[:0]
		for _, w := range writes {
			if w.PhaseNumber <= phaseNumber {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(m.fileWrites, p)
			delete(m.fileContents, p)
			continue
		}
		m.fileWrites[p] = kept
		if last := kept[len(kept)-1]; last.Content != "" {
			m.fileContents[p] = last.Content
		}
	}
	for n := range m.snapshots {
		if n > phaseNumber {
			delete(m.snapshots, n)
		}
	}

	// Later phases return to pending and lose their build products.
	for _, phase := range m.plan.Phases {
		if phase.Number <= phaseNumber {
			continue
		}
		if phase.Status != PhasePending {
			phase.Status = PhasePending
			phase.StartedAt = nil
			phase.CompletedAt = nil
			phase.GeneratedCode = ""
			phase.BuiltFiles = nil
			phase.BuiltSummary = ""
			phase.Errors = nil
		}
		m.plan.FailedPhaseNumbers = removeNumber(m.plan.FailedPhaseNumbers, phase.Number)
	}

	m.smartContext = nil
	m.syncPlanStateLocked()

	logging.S().Infow("Manager: rolled back to snapshot",
		"plan_id", m.plan.ID,
		"phase", phaseNumber,
	)
	return nil
}

// Snapshots lists captured snapshot boundaries in ascending order.
func (m *ExecutionManager) Snapshots() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.snapshots))
	for n := range m.snapshots {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// RunPhaseTypeCheck delegates to the external structural type checker
// over the full accumulated set. Without a collaborator the check reports
// passed with an informational note.
func (ic *IntegrityChecker) RunPhaseTypeCheck(ctx context.Context) *TypeCheckResult {
	if ic.typeChecker == nil {
		return &TypeCheckResult{Passed: true}
	}
	res, err := ic.typeChecker.CheckTypes(ctx, ic.manager.Plan().AccumulatedFilesRich, ic.manager.FileContents())
	if err != nil {
		return &TypeCheckResult{
			Passed: false,
			Issues: []TypeCheckIssue{{Detail: fmt.Sprintf("type checker unavailable: %v", err), Severity: SeverityWarning}},
		}
	}
	return res
}

// CheckTypeCompatibility flags same-named exported types declared in
// files from different phases, the local pre-screen before the external
// structural check.
func (ic *IntegrityChecker) CheckTypeCompatibility() *TypeCheckResult {
	m := ic.manager
	m.mu.RLock()
	defer m.mu.RUnlock()

	type decl struct {
		file  string
		phase int
		hash  string
	}
	declared := make(map[string][]decl)
	for _, f := range m.plan.AccumulatedFilesRich {
		for _, exp := range f.Exports {
			declared[exp] = append(declared[exp], decl{file: f.Path, phase: f.PhaseNumber, hash: f.SHA256})
		}
	}

	result := &TypeCheckResult{Passed: true}
	for name, decls := range declared {
		if len(decls) < 2 {
			continue
		}
		for i := 1; i < len(decls); i++ {
			if decls[i].phase == decls[0].phase {
				continue
			}
			result.Passed = false
			result.Issues = append(result.Issues, TypeCheckIssue{
				TypeName: name,
				FileA:    decls[0].file,
				FileB:    decls[i].file,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("%s is exported by files from phases %d and %d; shapes may diverge", name, decls[0].phase, decls[i].phase),
			})
		}
	}
	return result
}

// RunPhaseTests delegates a single-phase test run to the external runner.
func (ic *IntegrityChecker) RunPhaseTests(ctx context.Context, phaseNumber int) *TestRunResult {
	return ic.runTests(ctx, TestScope{PhaseNumber: phaseNumber})
}

// RunRegressionTests delegates a run over everything completed so far.
func (ic *IntegrityChecker) RunRegressionTests(ctx context.Context) *TestRunResult {
	return ic.runTests(ctx, TestScope{Regression: true})
}

func (ic *IntegrityChecker) runTests(ctx context.Context, scope TestScope) *TestRunResult {
	if ic.testRunner == nil {
		return &TestRunResult{Passed: true}
	}
	res, err := ic.testRunner.RunTests(ctx, scope, ic.manager.Plan().AccumulatedFilesRich, ic.manager.FileContents())
	if err != nil {
		return &TestRunResult{
			Passed:   false,
			Failures: []TestFailure{{Name: "runner", Message: fmt.Sprintf("test runner unavailable: %v", err)}},
		}
	}
	return res
}

// ContractViolation is one client call with no matching recorded contract
type ContractViolation struct {
	File     string `json:"file"`
	Endpoint string `json:"endpoint"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// ContractCheckResult is the result of ValidateAPIContracts
type ContractCheckResult struct {
	Passed     bool                `json:"passed"`
	Violations []ContractViolation `json:"violations,omitempty"`
}

// ValidateAPIContracts verifies every client-side endpoint call in the
// accumulated files matches a contract recorded by some completed phase.
// Path parameters in contracts (":id" segments) match any concrete value.
func (ic *IntegrityChecker) ValidateAPIContracts() ContractCheckResult {
	m := ic.manager
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := ContractCheckResult{Passed: true}
	for _, f := range m.plan.AccumulatedFilesRich {
		for _, ep := range f.Endpoints {
			if strings.Contains(ep, " ") {
				continue // route declaration, not a client call
			}
			if !matchesAnyContract(ep, m.plan.APIContracts) {
				result.Passed = false
				result.Violations = append(result.Violations, ContractViolation{
					File:     f.Path,
					Endpoint: ep,
					Severity: SeverityError,
					Detail:   "no completed phase recorded a contract for this endpoint",
				})
			}
		}
	}
	return result
}

func matchesAnyContract(endpoint string, contracts []APIContract) bool {
	for _, c := range contracts {
		if endpointsMatch(endpoint, c.Endpoint) {
			return true
		}
	}
	return false
}

func endpointsMatch(call, contract string) bool {
	if call == contract {
		return true
	}
	callSegs := strings.Split(strings.Trim(call, "/"), "/")
	contractSegs := strings.Split(strings.Trim(contract, "/"), "/")
	if len(callSegs) != len(contractSegs) {
		return false
	}
	for i := range contractSegs {
		if strings.HasPrefix(contractSegs[i], ":") || strings.HasPrefix(contractSegs[i], "{") {
			continue
		}
		if contractSegs[i] != callSegs[i] {
			return false
		}
	}
	return true
}

// ArchitectureReport compares the declared architecture spec against
// files actually produced
type ArchitectureReport struct {
	Passed            bool     `json:"passed"`
	MissingFiles      []string `json:"missing_files,omitempty"`
	MissingComponents []string `json:"missing_components,omitempty"`
	Note              string   `json:"note,omitempty"`
}

// VerifyArchitectureImplementation checks the concept's architecture spec
// (when present) against the accumulated file set and exports.
func (ic *IntegrityChecker) VerifyArchitectureImplementation() ArchitectureReport {
	m := ic.manager
	m.mu.RLock()
	defer m.mu.RUnlock()

	spec := (*ArchitectureSpec)(nil)
	if m.plan.Concept != nil {
		spec = m.plan.Concept.ArchitectureSpec
	}
	if spec == nil {
		return ArchitectureReport{Passed: true, Note: "no architecture spec declared"}
	}

	report := ArchitectureReport{Passed: true}
	have := make(map[string]bool, len(m.plan.AccumulatedFiles))
	for _, p := range m.plan.AccumulatedFiles {
		have[p] = true
	}
	exports := make(map[string]bool)
	for _, f := range m.plan.AccumulatedFilesRich {
		for _, e := range f.Exports {
			exports[e] = true
		}
	}

	for _, expected := range spec.ExpectedFiles {
		if !have[strings.TrimPrefix(expected, "/")] {
			report.Passed = false
			report.MissingFiles = append(report.MissingFiles, expected)
		}
	}
	for _, component := range spec.ExpectedComponents {
		if !exports[component] {
			report.Passed = false
			report.MissingComponents = append(report.MissingComponents, component)
		}
	}

	if !report.Passed {
		logging.S().Warnw("Integrity: architecture spec not fully implemented",
			"missing_files", len(report.MissingFiles),
			"missing_components", len(report.MissingComponents),
		)
	}
	return report
}
