package phases

import (
	"encoding/json"
	"fmt"
	"testing"
)

// plannedManager builds a fresh manager over a deterministic plan.
func plannedManager(t *testing.T) *ExecutionManager {
	t.Helper()
	result := NewPhasePlanner().GeneratePhasePlan(simpleConcept(), PlannerConfig{})
	if !result.Success {
		t.Fatalf("planning failed: %v", result.Errors)
	}
	return NewExecutionManager(result.Plan)
}

func jsonPayloadFor(paths ...string) string {
	files := make([]map[string]string, 0, len(paths))
	for i, p := range paths {
		files = append(files, map[string]string{
			"path":    p,
			"content": fmt.Sprintf("export const thing%d = %d;\n", i, i),
		})
	}
	raw, _ := json.Marshal(map[string]interface{}{"files": files})
	return string(raw)
}

// completePhase drives one phase through begin+record with a JSON payload.
func completePhase(t *testing.T, m *ExecutionManager, paths ...string) *DynamicPhase {
	t.Helper()
	phase := m.GetNextPhase()
	if phase == nil {
		t.Fatalf("no pending phase")
	}
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase(%d): %v", phase.Number, err)
	}
	outcome := m.RecordPhaseResult(PhaseResult{
		PhaseNumber:   phase.Number,
		Success:       true,
		GeneratedCode: jsonPayloadFor(paths...),
	})
	if !outcome.Accepted {
		t.Fatalf("phase %d not accepted", phase.Number)
	}
	return phase
}

func TestGetNextPhaseWalksInOrder(t *testing.T) {
	m := plannedManager(t)

	first := m.GetNextPhase()
	if first == nil || first.Number != 1 {
		t.Fatalf("next phase = %+v, want phase 1", first)
	}
	completePhase(t, m, "src/main.tsx")

	second := m.GetNextPhase()
	if second == nil || second.Number != 2 {
		t.Fatalf("next phase after completing 1 = %+v, want phase 2", second)
	}
	if m.IsComplete() {
		t.Fatalf("plan must not be complete with pending phases")
	}
}

func TestBeginPhaseRejectsDoubleSubmission(t *testing.T) {
	m := plannedManager(t)

	if err := m.BeginPhase(1); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	err := m.BeginPhase(1)
	if err == nil {
		t.Fatalf("expected second BeginPhase to fail")
	}
}

func TestCancelPhaseRevertsToPending(t *testing.T) {
	m := plannedManager(t)

	if err := m.BeginPhase(1); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	if err := m.CancelPhase(1); err != nil {
		t.Fatalf("CancelPhase: %v", err)
	}
	phase := m.Plan().PhaseByNumber(1)
	if phase.Status != PhasePending {
		t.Fatalf("status after cancel = %s, want pending", phase.Status)
	}
	if phase.StartedAt != nil {
		t.Fatalf("StartedAt must reset on cancel")
	}
	// Cancelling a phase that is not in progress is a no-op.
	if err := m.CancelPhase(1); err != nil {
		t.Fatalf("repeat CancelPhase: %v", err)
	}
}

func TestRecordPhaseResultAccumulatesState(t *testing.T) {
	m := plannedManager(t)
	phase := completePhase(t, m, "src/main.tsx", "src/components/TaskList.tsx")

	plan := m.Plan()
	if phase.Status != PhaseCompleted {
		t.Fatalf("status = %s, want completed", phase.Status)
	}
	if len(plan.AccumulatedFiles) != 2 || len(plan.AccumulatedFilesRich) != 2 {
		t.Fatalf("accumulated files = %v", plan.AccumulatedFiles)
	}
	if len(plan.CompletedPhaseNumbers) != 1 || plan.CompletedPhaseNumbers[0] != phase.Number {
		t.Fatalf("completed numbers = %v", plan.CompletedPhaseNumbers)
	}
	if phase.BuiltSummary == "" {
		t.Fatalf("expected a built summary")
	}

	// The second phase carries feature names, which accumulate.
	completePhase(t, m, "src/tasks.ts")
	if len(plan.AccumulatedFeaturesRich) == 0 {
		t.Fatalf("expected phase features to accumulate")
	}
	if len(plan.CompletedPhaseNumbers) != 2 {
		t.Fatalf("completed numbers = %v", plan.CompletedPhaseNumbers)
	}
}

func TestRecordPhaseResultFailureLeavesAccumulatedUntouched(t *testing.T) {
	m := plannedManager(t)
	completePhase(t, m, "src/main.tsx")
	before := len(m.Plan().AccumulatedFiles)

	phase := m.GetNextPhase()
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	outcome := m.RecordPhaseResult(PhaseResult{
		PhaseNumber: phase.Number,
		Success:     false,
		Errors:      []string{"model timeout"},
	})
	if outcome.Accepted {
		t.Fatalf("failed result must not be accepted")
	}

	plan := m.Plan()
	if phase.Status != PhaseFailed {
		t.Fatalf("status = %s, want failed", phase.Status)
	}
	if len(phase.Errors) != 1 || phase.Errors[0] != "model timeout" {
		t.Fatalf("errors = %v", phase.Errors)
	}
	if len(plan.AccumulatedFiles) != before {
		t.Fatalf("accumulated files changed on failure: %v", plan.AccumulatedFiles)
	}
	if len(plan.FailedPhaseNumbers) != 1 || plan.FailedPhaseNumbers[0] != phase.Number {
		t.Fatalf("failed numbers = %v", plan.FailedPhaseNumbers)
	}
}

func TestRecordPhaseResultUnparseablePayloadFailsPhase(t *testing.T) {
	m := plannedManager(t)
	phase := m.GetNextPhase()
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}

	outcome := m.RecordPhaseResult(PhaseResult{
		PhaseNumber:   phase.Number,
		Success:       true,
		GeneratedCode: "Sure! Here is some prose instead of code.",
	})
	if outcome.Accepted {
		t.Fatalf("unparseable payload must not be accepted")
	}
	if outcome.Format != FormatUnparseable {
		t.Fatalf("format = %s, want unparseable", outcome.Format)
	}
	if phase.Status != PhaseFailed {
		t.Fatalf("status = %s, want failed", phase.Status)
	}
	if len(m.Plan().AccumulatedFiles) != 0 {
		t.Fatalf("accumulated state grew from an unparseable payload")
	}
}

func TestRecordPhaseResultUnknownPhaseDropped(t *testing.T) {
	m := plannedManager(t)
	outcome := m.RecordPhaseResult(PhaseResult{PhaseNumber: 99, Success: true, GeneratedCode: jsonPayloadFor("a.ts")})
	if outcome.Accepted {
		t.Fatalf("result for unknown phase must be dropped, not accepted")
	}
}

func TestRecordPhaseResultRejectsCompletedPhase(t *testing.T) {
	m := plannedManager(t)
	payload := `{"files": [{"path": "src/server.ts", "content": "app.get('/api/tasks', handler);"}]}`

	phase := m.GetNextPhase()
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	first := m.RecordPhaseResult(PhaseResult{PhaseNumber: phase.Number, Success: true, GeneratedCode: payload})
	if !first.Accepted {
		t.Fatalf("first result not accepted")
	}

	second := m.RecordPhaseResult(PhaseResult{PhaseNumber: phase.Number, Success: true, GeneratedCode: payload})
	if second.Accepted {
		t.Fatalf("resubmitted result for a completed phase must be rejected")
	}
	if second.FilesAdded != 0 {
		t.Fatalf("rejected result reported %d files added", second.FilesAdded)
	}

	plan := m.Plan()
	if len(plan.APIContracts) != 1 {
		t.Fatalf("contracts = %+v, want a single entry", plan.APIContracts)
	}
	if writes := m.fileWrites["src/server.ts"]; len(writes) != 1 {
		t.Fatalf("file versions = %d, want one recorded write", len(writes))
	}
	if phase.Status != PhaseCompleted {
		t.Fatalf("status = %s, want completed", phase.Status)
	}
}

func TestRecordPhaseResultRejectsSkippedPhase(t *testing.T) {
	m := plannedManager(t)
	if err := m.SkipPhase(1); err != nil {
		t.Fatalf("SkipPhase: %v", err)
	}

	outcome := m.RecordPhaseResult(PhaseResult{PhaseNumber: 1, Success: true, GeneratedCode: jsonPayloadFor("src/a.ts")})
	if outcome.Accepted {
		t.Fatalf("result for a skipped phase must be rejected")
	}
	if m.Plan().PhaseByNumber(1).Status != PhaseSkipped {
		t.Fatalf("skipped phase changed status")
	}
	if len(m.Plan().AccumulatedFiles) != 0 {
		t.Fatalf("accumulated state grew from a rejected result")
	}
}

func TestAPIContractsDeduplicateAcrossPhases(t *testing.T) {
	m := plannedManager(t)

	phase := m.GetNextPhase()
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	m.RecordPhaseResult(PhaseResult{
		PhaseNumber:   phase.Number,
		Success:       true,
		GeneratedCode: `{"files": [{"path": "src/server.ts", "content": "app.get('/api/tasks', listTasks);"}]}`,
	})

	// A later phase re-declaring the same route keeps the original entry.
	phase2 := m.GetNextPhase()
	if err := m.BeginPhase(phase2.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	m.RecordPhaseResult(PhaseResult{
		PhaseNumber:   phase2.Number,
		Success:       true,
		GeneratedCode: `{"files": [{"path": "src/routes/tasks.ts", "content": "router.get('/api/tasks', listTasks);\nrouter.post('/api/tasks', createTask);"}]}`,
	})

	contracts := m.Plan().APIContracts
	if len(contracts) != 2 {
		t.Fatalf("contracts = %+v, want GET and POST once each", contracts)
	}
	for _, c := range contracts {
		if c.Method == "GET" && c.PhaseNumber != phase.Number {
			t.Fatalf("GET contract re-attributed to phase %d", c.PhaseNumber)
		}
	}
}

func TestResetPhaseClearsFailure(t *testing.T) {
	m := plannedManager(t)
	phase := m.GetNextPhase()
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	m.RecordPhaseResult(PhaseResult{PhaseNumber: phase.Number, Success: false, Errors: []string{"boom"}})

	if err := m.ResetPhase(phase.Number); err != nil {
		t.Fatalf("ResetPhase: %v", err)
	}
	if phase.Status != PhasePending || phase.Errors != nil {
		t.Fatalf("phase not reset: status=%s errors=%v", phase.Status, phase.Errors)
	}
	if len(m.Plan().FailedPhaseNumbers) != 0 {
		t.Fatalf("failed numbers not cleared: %v", m.Plan().FailedPhaseNumbers)
	}
	// Retry succeeds.
	completePhase(t, m, "src/main.tsx")
}

func TestSkipPhaseCountsTowardCompletion(t *testing.T) {
	m := plannedManager(t)
	total := m.Plan().TotalPhases

	for i := 1; i <= total; i++ {
		if err := m.SkipPhase(i); err != nil {
			t.Fatalf("SkipPhase(%d): %v", i, err)
		}
	}
	if !m.IsComplete() {
		t.Fatalf("all-skipped plan must report complete")
	}
	if m.GetNextPhase() != nil {
		t.Fatalf("no phase should be pending")
	}
}

func TestGetExecutionContextIsIdempotent(t *testing.T) {
	m := plannedManager(t)
	completePhase(t, m, "src/main.tsx")

	next := m.GetNextPhase()
	ctxA, err := m.GetExecutionContext(next.Number)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	// Mutating the returned slices must not leak into the manager.
	if len(ctxA.AccumulatedFiles) > 0 {
		ctxA.AccumulatedFiles[0] = "tampered"
	}
	ctxA.EstablishedPatterns = append(ctxA.EstablishedPatterns, "tampered")

	ctxB, err := m.GetExecutionContext(next.Number)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	if len(ctxB.AccumulatedFiles) > 0 && ctxB.AccumulatedFiles[0] == "tampered" {
		t.Fatalf("execution context shares backing arrays with the manager")
	}
	if ctxB.PhaseNumber != next.Number || ctxB.TotalPhases != m.Plan().TotalPhases {
		t.Fatalf("unexpected context: %+v", ctxB)
	}
	if ctxB.IsFirstPhase {
		t.Fatalf("phase %d is not the first phase", next.Number)
	}
}

func TestGetExecutionContextUnknownPhase(t *testing.T) {
	m := plannedManager(t)
	_, err := m.GetExecutionContext(42)
	if !IsPhaseNotFound(err) {
		t.Fatalf("err = %v, want PhaseNotFoundError", err)
	}
}

func TestSmartContextInvalidatedOnCompletion(t *testing.T) {
	m := plannedManager(t)
	m.SetSmartContext(&SmartContext{Summary: "the codebase so far", ForPhase: 1})

	execCtx, err := m.GetExecutionContext(1)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	if execCtx.SmartContext == nil || execCtx.SmartContext.Summary != "the codebase so far" {
		t.Fatalf("smart context not attached")
	}

	completePhase(t, m, "src/main.tsx")

	execCtx, err = m.GetExecutionContext(2)
	if err != nil {
		t.Fatalf("GetExecutionContext: %v", err)
	}
	if execCtx.SmartContext != nil {
		t.Fatalf("smart context must be invalidated after a completed phase")
	}
}

func TestSmartContextExplicitInvalidation(t *testing.T) {
	m := plannedManager(t)
	m.SetSmartContext(&SmartContext{Summary: "stale"})
	m.InvalidateSmartContext()

	execCtx, _ := m.GetExecutionContext(1)
	if execCtx.SmartContext != nil {
		t.Fatalf("smart context survived explicit invalidation")
	}
}

func TestFeatureMergeUpgradesToComplete(t *testing.T) {
	m := plannedManager(t)
	phase := m.GetNextPhase()
	if err := m.BeginPhase(phase.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	m.RecordPhaseResult(PhaseResult{
		PhaseNumber:         phase.Number,
		Success:             true,
		GeneratedCode:       jsonPayloadFor("src/tasks.ts"),
		ImplementedFeatures: []string{"Task list"},
	})

	phase2 := m.GetNextPhase()
	if err := m.BeginPhase(phase2.Number); err != nil {
		t.Fatalf("BeginPhase: %v", err)
	}
	m.RecordPhaseResult(PhaseResult{
		PhaseNumber:         phase2.Number,
		Success:             true,
		GeneratedCode:       jsonPayloadFor("src/tasks_list.ts"),
		ImplementedFeatures: []string{"Task list"},
	})

	plan := m.Plan()
	var entry *AccumulatedFeature
	for i := range plan.AccumulatedFeaturesRich {
		if plan.AccumulatedFeaturesRich[i].Name == "Task list" {
			entry = &plan.AccumulatedFeaturesRich[i]
		}
	}
	if entry == nil {
		t.Fatalf("feature entry missing")
	}
	if entry.Status != "complete" {
		t.Fatalf("status = %s, want complete", entry.Status)
	}
	if len(entry.ImplementingFiles) != 2 {
		t.Fatalf("implementing files = %v, want both phases' files", entry.ImplementingFiles)
	}
	if len(plan.AccumulatedFeatures) != 1 {
		t.Fatalf("feature names = %v, want single deduplicated entry", plan.AccumulatedFeatures)
	}
}

func TestPlanSerializationRoundTrip(t *testing.T) {
	m := plannedManager(t)
	completePhase(t, m, "src/main.tsx", "src/api.ts")

	raw, err := json.Marshal(m.Plan())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored DynamicPhasePlan
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resumed := NewExecutionManager(&restored)
	if got := resumed.GetNextPhase(); got == nil || got.Number != 2 {
		t.Fatalf("resumed next phase = %+v, want phase 2", got)
	}
	if len(restored.AccumulatedFilesRich) != 2 {
		t.Fatalf("accumulated files lost in round trip: %+v", restored.AccumulatedFilesRich)
	}

	// The resumed manager re-derives its file version map from the
	// denormalized rich records.
	writes := resumed.fileWrites["src/main.tsx"]
	if len(writes) != 1 || writes[0].SHA256 == "" || writes[0].PhaseNumber != 1 {
		t.Fatalf("re-derived writes = %+v", writes)
	}
}

func TestBuildSummaryFormat(t *testing.T) {
	got := buildSummary([]string{"A", "B", "C", "D", "E"}, 7)
	want := "A, B, C +2 more · 7 files"
	if got != want {
		t.Fatalf("buildSummary = %q, want %q", got, want)
	}
	if got := buildSummary(nil, 2); got != "phase work · 2 files" {
		t.Fatalf("empty summary = %q", got)
	}
}
