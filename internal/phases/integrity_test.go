package phases

import (
	"context"
	"fmt"
	"testing"
)

// scriptedPlan builds a minimal n-phase plan where every phase after the
// first depends only on phase 1, so later phases are mutually unconnected.
func scriptedPlan(n int) *DynamicPhasePlan {
	plan := &DynamicPhasePlan{
		ID:                      "plan-test",
		AppName:                 "Test",
		TotalPhases:             n,
		CurrentPhaseNumber:      1,
		CompletedPhaseNumbers:   []int{},
		FailedPhaseNumbers:      []int{},
		AccumulatedFiles:        []string{},
		AccumulatedFilesRich:    []AccumulatedFile{},
		AccumulatedFeatures:     []string{},
		AccumulatedFeaturesRich: []AccumulatedFeature{},
		EstablishedPatterns:     []string{},
		APIContracts:            []APIContract{},
	}
	for i := 1; i <= n; i++ {
		p := &DynamicPhase{
			Number: i,
			Name:   fmt.Sprintf("Phase %d", i),
			Domain: DomainFeature,
			Status: PhasePending,
		}
		if i > 1 {
			p.DependsOn = []int{1}
		} else {
			p.DependsOn = []int{}
		}
		plan.Phases = append(plan.Phases, p)
	}
	return plan
}

func recordFiles(t *testing.T, m *ExecutionManager, phaseNumber int, files ...GeneratedFile) {
	t.Helper()
	payload := "{\"files\": ["
	for i, f := range files {
		if i > 0 {
			payload += ","
		}
		payload += fmt.Sprintf("{\"path\": %q, \"content\": %q}", f.Path, f.Content)
	}
	payload += "]}"
	outcome := m.RecordPhaseResult(PhaseResult{PhaseNumber: phaseNumber, Success: true, GeneratedCode: payload})
	if !outcome.Accepted {
		t.Fatalf("phase %d payload rejected", phaseNumber)
	}
}

func TestDetectFileConflictsFlagsUnrelatedRewrite(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(4))
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 2, GeneratedFile{Path: "src/shared.ts", Content: "export const a = 1;"})

	// Phase 3 has no dependency edge to phase 2 and rewrites the file.
	report := ic.DetectFileConflicts([]GeneratedFile{{Path: "src/shared.ts", Content: "export const a = 2;"}}, 3)
	if len(report.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want exactly one", report.Conflicts)
	}
	c := report.Conflicts[0]
	if c.PhaseA != 2 || c.PhaseB != 3 || c.Path != "src/shared.ts" {
		t.Fatalf("unexpected conflict: %+v", c)
	}
	if c.Severity != SeverityError {
		t.Fatalf("severity = %s, want error", c.Severity)
	}
	if c.Diff == "" {
		t.Fatalf("expected a diff snippet")
	}
}

func TestDetectFileConflictsIgnoresIdenticalContent(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(4))
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 2, GeneratedFile{Path: "src/shared.ts", Content: "export const a = 1;"})

	report := ic.DetectFileConflicts([]GeneratedFile{{Path: "src/shared.ts", Content: "export const a = 1;"}}, 3)
	if len(report.Conflicts) != 0 {
		t.Fatalf("identical rewrite reported as conflict: %+v", report.Conflicts)
	}
}

func TestDetectFileConflictsIgnoresDependentPhases(t *testing.T) {
	plan := scriptedPlan(4)
	plan.PhaseByNumber(3).DependsOn = []int{2}
	m := NewExecutionManager(plan)
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 2, GeneratedFile{Path: "src/shared.ts", Content: "export const a = 1;"})

	report := ic.DetectFileConflicts([]GeneratedFile{{Path: "src/shared.ts", Content: "export const a = 2;"}}, 3)
	if len(report.Conflicts) != 0 {
		t.Fatalf("dependent rewrite reported as conflict: %+v", report.Conflicts)
	}
}

func TestValidateImportExports(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(3))
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 1,
		GeneratedFile{Path: "src/util.ts", Content: "export const helper = () => 1;"},
		GeneratedFile{Path: "src/app.ts", Content: "import { helper } from './util';\nhelper();"},
	)

	res := ic.ValidateImportExports()
	if !res.Passed || len(res.Issues) != 0 {
		t.Fatalf("clean imports flagged: %+v", res.Issues)
	}

	recordFiles(t, m, 2,
		GeneratedFile{Path: "src/broken.ts", Content: "import { gone } from './missing';\nimport { nothere } from './util';"},
	)
	res = ic.ValidateImportExports()
	if res.Passed {
		t.Fatalf("expected failure with an unresolved import")
	}
	var sawUnresolved, sawMissingSymbol bool
	for _, issue := range res.Issues {
		if issue.Import == "./missing" && issue.Severity == SeverityError {
			sawUnresolved = true
		}
		if issue.Import == "./util" && issue.Symbol == "nothere" && issue.Severity == SeverityWarning {
			sawMissingSymbol = true
		}
	}
	if !sawUnresolved || !sawMissingSymbol {
		t.Fatalf("issues = %+v", res.Issues)
	}
}

func TestValidateImportExportsSkipsExternalPackages(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(2))
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 1,
		GeneratedFile{Path: "src/app.tsx", Content: "import React from 'react';\nimport { useQuery } from '@tanstack/react-query';"},
	)

	res := ic.ValidateImportExports()
	if !res.Passed || len(res.Issues) != 0 {
		t.Fatalf("external packages flagged: %+v", res.Issues)
	}
}

func TestSnapshotAndRollback(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(4))
	recordFiles(t, m, 1, GeneratedFile{Path: "src/a.ts", Content: "export const a = 1;"})
	recordFiles(t, m, 2, GeneratedFile{Path: "src/b.ts", Content: "export const b = 1;"})
	recordFiles(t, m, 3,
		GeneratedFile{Path: "src/c.ts", Content: "export const c = 1;"},
		GeneratedFile{Path: "src/a.ts", Content: "export const a = 99;"},
	)

	if got := m.Snapshots(); len(got) != 3 {
		t.Fatalf("snapshots = %v, want one per completed phase", got)
	}

	if err := m.RollbackToSnapshot(2); err != nil {
		t.Fatalf("RollbackToSnapshot: %v", err)
	}

	plan := m.Plan()
	if len(plan.AccumulatedFiles) != 2 {
		t.Fatalf("accumulated files after rollback = %v", plan.AccumulatedFiles)
	}
	for _, p := range plan.AccumulatedFiles {
		if p == "src/c.ts" {
			t.Fatalf("rolled-back file still accumulated")
		}
	}
	if plan.PhaseByNumber(3).Status != PhasePending {
		t.Fatalf("phase 3 status = %s, want pending", plan.PhaseByNumber(3).Status)
	}
	if plan.PhaseByNumber(1).Status != PhaseCompleted || plan.PhaseByNumber(2).Status != PhaseCompleted {
		t.Fatalf("earlier phases must stay completed")
	}
	if len(plan.CompletedPhaseNumbers) != 2 {
		t.Fatalf("completed numbers = %v", plan.CompletedPhaseNumbers)
	}
	// Phase 3's overwrite of a.ts is discarded.
	if got := m.FileContents()["src/a.ts"]; got != "export const a = 1;" {
		t.Fatalf("a.ts content after rollback = %q", got)
	}
	if got := m.Snapshots(); len(got) != 2 {
		t.Fatalf("later snapshots must be discarded, got %v", got)
	}

	// Phase 3 is retryable after rollback.
	recordFiles(t, m, 3, GeneratedFile{Path: "src/c.ts", Content: "export const c = 2;"})
	if m.Plan().PhaseByNumber(3).Status != PhaseCompleted {
		t.Fatalf("phase 3 retry did not complete")
	}
}

func TestRollbackToUnknownSnapshot(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(2))
	err := m.RollbackToSnapshot(7)
	if err == nil {
		t.Fatalf("expected error for missing snapshot")
	}
}

func TestCheckTypeCompatibilityFlagsCrossPhaseDuplicates(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(3))
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 1, GeneratedFile{Path: "src/types.ts", Content: "export interface Task { id: string }"})
	recordFiles(t, m, 2, GeneratedFile{Path: "src/models.ts", Content: "export interface Task { id: number }"})

	res := ic.CheckTypeCompatibility()
	if res.Passed {
		t.Fatalf("expected duplicate export to be flagged")
	}
	if len(res.Issues) == 0 || res.Issues[0].TypeName != "Task" {
		t.Fatalf("issues = %+v", res.Issues)
	}
}

func TestValidateAPIContracts(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(3))
	ic := NewIntegrityChecker(m, nil, nil)

	// Phase 1 declares the routes, establishing contracts.
	recordFiles(t, m, 1, GeneratedFile{
		Path:    "server/routes.ts",
		Content: "app.get('/api/tasks/:id', show)\napp.get('/api/tasks', list)\n",
	})
	// Phase 2 calls a covered endpoint with a concrete id.
	recordFiles(t, m, 2, GeneratedFile{
		Path:    "src/client.ts",
		Content: "await fetch('/api/tasks/7');\n",
	})

	res := ic.ValidateAPIContracts()
	if !res.Passed {
		t.Fatalf("covered call flagged: %+v", res.Violations)
	}

	// Phase 3 calls an endpoint no phase declared.
	recordFiles(t, m, 3, GeneratedFile{
		Path:    "src/other.ts",
		Content: "await fetch('/api/unknown');\n",
	})
	res = ic.ValidateAPIContracts()
	if res.Passed {
		t.Fatalf("expected a contract violation")
	}
	if len(res.Violations) != 1 || res.Violations[0].Endpoint != "/api/unknown" {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestVerifyArchitectureImplementation(t *testing.T) {
	plan := scriptedPlan(2)
	plan.Concept = &AppConcept{
		Name: "Test",
		ArchitectureSpec: &ArchitectureSpec{
			ExpectedFiles:      []string{"src/app.ts", "src/missing.ts"},
			ExpectedComponents: []string{"App", "Ghost"},
		},
	}
	m := NewExecutionManager(plan)
	ic := NewIntegrityChecker(m, nil, nil)
	recordFiles(t, m, 1, GeneratedFile{Path: "src/app.ts", Content: "export const App = () => null;"})

	report := ic.VerifyArchitectureImplementation()
	if report.Passed {
		t.Fatalf("expected missing expectations to fail")
	}
	if len(report.MissingFiles) != 1 || report.MissingFiles[0] != "src/missing.ts" {
		t.Fatalf("missing files = %v", report.MissingFiles)
	}
	if len(report.MissingComponents) != 1 || report.MissingComponents[0] != "Ghost" {
		t.Fatalf("missing components = %v", report.MissingComponents)
	}
}

func TestIntegrityChecksWithoutCollaboratorsPass(t *testing.T) {
	m := NewExecutionManager(scriptedPlan(2))
	ic := NewIntegrityChecker(m, nil, nil)

	if res := ic.RunPhaseTypeCheck(context.Background()); !res.Passed {
		t.Fatalf("type check without collaborator must pass")
	}
	if res := ic.RunRegressionTests(context.Background()); !res.Passed {
		t.Fatalf("test run without collaborator must pass")
	}
}
