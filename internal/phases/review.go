package phases

import (
	"context"
	"fmt"
	"sync"

	"phaseforge/internal/logging"
)

// finalReviewKey is the sentinel cache key for the whole-build review.
const finalReviewKey = 0

// QualityReviewCoordinator delegates accumulated files to an external
// reviewer, merges auto-fixes back into accumulated state, and caches the
// resulting reports keyed by phase number.
type QualityReviewCoordinator struct {
	mu       sync.RWMutex
	manager  *ExecutionManager
	reviewer QualityReviewer
	reports  map[int]*QualityReport
}

// NewQualityReviewCoordinator wires a coordinator to a manager and an
// external reviewer.
func NewQualityReviewCoordinator(manager *ExecutionManager, reviewer QualityReviewer) *QualityReviewCoordinator {
	return &QualityReviewCoordinator{
		manager:  manager,
		reviewer: reviewer,
		reports:  make(map[int]*QualityReport),
	}
}

// RunPhaseQualityReview reviews the accumulated state as of a phase and
// caches the report under that phase number.
func (qc *QualityReviewCoordinator) RunPhaseQualityReview(ctx context.Context, phaseNumber int, strictness ReviewStrictness) (*QualityReport, error) {
	if qc.manager.Plan().PhaseByNumber(phaseNumber) == nil {
		return nil, &PhaseNotFoundError{PhaseNumber: phaseNumber}
	}
	return qc.runReview(ctx, phaseNumber, strictness)
}

// RunFinalQualityReview reviews the whole build and caches the report
// under the final-review sentinel key.
func (qc *QualityReviewCoordinator) RunFinalQualityReview(ctx context.Context, strictness ReviewStrictness) (*QualityReport, error) {
	return qc.runReview(ctx, finalReviewKey, strictness)
}

func (qc *QualityReviewCoordinator) runReview(ctx context.Context, key int, strictness ReviewStrictness) (*QualityReport, error) {
	if qc.reviewer == nil {
		return nil, fmt.Errorf("no quality reviewer configured")
	}
	if strictness == "" {
		strictness = StrictnessStandard
	}

	plan := qc.manager.Plan()
	report, err := qc.reviewer.Review(ctx, plan.AccumulatedFilesRich, qc.manager.FileContents(), strictness)
	if err != nil {
		return nil, fmt.Errorf("quality review failed: %w", err)
	}
	report.PhaseNumber = key
	report.Strictness = strictness

	// Auto-fixed files merge back into accumulated state, attributed to
	// the phase that last owned each path.
	if len(report.ModifiedFiles) > 0 {
		qc.mergeAutoFixes(report.ModifiedFiles)
	}

	qc.mu.Lock()
	qc.reports[key] = report
	qc.mu.Unlock()

	logging.S().Infow("Review: quality report ready",
		"plan_id", plan.ID,
		"phase", key,
		"score", report.Score,
		"passed", report.Passed,
		"auto_fixes", len(report.ModifiedFiles),
	)
	return report, nil
}

func (qc *QualityReviewCoordinator) mergeAutoFixes(fixes []GeneratedFile) {
	m := qc.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fix := range fixes {
		owner := 0
		for _, existing := range m.plan.AccumulatedFilesRich {
			if existing.Path == fix.Path {
				owner = existing.PhaseNumber
				break
			}
		}
		if owner == 0 {
			// Reviewer introduced a brand-new file; attribute it to the
			// most recent completed phase.
			if n := len(m.plan.CompletedPhaseNumbers); n > 0 {
				owner = m.plan.CompletedPhaseNumbers[n-1]
			} else {
				owner = 1
			}
		}
		record := m.analyzer.analyzeFile(fix, owner)
		m.fileContents[fix.Path] = fix.Content
		m.fileWrites[fix.Path] = append(m.fileWrites[fix.Path], fileWrite{
			PhaseNumber: owner,
			SHA256:      record.SHA256,
			Content:     fix.Content,
		})
		m.mergeAccumulatedFile(record)
	}
	m.syncPlanStateLocked()
}

// GetReport returns the cached report for a phase, or nil.
func (qc *QualityReviewCoordinator) GetReport(phaseNumber int) *QualityReport {
	qc.mu.RLock()
	defer qc.mu.RUnlock()
	return qc.reports[phaseNumber]
}

// GetFinalReport returns the cached whole-build report, or nil.
func (qc *QualityReviewCoordinator) GetFinalReport() *QualityReport {
	return qc.GetReport(finalReviewKey)
}
