package phases

import (
	"errors"
	"fmt"
)

// Sentinel errors for the integrity/execution taxonomy. Callers match with
// errors.Is; the structured check results carry the detail.
var (
	ErrPlanning          = errors.New("planning error")
	ErrGenerationFailure = errors.New("generation failure")
	ErrConflictDetected  = errors.New("file conflict detected")
	ErrTypeIncompatible  = errors.New("type incompatibility")
	ErrContractViolation = errors.New("api contract violation")
	ErrRegressionFailure = errors.New("regression failure")
	ErrIntegrityCheck    = errors.New("integrity check error")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrPhaseNotPending   = errors.New("phase is not pending")
	ErrSessionActive     = errors.New("build session already active")
)

// PhaseNotFoundError indicates caller misuse: a phase number outside the
// plan was requested. It is the only error the execution context builder
// returns.
type PhaseNotFoundError struct {
	PhaseNumber int
}

func (e *PhaseNotFoundError) Error() string {
	return fmt.Sprintf("phase %d not found in plan", e.PhaseNumber)
}

// IsPhaseNotFound reports whether err is a PhaseNotFoundError.
func IsPhaseNotFound(err error) bool {
	var pnf *PhaseNotFoundError
	return errors.As(err, &pnf)
}
