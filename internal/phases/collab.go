package phases

import "context"

// CodeGenerator is the external generation collaborator. Given a phase
// execution context it returns the raw generation payload, either the
// structured JSON format or legacy delimited text.
type CodeGenerator interface {
	GeneratePhase(ctx context.Context, execCtx *PhaseExecutionContext) (string, error)
}

// ReviewStrictness controls how aggressively the reviewer flags issues
type ReviewStrictness string

const (
	StrictnessLenient  ReviewStrictness = "lenient"
	StrictnessStandard ReviewStrictness = "standard"
	StrictnessStrict   ReviewStrictness = "strict"
)

// QualityFinding is one issue reported by the reviewer
type QualityFinding struct {
	File     string `json:"file"`
	Severity string `json:"severity"` // error, warning, info
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

// QualityReport is the reviewer's verdict over a set of files
type QualityReport struct {
	Passed        bool             `json:"passed"`
	Score         int              `json:"score"` // 0-100
	Findings      []QualityFinding `json:"findings,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	PhaseNumber   int              `json:"phase_number,omitempty"` // 0 for whole-build review
	Strictness    ReviewStrictness `json:"strictness"`
	ModifiedFiles []GeneratedFile  `json:"modified_files,omitempty"` // auto-fixes
}

// QualityReviewer is the external review collaborator.
type QualityReviewer interface {
	Review(ctx context.Context, files []AccumulatedFile, contents map[string]string, strictness ReviewStrictness) (*QualityReport, error)
}

// TypeCheckIssue is one structural type problem found across phases
type TypeCheckIssue struct {
	TypeName string `json:"type_name"`
	FileA    string `json:"file_a"`
	FileB    string `json:"file_b"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// TypeCheckResult is the structural type checker's verdict
type TypeCheckResult struct {
	Passed bool             `json:"passed"`
	Issues []TypeCheckIssue `json:"issues,omitempty"`
}

// TypeChecker is the external structural type-check collaborator.
type TypeChecker interface {
	CheckTypes(ctx context.Context, files []AccumulatedFile, contents map[string]string) (*TypeCheckResult, error)
}

// TestScope selects which accumulated files a test run covers
type TestScope struct {
	PhaseNumber int  `json:"phase_number,omitempty"` // single phase when set
	Regression  bool `json:"regression"`             // everything completed so far
}

// TestFailure is one failed test case
type TestFailure struct {
	Name    string `json:"name"`
	File    string `json:"file,omitempty"`
	Message string `json:"message"`
}

// TestRunResult is the test collaborator's structured outcome
type TestRunResult struct {
	Passed   bool          `json:"passed"`
	Ran      int           `json:"ran"`
	Failures []TestFailure `json:"failures,omitempty"`
}

// TestRunner is the external test execution collaborator.
type TestRunner interface {
	RunTests(ctx context.Context, scope TestScope, files []AccumulatedFile, contents map[string]string) (*TestRunResult, error)
}
