// Package phases implements dynamic phase planning and execution
// orchestration for AI-driven app builds. It decomposes an app concept into
// ordered, dependency-respecting build phases, hands each phase to an
// external code generator, and tracks cross-phase consistency with rollback
// support.
package phases

import (
	"time"
)

// FeatureDomain is the closed set of categorical tags used to group
// features into phases.
type FeatureDomain string

const (
	DomainSetup        FeatureDomain = "setup"
	DomainDatabase     FeatureDomain = "database"
	DomainAuth         FeatureDomain = "auth"
	DomainCoreEntity   FeatureDomain = "core-entity"
	DomainFeature      FeatureDomain = "feature"
	DomainUIComponent  FeatureDomain = "ui-component"
	DomainIntegration  FeatureDomain = "integration"
	DomainRealtime     FeatureDomain = "real-time"
	DomainStorage      FeatureDomain = "storage"
	DomainNotification FeatureDomain = "notification"
	DomainOffline      FeatureDomain = "offline"
	DomainSearch       FeatureDomain = "search"
	DomainAnalytics    FeatureDomain = "analytics"
	DomainAdmin        FeatureDomain = "admin"
	DomainUIRole       FeatureDomain = "ui-role"
	DomainTesting      FeatureDomain = "testing"
	DomainPolish       FeatureDomain = "polish"
)

// domainPriority is the fixed tie-break order used by the classifier and
// by phase ordering. Earlier entries win ties and build earlier.
var domainPriority = []FeatureDomain{
	DomainSetup,
	DomainDatabase,
	DomainAuth,
	DomainCoreEntity,
	DomainFeature,
	DomainUIComponent,
	DomainIntegration,
	DomainRealtime,
	DomainStorage,
	DomainNotification,
	DomainOffline,
	DomainSearch,
	DomainAnalytics,
	DomainAdmin,
	DomainUIRole,
	DomainTesting,
	DomainPolish,
}

// PhaseStatus represents the lifecycle state of a single phase
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// PlanComplexity is the overall complexity rating of a plan
type PlanComplexity string

const (
	ComplexitySimple     PlanComplexity = "simple"
	ComplexityModerate   PlanComplexity = "moderate"
	ComplexityComplex    PlanComplexity = "complex"
	ComplexityEnterprise PlanComplexity = "enterprise"
)

// Feature is one requested capability of the app being built
type Feature struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    string `json:"priority"` // high, medium, low
}

// DataModel describes one data structure the app needs
type DataModel struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"` // field_name: type
}

// TechStack holds the technology choices for the generated app
type TechStack struct {
	Frontend string   `json:"frontend,omitempty"`
	Backend  string   `json:"backend,omitempty"`
	Database string   `json:"database,omitempty"`
	Styling  string   `json:"styling,omitempty"`
	Realtime bool     `json:"realtime,omitempty"`
	Extras   []string `json:"extras,omitempty"`
}

// AppConcept is the immutable input produced by the planning collaborator.
// It describes what the user wants built.
type AppConcept struct {
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	Purpose             string            `json:"purpose,omitempty"`
	Features            []Feature         `json:"features"`
	Pages               []string          `json:"pages,omitempty"`
	TechStack           *TechStack        `json:"tech_stack,omitempty"`
	DataModels          []DataModel       `json:"data_models,omitempty"`
	Workflows           []string          `json:"workflows,omitempty"`
	Roles               []string          `json:"roles,omitempty"`
	UIPreferences       map[string]string `json:"ui_preferences,omitempty"`
	LayoutSpec          string            `json:"layout_spec,omitempty"`
	ArchitectureSpec    *ArchitectureSpec `json:"architecture_spec,omitempty"`
	ConversationContext string            `json:"conversation_context,omitempty"`
}

// ArchitectureSpec declares files/components the generated app is expected
// to contain, verified after the build by the integrity checker.
type ArchitectureSpec struct {
	ExpectedFiles      []string `json:"expected_files,omitempty"`
	ExpectedComponents []string `json:"expected_components,omitempty"`
}

// DynamicPhase is one unit of incremental code generation
type DynamicPhase struct {
	Number           int           `json:"number"` // 1-based, contiguous
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	Domain           FeatureDomain `json:"domain"`
	FeatureNames     []string      `json:"feature_names"`
	DependsOn        []int         `json:"depends_on"` // phase numbers, all < Number
	EstimatedTokens  int           `json:"estimated_tokens"`
	EstimatedMinutes int           `json:"estimated_minutes"`
	TestCriteria     []string      `json:"test_criteria,omitempty"`
	Status           PhaseStatus   `json:"status"`

	// Populated during execution
	GeneratedCode       string     `json:"generated_code,omitempty"`
	BuiltFiles          []string   `json:"built_files,omitempty"`
	BuiltSummary        string     `json:"built_summary,omitempty"`
	Errors              []string   `json:"errors,omitempty"`
	ConceptContext      string     `json:"concept_context,omitempty"`
	ArchitectureContext string     `json:"architecture_context,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// AccumulatedFile is the rich, analyzed record of one generated file
type AccumulatedFile struct {
	Path        string   `json:"path"`
	Purpose     string   `json:"purpose,omitempty"`
	Exports     []string `json:"exports,omitempty"`
	Endpoints   []string `json:"endpoints,omitempty"`
	PhaseNumber int      `json:"phase_number"`
	SHA256      string   `json:"sha256,omitempty"`
}

// AccumulatedFeature tracks a feature's implementation across phases
type AccumulatedFeature struct {
	Name              string   `json:"name"`
	Status            string   `json:"status"` // complete, partial
	ImplementingFiles []string `json:"implementing_files,omitempty"`
	HasTests          bool     `json:"has_tests"`
	PhaseNumber       int      `json:"phase_number"`
}

// APIContract records an endpoint declared by a completed phase
type APIContract struct {
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	PhaseNumber int    `json:"phase_number"`
}

// DynamicPhasePlan is the complete ordered build plan for one app concept.
// It is fully JSON-serializable; internal maps (file versions, snapshots)
// are re-derived from the denormalized arrays on reload.
type DynamicPhasePlan struct {
	ID             string          `json:"id"`
	AppName        string          `json:"app_name"`
	AppDescription string          `json:"app_description"`
	Concept        *AppConcept     `json:"concept,omitempty"`
	Phases         []*DynamicPhase `json:"phases"`
	TotalPhases    int             `json:"total_phases"`
	Complexity     PlanComplexity  `json:"complexity"`

	TotalEstimatedTokens  int `json:"total_estimated_tokens"`
	TotalEstimatedMinutes int `json:"total_estimated_minutes"`

	// Execution tracking
	CurrentPhaseNumber    int   `json:"current_phase_number"`
	CompletedPhaseNumbers []int `json:"completed_phase_numbers"`
	FailedPhaseNumbers    []int `json:"failed_phase_numbers"`

	// Accumulated state, denormalized for serialization
	AccumulatedFiles        []string             `json:"accumulated_files"`
	AccumulatedFilesRich    []AccumulatedFile    `json:"accumulated_files_rich"`
	AccumulatedFeatures     []string             `json:"accumulated_features"`
	AccumulatedFeaturesRich []AccumulatedFeature `json:"accumulated_features_rich"`
	EstablishedPatterns     []string             `json:"established_patterns"`
	APIContracts            []APIContract        `json:"api_contracts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseByNumber returns the phase with the given number, or nil.
func (p *DynamicPhasePlan) PhaseByNumber(n int) *DynamicPhase {
	for _, ph := range p.Phases {
		if ph.Number == n {
			return ph
		}
	}
	return nil
}

// PhaseSnapshot is a full copy of accumulated state captured after the
// given phase completed, used to roll back later phases.
type PhaseSnapshot struct {
	PhaseNumber             int                  `json:"phase_number"`
	CompletedPhaseNumbers   []int                `json:"completed_phase_numbers"`
	AccumulatedFiles        []string             `json:"accumulated_files"`
	AccumulatedFilesRich    []AccumulatedFile    `json:"accumulated_files_rich"`
	AccumulatedFeatures     []string             `json:"accumulated_features"`
	AccumulatedFeaturesRich []AccumulatedFeature `json:"accumulated_features_rich"`
	EstablishedPatterns     []string             `json:"established_patterns"`
	APIContracts            []APIContract        `json:"api_contracts"`
	FileVersions            map[string]string    `json:"file_versions"` // path -> content hash
	CapturedAt              time.Time            `json:"captured_at"`
}

// PhaseResult is the outcome of one external generation call for a phase
type PhaseResult struct {
	PhaseNumber         int      `json:"phase_number"`
	Success             bool     `json:"success"`
	GeneratedCode       string   `json:"generated_code,omitempty"`
	ImplementedFeatures []string `json:"implemented_features,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

// ConceptSummary is the trimmed view of the concept handed to the
// generation collaborator with each phase.
type ConceptSummary struct {
	Name          string            `json:"name"`
	Purpose       string            `json:"purpose,omitempty"`
	UIPreferences map[string]string `json:"ui_preferences,omitempty"`
	LayoutSpec    string            `json:"layout_spec,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	DataModels    []DataModel       `json:"data_models,omitempty"`
	Workflows     []string          `json:"workflows,omitempty"`
}

// SmartContext is an externally supplied context snapshot attached to the
// execution payload. It is cached by the manager and invalidated on every
// successful phase completion.
type SmartContext struct {
	Summary     string    `json:"summary"`
	KeySnippets []string  `json:"key_snippets,omitempty"`
	ForPhase    int       `json:"for_phase"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PhaseExecutionContext is the complete payload handed to the code
// generation collaborator for one phase.
type PhaseExecutionContext struct {
	PhaseNumber  int           `json:"phase_number"`
	PhaseName    string        `json:"phase_name"`
	Description  string        `json:"description"`
	Domain       FeatureDomain `json:"domain"`
	FeatureNames []string      `json:"feature_names"`
	TestCriteria []string      `json:"test_criteria,omitempty"`
	DependsOn    []int         `json:"depends_on,omitempty"`
	TotalPhases  int           `json:"total_phases"`
	IsFirstPhase bool          `json:"is_first_phase"`
	IsFinalPhase bool          `json:"is_final_phase"`

	Concept             *ConceptSummary      `json:"concept,omitempty"`
	AccumulatedFiles    []string             `json:"accumulated_files"`
	AccumulatedRich     []AccumulatedFile    `json:"accumulated_files_rich"`
	AccumulatedFeatures []AccumulatedFeature `json:"accumulated_features"`
	EstablishedPatterns []string             `json:"established_patterns"`
	APIContracts        []APIContract        `json:"api_contracts"`
	SmartContext        *SmartContext        `json:"smart_context,omitempty"`
}

// PlannerConfig controls phase decomposition. Zero values fall back to
// defaults; inconsistent bounds are clamped, never fatal.
type PlannerConfig struct {
	MaxTokensPerPhase    int `json:"max_tokens_per_phase"`
	TargetTokensPerPhase int `json:"target_tokens_per_phase"`
	MaxFeaturesPerPhase  int `json:"max_features_per_phase"`
	MinFeaturesPerPhase  int `json:"min_features_per_phase"`
	MinPhases            int `json:"min_phases"`
	MaxPhases            int `json:"max_phases"`
}

// DefaultPlannerConfig returns the standard planning budgets.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxTokensPerPhase:    60000,
		TargetTokensPerPhase: 35000,
		MaxFeaturesPerPhase:  4,
		MinFeaturesPerPhase:  1,
		MinPhases:            3,
		MaxPhases:            12,
	}
}

// normalized clamps the config into a usable shape.
func (c PlannerConfig) normalized() PlannerConfig {
	def := DefaultPlannerConfig()
	if c.MaxTokensPerPhase <= 0 {
		c.MaxTokensPerPhase = def.MaxTokensPerPhase
	}
	if c.TargetTokensPerPhase <= 0 {
		c.TargetTokensPerPhase = def.TargetTokensPerPhase
	}
	if c.TargetTokensPerPhase > c.MaxTokensPerPhase {
		c.TargetTokensPerPhase = c.MaxTokensPerPhase
	}
	if c.MaxFeaturesPerPhase <= 0 {
		c.MaxFeaturesPerPhase = def.MaxFeaturesPerPhase
	}
	if c.MinFeaturesPerPhase <= 0 {
		c.MinFeaturesPerPhase = def.MinFeaturesPerPhase
	}
	if c.MinFeaturesPerPhase > c.MaxFeaturesPerPhase {
		c.MinFeaturesPerPhase = c.MaxFeaturesPerPhase
	}
	if c.MinPhases <= 0 {
		c.MinPhases = def.MinPhases
	}
	if c.MaxPhases <= 0 {
		c.MaxPhases = def.MaxPhases
	}
	if c.MinPhases > c.MaxPhases {
		c.MinPhases = c.MaxPhases
	}
	return c
}

// PlanAnalysis reports how the planner arrived at a plan
type PlanAnalysis struct {
	FeatureCount    int                   `json:"feature_count"`
	ComplexFeatures []string              `json:"complex_features,omitempty"`
	DomainCounts    map[FeatureDomain]int `json:"domain_counts,omitempty"`
	MergedPhases    int                   `json:"merged_phases"`
	SplitPhases     int                   `json:"split_phases"`
}

// PlanResult is the outcome of GeneratePhasePlan. Planning never panics;
// failures are reported through Errors.
type PlanResult struct {
	Success  bool              `json:"success"`
	Plan     *DynamicPhasePlan `json:"plan,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
	Analysis *PlanAnalysis     `json:"analysis,omitempty"`
}
