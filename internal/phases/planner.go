package phases

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"phaseforge/internal/logging"
)

// PhasePlanner builds an ordered DynamicPhasePlan from an AppConcept,
// grouping and splitting features into phases under token/count budgets
// and computing inter-phase dependencies.
type PhasePlanner struct {
	classifier *FeatureClassifier
	extractor  *ContextExtractor
	tokens     *TokenCounter
}

// NewPhasePlanner creates a planner with default classifier and extractor.
func NewPhasePlanner() *PhasePlanner {
	return &PhasePlanner{
		classifier: NewFeatureClassifier(),
		extractor:  NewContextExtractor(),
		tokens:     NewTokenCounter(),
	}
}

// Token estimation constants. Phase overhead covers scaffolding, wiring,
// and prompt framing outside individual features.
const (
	phaseTokenOverhead    = 6000
	simpleFeatureTokens   = 4500
	complexFeatureTokens  = 12000
	setupPhaseTokens      = 9000
	polishPhaseTokens     = 8000
	tokensPerMinute       = 2500
	descriptionTokenScale = 8
)

// phaseDraft is a phase under construction, before numbering.
type phaseDraft struct {
	name        string
	description string
	domain      FeatureDomain
	features    []Feature
	isComplex   bool
	pinned      bool // setup/polish, excluded from merge and split
}

// GeneratePhasePlan decomposes the concept into an ordered phase plan.
// It never panics and never returns a nil result; failures and anomalies
// are reported through the result's Errors and Warnings.
func (p *PhasePlanner) GeneratePhasePlan(concept *AppConcept, config PlannerConfig) *PlanResult {
	result := &PlanResult{}

	if concept == nil {
		result.Errors = append(result.Errors, "app concept is required")
		return result
	}
	cfg := config.normalized()

	analysis := &PlanAnalysis{
		FeatureCount: len(concept.Features),
		DomainCounts: make(map[FeatureDomain]int),
	}
	result.Analysis = analysis

	// Classify every feature up front.
	type classified struct {
		feature Feature
		domain  FeatureDomain
		complex bool
	}
	classifiedFeatures := make([]classified, 0, len(concept.Features))
	for _, f := range concept.Features {
		domain, isComplex := p.classifier.Classify(f)
		analysis.DomainCounts[domain]++
		if isComplex {
			analysis.ComplexFeatures = append(analysis.ComplexFeatures, f.Name)
		}
		classifiedFeatures = append(classifiedFeatures, classified{feature: f, domain: domain, complex: isComplex})
	}

	// Setup always leads.
	drafts := []*phaseDraft{{
		name:        "Project Setup",
		description: fmt.Sprintf("Scaffold %s: project structure, configuration, base layout, and routing.", displayAppName(concept)),
		domain:      DomainSetup,
		pinned:      true,
	}}

	// Complex features get isolated phases; simple features group by
	// domain under the feature and token budgets.
	grouped := make(map[FeatureDomain][]*phaseDraft)
	for _, cf := range classifiedFeatures {
		if cf.complex {
			drafts = append(drafts, &phaseDraft{
				name:        cf.feature.Name,
				description: cf.feature.Description,
				domain:      cf.domain,
				features:    []Feature{cf.feature},
				isComplex:   true,
			})
			continue
		}

		buckets := grouped[cf.domain]
		var target *phaseDraft
		if len(buckets) > 0 {
			last := buckets[len(buckets)-1]
			if len(last.features) < cfg.MaxFeaturesPerPhase &&
				p.estimateFeatureTokens(last.features)+p.featureTokens(cf.feature, false) <= cfg.TargetTokensPerPhase {
				target = last
			}
		}
		if target == nil {
			target = &phaseDraft{domain: cf.domain}
			grouped[cf.domain] = append(grouped[cf.domain], target)
			drafts = append(drafts, target)
		}
		target.features = append(target.features, cf.feature)
	}

	// Name grouped phases from their contents.
	for _, d := range drafts {
		if d.pinned || d.isComplex {
			continue
		}
		d.name = groupPhaseName(d.domain, d.features)
		d.description = groupPhaseDescription(d.domain, d.features)
	}

	// Polish/testing always trails.
	drafts = append(drafts, &phaseDraft{
		name:        "Polish & Testing",
		description: "Final integration pass, visual polish, error states, and end-to-end verification of all features.",
		domain:      DomainPolish,
		pinned:      true,
	})

	// Stable domain ordering between the pinned ends.
	middle := drafts[1 : len(drafts)-1]
	sort.SliceStable(middle, func(i, j int) bool {
		return domainRank(middle[i].domain) < domainRank(middle[j].domain)
	})

	drafts, splitWarnings := p.splitOversized(drafts, cfg, analysis)
	result.Warnings = append(result.Warnings, splitWarnings...)

	drafts, mergeWarnings := p.clampPhaseCount(drafts, cfg, analysis)
	result.Warnings = append(result.Warnings, mergeWarnings...)

	// Materialize the numbered plan.
	now := time.Now().UTC()
	plan := &DynamicPhasePlan{
		ID:                      uuid.New().String(),
		AppName:                 displayAppName(concept),
		AppDescription:          concept.Description,
		Concept:                 concept,
		Complexity:              p.rateComplexity(len(concept.Features), len(analysis.DomainCounts)),
		CurrentPhaseNumber:      1,
		CompletedPhaseNumbers:   []int{},
		FailedPhaseNumbers:      []int{},
		AccumulatedFiles:        []string{},
		AccumulatedFilesRich:    []AccumulatedFile{},
		AccumulatedFeatures:     []string{},
		AccumulatedFeaturesRich: []AccumulatedFeature{},
		EstablishedPatterns:     []string{},
		APIContracts:            []APIContract{},
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	for i, d := range drafts {
		phase := &DynamicPhase{
			Number:       i + 1,
			Name:         d.name,
			Description:  d.description,
			Domain:       d.domain,
			FeatureNames: featureNames(d.features),
			Status:       PhasePending,
		}
		phase.EstimatedTokens = p.estimatePhaseTokens(d)
		phase.EstimatedMinutes = estimateMinutes(phase.EstimatedTokens)
		phase.TestCriteria = p.deriveTestCriteria(d, concept)
		p.extractor.EnhancePhaseWithContext(phase, concept)
		plan.Phases = append(plan.Phases, phase)
		plan.TotalEstimatedTokens += phase.EstimatedTokens
		plan.TotalEstimatedMinutes += phase.EstimatedMinutes
	}
	plan.TotalPhases = len(plan.Phases)

	p.computeDependencies(plan)

	if err := validatePlanInvariants(plan); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	logging.S().Infow("Planner: generated phase plan",
		"plan_id", plan.ID,
		"phases", plan.TotalPhases,
		"complexity", plan.Complexity,
		"estimated_tokens", plan.TotalEstimatedTokens,
	)

	result.Success = true
	result.Plan = plan
	return result
}

// splitOversized divides phases whose token estimate exceeds
// MaxTokensPerPhase, feature count and phase ceiling permitting. Halves
// never drop below MinFeaturesPerPhase. An oversized phase that cannot
// split degrades to a warning.
func (p *PhasePlanner) splitOversized(drafts []*phaseDraft, cfg PlannerConfig, analysis *PlanAnalysis) ([]*phaseDraft, []string) {
	warnings := make([]string, 0)
	for i := 0; i < len(drafts); i++ {
		d := drafts[i]
		if d.pinned || p.estimatePhaseTokens(d) <= cfg.MaxTokensPerPhase {
			continue
		}
		if len(d.features) < 2*cfg.MinFeaturesPerPhase {
			warnings = append(warnings, fmt.Sprintf("phase %q exceeds %d tokens but has too few features to split", d.name, cfg.MaxTokensPerPhase))
			continue
		}
		if len(drafts) >= cfg.MaxPhases {
			warnings = append(warnings, fmt.Sprintf("phase %q exceeds %d tokens but the plan is at %d phases", d.name, cfg.MaxTokensPerPhase, cfg.MaxPhases))
			continue
		}
		first, second := splitDraft(d)
		drafts = append(drafts[:i], append([]*phaseDraft{first, second}, drafts[i+1:]...)...)
		analysis.SplitPhases++
		// Re-examine from the first half: it may still be oversized.
		i--
	}
	return drafts, warnings
}

// splitDraft halves a multi-feature draft, renaming both halves from
// their contents.
func splitDraft(d *phaseDraft) (*phaseDraft, *phaseDraft) {
	half := len(d.features) / 2
	first := &phaseDraft{
		domain:   d.domain,
		features: append([]Feature{}, d.features[:half]...),
	}
	second := &phaseDraft{
		domain:   d.domain,
		features: append([]Feature{}, d.features[half:]...),
	}
	first.name = groupPhaseName(first.domain, first.features)
	first.description = groupPhaseDescription(first.domain, first.features)
	second.name = groupPhaseName(second.domain, second.features)
	second.description = groupPhaseDescription(second.domain, second.features)
	return first, second
}

// clampPhaseCount merges or splits phases to land in [MinPhases, MaxPhases].
// Over the max, the adjacent non-pinned pair with the smallest combined
// token estimate merges first; pairs without a complex-isolated member are
// preferred. Under the min, the largest splittable phase halves, with
// MinFeaturesPerPhase as the floor for each half.
// Both are deterministic; impossibility degrades to a warning.
func (p *PhasePlanner) clampPhaseCount(drafts []*phaseDraft, cfg PlannerConfig, analysis *PlanAnalysis) ([]*phaseDraft, []string) {
	warnings := make([]string, 0)

	for len(drafts) > cfg.MaxPhases {
		idx := p.smallestAdjacentPair(drafts, true)
		if idx < 0 {
			idx = p.smallestAdjacentPair(drafts, false)
		}
		if idx < 0 {
			warnings = append(warnings, fmt.Sprintf("cannot merge below %d phases (max %d)", len(drafts), cfg.MaxPhases))
			break
		}
		a, b := drafts[idx], drafts[idx+1]
		merged := &phaseDraft{
			name:        a.name + " + " + b.name,
			description: a.description + "\n" + b.description,
			domain:      a.domain,
			features:    append(append([]Feature{}, a.features...), b.features...),
			isComplex:   a.isComplex || b.isComplex,
		}
		drafts = append(drafts[:idx], append([]*phaseDraft{merged}, drafts[idx+2:]...)...)
		analysis.MergedPhases++
	}

	for len(drafts) < cfg.MinPhases {
		idx := -1
		most := 2*cfg.MinFeaturesPerPhase - 1
		for i, d := range drafts {
			if d.pinned {
				continue
			}
			if len(d.features) > most {
				most = len(d.features)
				idx = i
			}
		}
		if idx < 0 {
			warnings = append(warnings, fmt.Sprintf("only %d phases available (min %d); nothing to split", len(drafts), cfg.MinPhases))
			break
		}
		first, second := splitDraft(drafts[idx])
		drafts = append(drafts[:idx], append([]*phaseDraft{first, second}, drafts[idx+1:]...)...)
		analysis.SplitPhases++
	}

	return drafts, warnings
}

// smallestAdjacentPair finds the mergeable adjacent pair with the lowest
// combined token estimate. When avoidComplex is set, pairs containing a
// complex-isolated phase are skipped.
func (p *PhasePlanner) smallestAdjacentPair(drafts []*phaseDraft, avoidComplex bool) int {
	best := -1
	bestTokens := 0
	for i := 0; i+1 < len(drafts); i++ {
		a, b := drafts[i], drafts[i+1]
		if a.pinned || b.pinned {
			continue
		}
		if avoidComplex && (a.isComplex || b.isComplex) {
			continue
		}
		combined := p.estimatePhaseTokens(a) + p.estimatePhaseTokens(b)
		if best < 0 || combined < bestTokens {
			best = i
			bestTokens = combined
		}
	}
	return best
}

// computeDependencies assigns each phase its backward-only dependency set:
// for every domain a phase's text references, the most recent prior phase
// of that domain. Non-setup phases with no textual reference depend on the
// setup phase so execution order is always anchored.
func (p *PhasePlanner) computeDependencies(plan *DynamicPhasePlan) {
	for i, phase := range plan.Phases {
		if i == 0 {
			phase.DependsOn = []int{}
			continue
		}

		text := strings.ToLower(phase.Name + " " + phase.Description + " " + strings.Join(phase.FeatureNames, " "))
		deps := make([]int, 0, 2)

		for _, prior := range plan.Phases[:i] {
			// A same-domain predecessor is always a continuation point;
			// otherwise only textual references create an edge. Either way
			// the most recent phase per domain wins.
			if prior.Domain == phase.Domain || referencesDomain(text, prior.Domain) {
				deps = replaceDomainDep(deps, plan, prior)
			}
		}

		if len(deps) == 0 {
			deps = []int{plan.Phases[0].Number}
		}
		sort.Ints(deps)
		phase.DependsOn = deps
	}

	// Polish depends on everything built before it, expressed as the
	// immediately preceding phase.
	if n := len(plan.Phases); n >= 2 {
		last := plan.Phases[n-1]
		if last.Domain == DomainPolish {
			last.DependsOn = []int{plan.Phases[n-2].Number}
		}
	}
}

// replaceDomainDep keeps at most one dependency per domain, preferring the
// most recent phase.
func replaceDomainDep(deps []int, plan *DynamicPhasePlan, candidate *DynamicPhase) []int {
	for i, depNum := range deps {
		if dep := plan.PhaseByNumber(depNum); dep != nil && dep.Domain == candidate.Domain {
			if candidate.Number > depNum {
				deps[i] = candidate.Number
			}
			return deps
		}
	}
	return append(deps, candidate.Number)
}

// referencesDomain reports whether text mentions a keyword of the domain.
func referencesDomain(loweredText string, domain FeatureDomain) bool {
	if strings.Contains(loweredText, string(domain)) {
		return true
	}
	for _, kw := range domainKeywords[domain] {
		if strings.Contains(loweredText, kw) {
			return true
		}
	}
	return false
}

// validatePlanInvariants checks construction invariants: contiguous 1..N
// numbering, strictly backward dependencies, setup has none.
func validatePlanInvariants(plan *DynamicPhasePlan) error {
	if len(plan.Phases) == 0 {
		return fmt.Errorf("%w: plan has no phases", ErrPlanning)
	}
	for i, phase := range plan.Phases {
		if phase.Number != i+1 {
			return fmt.Errorf("%w: phase at index %d numbered %d", ErrPlanning, i, phase.Number)
		}
		for _, dep := range phase.DependsOn {
			if dep >= phase.Number || dep < 1 {
				return fmt.Errorf("%w: phase %d has invalid dependency %d", ErrPlanning, phase.Number, dep)
			}
		}
	}
	if len(plan.Phases[0].DependsOn) != 0 {
		return fmt.Errorf("%w: setup phase must have no dependencies", ErrPlanning)
	}
	return nil
}

func (p *PhasePlanner) estimatePhaseTokens(d *phaseDraft) int {
	switch d.domain {
	case DomainSetup:
		return setupPhaseTokens
	case DomainPolish:
		return polishPhaseTokens
	}
	return phaseTokenOverhead + p.estimateFeatureTokens(d.features)
}

func (p *PhasePlanner) estimateFeatureTokens(features []Feature) int {
	total := 0
	for _, f := range features {
		_, isComplex := p.classifier.Classify(f)
		total += p.featureTokens(f, isComplex)
	}
	return total
}

func (p *PhasePlanner) featureTokens(f Feature, isComplex bool) int {
	base := simpleFeatureTokens
	if isComplex {
		base = complexFeatureTokens
	}
	return base + p.tokens.Count(f.Name+" "+f.Description)*descriptionTokenScale
}

func estimateMinutes(tokens int) int {
	minutes := tokens / tokensPerMinute
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// rateComplexity derives the overall rating from feature count and domain
// diversity.
func (p *PhasePlanner) rateComplexity(featureCount, domainCount int) PlanComplexity {
	switch {
	case featureCount <= 3 && domainCount <= 2:
		return ComplexitySimple
	case featureCount <= 8 && domainCount <= 4:
		return ComplexityModerate
	case featureCount <= 15:
		return ComplexityComplex
	default:
		return ComplexityEnterprise
	}
}

// deriveTestCriteria combines extracted acceptance criteria with a default
// per-domain criterion so every phase is verifiable.
func (p *PhasePlanner) deriveTestCriteria(d *phaseDraft, concept *AppConcept) []string {
	criteria := p.extractor.ExtractAcceptanceCriteria(concept.ConversationContext, d.domain)
	if len(criteria) > 4 {
		criteria = criteria[:4]
	}
	switch d.domain {
	case DomainSetup:
		criteria = append(criteria, "App boots with base layout and navigation rendering")
	case DomainPolish:
		criteria = append(criteria, "All prior phase features function end to end without console errors")
	default:
		for _, f := range d.features {
			criteria = append(criteria, fmt.Sprintf("%s works as described", f.Name))
		}
	}
	return criteria
}

func featureNames(features []Feature) []string {
	names := make([]string, 0, len(features))
	for _, f := range features {
		names = append(names, f.Name)
	}
	return names
}

var domainPhaseTitles = map[FeatureDomain]string{
	DomainDatabase:     "Data Layer",
	DomainAuth:         "Authentication",
	DomainCoreEntity:   "Core Entities",
	DomainFeature:      "Features",
	DomainUIComponent:  "UI Components",
	DomainIntegration:  "Integrations",
	DomainRealtime:     "Real-Time",
	DomainStorage:      "File Storage",
	DomainNotification: "Notifications",
	DomainOffline:      "Offline Support",
	DomainSearch:       "Search & Filtering",
	DomainAnalytics:    "Analytics",
	DomainAdmin:        "Admin Tools",
	DomainUIRole:       "Role Views",
	DomainTesting:      "Testing",
}

func groupPhaseName(domain FeatureDomain, features []Feature) string {
	title := domainPhaseTitles[domain]
	if title == "" {
		title = "Features"
	}
	if len(features) == 1 {
		return title + ": " + features[0].Name
	}
	return title
}

func groupPhaseDescription(domain FeatureDomain, features []Feature) string {
	parts := make([]string, 0, len(features))
	for _, f := range features {
		if f.Description != "" {
			parts = append(parts, f.Name+": "+f.Description)
		} else {
			parts = append(parts, f.Name)
		}
	}
	title := domainPhaseTitles[domain]
	if title == "" {
		title = "feature"
	}
	return fmt.Sprintf("Implement %s functionality. %s", strings.ToLower(title), strings.Join(parts, " "))
}

func displayAppName(concept *AppConcept) string {
	if strings.TrimSpace(concept.Name) != "" {
		return concept.Name
	}
	return "Untitled App"
}
