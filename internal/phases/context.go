package phases

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// ContextExtractor mines free-text conversation history for
// domain-relevant snippets, user stories, acceptance criteria, and
// validation rules. All methods are pure and return empty structures on
// empty input.
type ContextExtractor struct{}

// NewContextExtractor creates a context extractor.
func NewContextExtractor() *ContextExtractor {
	return &ContextExtractor{}
}

const (
	maxContextChars      = 12000
	maxRelevantSections  = 8
	maxExtractedSpecs    = 10
	maxValidationRules   = 6
	contextTruncationMsg = "\n\n[Context truncated: conversation history exceeds the context budget]"
)

var (
	userStoryPattern  = regexp.MustCompile(`(?im)^\s*(?:-\s*)?as an? ([^,]+), i (?:want|need|should be able) to ([^.\n]+)`)
	acceptancePattern = regexp.MustCompile(`(?im)^\s*(?:-\s*)?(?:given|when|then|and) (.+)$`)
	criteriaPattern   = regexp.MustCompile(`(?im)(?:must|should|shall|needs? to) ([^.\n]{5,160})`)
	workflowPattern   = regexp.MustCompile(`(?im)^\s*(?:\d+[.)]|step \d+[:.]?)\s*(.+)$`)
	validationPattern = regexp.MustCompile(`(?im)(?:at (?:least|most)|minimum|maximum|max|min|between|no more than|up to|limit(?:ed)? to|required|unique|valid)\s+[^.\n]{2,120}`)
)

// ExtractRelevantContext returns the paragraphs of text most relevant to
// the given domain: each paragraph is scored by domain keyword hits, the
// top 8 are kept in score order, and the concatenation is capped at
// 12,000 characters with a truncation notice when exceeded.
func (ce *ContextExtractor) ExtractRelevantContext(text string, domain FeatureDomain) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	keywords := domainKeywords[domain]
	paragraphs := splitParagraphs(text)

	type scored struct {
		index int
		score int
		text  string
	}
	candidates := make([]scored, 0, len(paragraphs))
	for i, para := range paragraphs {
		lower := strings.ToLower(para)
		score := 0
		for _, kw := range keywords {
			score += strings.Count(lower, kw)
		}
		if score > 0 {
			candidates = append(candidates, scored{index: i, score: score, text: para})
		}
	}

	// Highest score first; original order breaks ties so output is stable.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})
	if len(candidates) > maxRelevantSections {
		candidates = candidates[:maxRelevantSections]
	}

	var b strings.Builder
	truncated := false
	for _, c := range candidates {
		if b.Len()+len(c.text)+2 > maxContextChars {
			truncated = true
			remaining := maxContextChars - b.Len()
			if remaining > 0 {
				b.WriteString(truncateAtWord(c.text, remaining))
			}
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.text)
	}

	out := b.String()
	if truncated {
		out += contextTruncationMsg
	}
	return out
}

// ExtractFeatureSpecs mines user stories and acceptance criteria relevant
// to a domain, deduplicated and capped.
func (ce *ContextExtractor) ExtractFeatureSpecs(text string, domain FeatureDomain) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	specs := make([]string, 0)
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		specs = append(specs, s)
	}

	relevant := ce.ExtractRelevantContext(text, domain)
	if relevant == "" {
		relevant = text
	}

	for _, m := range userStoryPattern.FindAllStringSubmatch(relevant, -1) {
		add("As a " + strings.TrimSpace(m[1]) + ", " + strings.TrimSpace(m[2]))
	}
	for _, m := range criteriaPattern.FindAllStringSubmatch(relevant, -1) {
		add("Must " + strings.TrimSpace(m[1]))
	}

	if len(specs) > maxExtractedSpecs {
		specs = specs[:maxExtractedSpecs]
	}
	return specs
}

// ExtractWorkflowSpecs mines numbered or step-prefixed workflow lines.
func (ce *ContextExtractor) ExtractWorkflowSpecs(text string, domain FeatureDomain) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	relevant := ce.ExtractRelevantContext(text, domain)
	if relevant == "" {
		relevant = text
	}

	steps := make([]string, 0)
	seen := make(map[string]bool)
	for _, m := range workflowPattern.FindAllStringSubmatch(relevant, -1) {
		step := strings.TrimSpace(m[1])
		if step == "" || seen[strings.ToLower(step)] {
			continue
		}
		seen[strings.ToLower(step)] = true
		steps = append(steps, step)
		if len(steps) >= maxExtractedSpecs {
			break
		}
	}
	return steps
}

// ExtractValidationRules mines numeric and constraint language (limits,
// required/unique fields, ranges) relevant to a domain.
func (ce *ContextExtractor) ExtractValidationRules(text string, domain FeatureDomain) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	relevant := ce.ExtractRelevantContext(text, domain)
	if relevant == "" {
		relevant = text
	}

	rules := make([]string, 0)
	seen := make(map[string]bool)
	for _, m := range validationPattern.FindAllString(relevant, -1) {
		rule := strings.TrimSpace(m)
		if rule == "" || seen[strings.ToLower(rule)] {
			continue
		}
		seen[strings.ToLower(rule)] = true
		rules = append(rules, rule)
		if len(rules) >= maxValidationRules {
			break
		}
	}
	return rules
}

// ExtractAcceptanceCriteria pulls given/when/then style lines for test
// criteria derivation.
func (ce *ContextExtractor) ExtractAcceptanceCriteria(text string, domain FeatureDomain) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	relevant := ce.ExtractRelevantContext(text, domain)
	if relevant == "" {
		relevant = text
	}

	criteria := make([]string, 0)
	seen := make(map[string]bool)
	for _, m := range acceptancePattern.FindAllStringSubmatch(relevant, -1) {
		c := strings.TrimSpace(m[1])
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		criteria = append(criteria, c)
		if len(criteria) >= maxExtractedSpecs {
			break
		}
	}
	return criteria
}

// EnhancePhaseWithContext merges extracted conversation context into the
// phase: feature/workflow/validation specs land in the concept context and
// a word-boundary-truncated context block is appended to the description.
func (ce *ContextExtractor) EnhancePhaseWithContext(phase *DynamicPhase, concept *AppConcept) {
	if phase == nil || concept == nil || strings.TrimSpace(concept.ConversationContext) == "" {
		return
	}

	relevant := ce.ExtractRelevantContext(concept.ConversationContext, phase.Domain)
	if relevant == "" {
		return
	}

	var b strings.Builder
	b.WriteString(relevant)

	if specs := ce.ExtractFeatureSpecs(concept.ConversationContext, phase.Domain); len(specs) > 0 {
		b.WriteString("\n\nFeature requirements:\n- " + strings.Join(specs, "\n- "))
	}
	if flows := ce.ExtractWorkflowSpecs(concept.ConversationContext, phase.Domain); len(flows) > 0 {
		b.WriteString("\n\nWorkflows:\n- " + strings.Join(flows, "\n- "))
	}
	if rules := ce.ExtractValidationRules(concept.ConversationContext, phase.Domain); len(rules) > 0 {
		b.WriteString("\n\nValidation rules:\n- " + strings.Join(rules, "\n- "))
	}

	phase.ConceptContext = b.String()
	phase.Description += "\n\nRelevant context from planning conversation:\n" + truncateAtWord(relevant, 600)
}

// splitParagraphs splits on blank lines, dropping empty chunks.
func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// truncateAtWord cuts s to at most limit characters, ending on a word
// boundary with an ellipsis when anything was removed.
func truncateAtWord(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return cutAtRuneBoundary(s, limit)
	}
	cut := cutAtRuneBoundary(s, limit-3)
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n") + "..."
}

// cutAtRuneBoundary slices at most n bytes from s, backing off so a
// multibyte rune is never split.
func cutAtRuneBoundary(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
