package phases

import (
	"strings"
)

// FeatureClassifier maps a feature description to a domain tag and a
// complexity flag via keyword scoring. Deterministic and side-effect-free.
type FeatureClassifier struct{}

// NewFeatureClassifier creates a classifier with the built-in keyword sets.
func NewFeatureClassifier() *FeatureClassifier {
	return &FeatureClassifier{}
}

// domainKeywords scores candidate domains against the feature text.
// Multi-word entries match as substrings of the lower-cased text.
var domainKeywords = map[FeatureDomain][]string{
	DomainDatabase:     {"database", "schema", "migration", "table", "sql", "orm", "persistence", "data model"},
	DomainAuth:         {"auth", "login", "signup", "sign up", "sign in", "register", "password", "session", "oauth", "sso", "permission", "role-based"},
	DomainCoreEntity:   {"crud", "entity", "record", "create", "edit", "delete", "list", "manage", "profile", "item"},
	DomainUIComponent:  {"ui", "component", "layout", "theme", "modal", "form", "page", "navigation", "responsive", "design"},
	DomainIntegration:  {"integration", "api", "webhook", "third-party", "payment", "stripe", "external", "import", "export", "sync"},
	DomainRealtime:     {"real-time", "realtime", "live", "websocket", "chat", "presence", "collaborative", "streaming"},
	DomainStorage:      {"upload", "file", "image", "attachment", "storage", "media", "document"},
	DomainNotification: {"notification", "email", "alert", "reminder", "push", "digest"},
	DomainOffline:      {"offline", "pwa", "service worker", "local-first", "cache"},
	DomainSearch:       {"search", "filter", "sort", "query", "autocomplete", "full-text"},
	DomainAnalytics:    {"analytics", "dashboard", "chart", "report", "metric", "statistics", "insight", "tracking"},
	DomainAdmin:        {"admin", "moderation", "management console", "settings panel", "configuration"},
	DomainUIRole:       {"role view", "per-role", "user type", "persona", "audience"},
	DomainTesting:      {"test", "qa", "validation suite", "coverage"},
}

// complexKeywords flag features that must be isolated into their own phase.
// These are high-signal: a single hit marks the feature complex.
var complexKeywords = []string{
	"auth", "login", "oauth", "sso",
	"payment", "stripe", "billing", "checkout", "subscription",
	"real-time", "realtime", "websocket", "collaborative",
	"offline", "service worker",
	"video", "encryption", "machine learning", "ai-powered",
}

// Classify returns the best-fit domain for a feature and whether it is
// complex. Highest keyword score wins; ties break by the fixed domain
// priority order. Features with no keyword hits fall back to the generic
// feature domain.
func (fc *FeatureClassifier) Classify(f Feature) (FeatureDomain, bool) {
	text := strings.ToLower(f.Name + " " + f.Description)

	scores := make(map[FeatureDomain]int)
	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				scores[domain]++
			}
		}
	}

	best := DomainFeature
	bestScore := 0
	for _, domain := range domainPriority {
		if scores[domain] > bestScore {
			best = domain
			bestScore = scores[domain]
		}
	}

	return best, fc.isComplex(text)
}

func (fc *FeatureClassifier) isComplex(loweredText string) bool {
	for _, kw := range complexKeywords {
		if strings.Contains(loweredText, kw) {
			return true
		}
	}
	return false
}

// domainRank returns a domain's position in the fixed priority order,
// used for deterministic phase ordering.
func domainRank(d FeatureDomain) int {
	for i, dom := range domainPriority {
		if dom == d {
			return i
		}
	}
	return len(domainPriority)
}
