package phases

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// fileAnalyzer derives rich accumulated records from generated code:
// exported symbols, API endpoints touched, and established patterns.
type fileAnalyzer struct{}

var (
	exportPattern = regexp.MustCompile(`(?m)^export\s+(?:default\s+)?(?:async\s+)?(?:function|const|class|interface|type|enum)\s+([A-Za-z_$][\w$]*)`)
	namedExports  = regexp.MustCompile(`(?m)^export\s*\{([^}]+)\}`)
	endpointCall  = regexp.MustCompile(`(?:fetch|axios\.(?:get|post|put|patch|delete))\s*\(\s*[\x60'"](/api/[^\x60'"?\s]+)`)
	routeDecl     = regexp.MustCompile(`(?m)(?:router|app)\.(get|post|put|patch|delete)\s*\(\s*['\x60"]([^'\x60"]+)`)
	hookPattern   = regexp.MustCompile(`\buse[A-Z][\w]*\b`)
)

// analyzeFile builds the rich record for one generated file.
func (fa *fileAnalyzer) analyzeFile(f GeneratedFile, phaseNumber int) AccumulatedFile {
	sum := sha256.Sum256([]byte(f.Content))

	return AccumulatedFile{
		Path:        f.Path,
		Purpose:     inferPurpose(f.Path),
		Exports:     fa.extractExports(f.Content),
		Endpoints:   fa.extractEndpoints(f.Content),
		PhaseNumber: phaseNumber,
		SHA256:      hex.EncodeToString(sum[:]),
	}
}

// extractExports collects exported symbol names, deduplicated and sorted.
func (fa *fileAnalyzer) extractExports(content string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)

	for _, m := range exportPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	for _, m := range namedExports.FindAllStringSubmatch(content, -1) {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(name)
			// "orig as alias" exports the alias
			if idx := strings.Index(name, " as "); idx >= 0 {
				name = strings.TrimSpace(name[idx+4:])
			}
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}

	sort.Strings(out)
	return out
}

// extractEndpoints collects API paths the file calls or declares.
func (fa *fileAnalyzer) extractEndpoints(content string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)

	for _, m := range endpointCall.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	for _, m := range routeDecl.FindAllStringSubmatch(content, -1) {
		key := strings.ToUpper(m[1]) + " " + m[2]
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}

	sort.Strings(out)
	return out
}

// extractContracts derives API contracts from server-side route
// declarations in the generated files.
func (fa *fileAnalyzer) extractContracts(files []GeneratedFile, phaseNumber int) []APIContract {
	contracts := make([]APIContract, 0)
	seen := make(map[string]bool)
	for _, f := range files {
		for _, m := range routeDecl.FindAllStringSubmatch(f.Content, -1) {
			method := strings.ToUpper(m[1])
			key := method + " " + m[2]
			if seen[key] {
				continue
			}
			seen[key] = true
			contracts = append(contracts, APIContract{
				Endpoint:    m[2],
				Method:      method,
				PhaseNumber: phaseNumber,
			})
		}
	}
	return contracts
}

// extractPatterns spots recurring implementation patterns worth carrying
// into later phases' generation context.
func (fa *fileAnalyzer) extractPatterns(files []GeneratedFile) []string {
	patterns := make([]string, 0)
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}

	for _, f := range files {
		lower := strings.ToLower(f.Content)
		if strings.Contains(lower, "usecontext") || strings.Contains(lower, "createcontext") {
			add("React context for shared state")
		}
		if strings.Contains(lower, "usequery") || strings.Contains(lower, "useswr") {
			add("Query-hook data fetching")
		}
		if strings.Contains(lower, "zustand") || strings.Contains(lower, "redux") {
			add("Centralized state store")
		}
		if strings.Contains(lower, "tailwind") || strings.Contains(f.Content, "className=") {
			add("Tailwind utility classes")
		}
		if strings.Contains(lower, "localstorage") {
			add("Local storage persistence")
		}
		if hooks := hookPattern.FindAllString(f.Content, -1); len(hooks) > 0 {
			add("Custom hooks for logic reuse")
		}
		if strings.HasSuffix(f.Path, ".test.tsx") || strings.HasSuffix(f.Path, ".test.ts") {
			add("Colocated component tests")
		}
	}
	return patterns
}

// inferPurpose guesses a file's role from its path.
func inferPurpose(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, ".test."):
		return "tests"
	case strings.Contains(lower, "/api/") || strings.Contains(lower, "/routes/"):
		return "api route"
	case strings.Contains(lower, "/components/"):
		return "ui component"
	case strings.Contains(lower, "/hooks/"):
		return "hook"
	case strings.Contains(lower, "/types/") || strings.HasSuffix(lower, ".d.ts"):
		return "types"
	case strings.Contains(lower, "/utils/") || strings.Contains(lower, "/lib/"):
		return "utility"
	case strings.Contains(lower, "/pages/") || strings.Contains(lower, "/app/"):
		return "page"
	default:
		return ""
	}
}

// hashContent returns the sha256 hex digest used by the file version map.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
