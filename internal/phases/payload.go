package phases

import (
	"encoding/json"
	"strings"
)

// PayloadFormat tags how a generation payload was parsed
type PayloadFormat string

const (
	FormatJSON        PayloadFormat = "json"
	FormatDelimited   PayloadFormat = "delimited"
	FormatUnparseable PayloadFormat = "unparseable"
)

// GeneratedFile is one file produced by the generation collaborator
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ParsedPayload is the tagged result of parsing a generation payload.
// Format discriminates the union; Files is empty iff Unparseable.
type ParsedPayload struct {
	Format      PayloadFormat   `json:"format"`
	Files       []GeneratedFile `json:"files"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
}

// jsonPayload is the structured format produced by current generators.
type jsonPayload struct {
	Files       []GeneratedFile `json:"files"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
}

const fileDelimiterPrefix = "===FILE:"

// ParseGenerationPayload auto-detects the payload format: JSON with a
// files array is attempted first, then the legacy ===FILE:path===
// delimited text. Never errors; an unrecognizable payload comes back
// tagged Unparseable with zero files.
func ParseGenerationPayload(raw string) ParsedPayload {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParsedPayload{Format: FormatUnparseable}
	}

	// Generators sometimes wrap JSON in a markdown fence.
	if body, ok := stripCodeFence(trimmed); ok {
		trimmed = body
	}

	if strings.HasPrefix(trimmed, "{") {
		var jp jsonPayload
		if err := json.Unmarshal([]byte(trimmed), &jp); err == nil && len(jp.Files) > 0 {
			return ParsedPayload{
				Format:      FormatJSON,
				Files:       sanitizeFiles(jp.Files),
				Name:        jp.Name,
				Description: jp.Description,
			}
		}
	}

	if files := parseDelimited(trimmed); len(files) > 0 {
		return ParsedPayload{Format: FormatDelimited, Files: files}
	}

	return ParsedPayload{Format: FormatUnparseable}
}

// parseDelimited extracts files from ===FILE:path=== delimited text. A
// file's content runs until the next delimiter or end of input.
func parseDelimited(raw string) []GeneratedFile {
	files := make([]GeneratedFile, 0)
	lines := strings.Split(raw, "\n")

	var current *GeneratedFile
	var content strings.Builder
	flush := func() {
		if current != nil {
			current.Content = strings.TrimRight(content.String(), "\n")
			if current.Path != "" && current.Content != "" {
				files = append(files, *current)
			}
		}
		current = nil
		content.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, fileDelimiterPrefix) {
			flush()
			path := strings.TrimPrefix(trimmed, fileDelimiterPrefix)
			path = strings.TrimSpace(strings.TrimSuffix(path, "==="))
			current = &GeneratedFile{Path: sanitizePath(path)}
			continue
		}
		if current != nil {
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(line)
		}
	}
	flush()

	return files
}

func sanitizeFiles(in []GeneratedFile) []GeneratedFile {
	out := make([]GeneratedFile, 0, len(in))
	for _, f := range in {
		path := sanitizePath(f.Path)
		if path == "" {
			continue
		}
		out = append(out, GeneratedFile{Path: path, Content: f.Content})
	}
	return out
}

// sanitizePath normalizes a generated path: forward slashes, no leading
// slash, no traversal segments.
func sanitizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.Contains(p, "..") {
		return ""
	}
	return p
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return s, false
	}
	body := s
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		return s, false
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body), true
}
