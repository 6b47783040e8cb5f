// Package generator implements the code generation collaborator against
// the Anthropic Messages API. The raw response text is returned as-is;
// payload parsing belongs to the execution manager.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"phaseforge/internal/config"
	"phaseforge/internal/logging"
	"phaseforge/internal/phases"
)

// ClaudeGenerator implements phases.CodeGenerator over the Anthropic API
type ClaudeGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
	System    string          `json:"system,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClaudeGenerator creates a generator from config. Returns nil when no
// API key is configured; callers treat that as manual mode.
func NewClaudeGenerator(cfg config.GeneratorConfig) *ClaudeGenerator {
	if cfg.APIKey == "" {
		return nil
	}
	return &ClaudeGenerator{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
}

const generatorSystemPrompt = `You are an expert full-stack developer building one phase of a multi-phase web application.

REQUIREMENTS:
1. Produce complete, working code for THIS phase only. Build on the accumulated files listed; never regenerate them.
2. Reuse the established patterns and respect every existing API contract exactly.
3. Respond with a single JSON object: {"files": [{"path": "...", "content": "..."}]}. No prose before or after.
4. Never output placeholder or TODO code.`

// GeneratePhase sends the phase execution context to the model and
// returns the raw payload text.
func (g *ClaudeGenerator) GeneratePhase(ctx context.Context, execCtx *phases.PhaseExecutionContext) (string, error) {
	req := &claudeRequest{
		Model:     g.model,
		MaxTokens: 64000,
		System:    generatorSystemPrompt,
		Messages: []claudeMessage{
			{Role: "user", Content: buildPhasePrompt(execCtx)},
		},
	}

	started := time.Now()
	resp, err := g.makeRequest(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", phases.ErrGenerationFailure, err)
	}

	content := ""
	if len(resp.Content) > 0 && resp.Content[0].Type == "text" {
		content = resp.Content[0].Text
	}

	logging.S().Infow("Generator: phase generated",
		"phase", execCtx.PhaseNumber,
		"model", g.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", time.Since(started),
	)
	return content, nil
}

func (g *ClaudeGenerator) makeRequest(ctx context.Context, req *claudeRequest) (*claudeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp claudeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("api error (%s): %s", resp.Error.Type, resp.Error.Message)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	}
	return &resp, nil
}

// buildPhasePrompt serializes the execution context into the user prompt.
// The structured sections mirror what the manager accumulated so the
// model sees exactly the state it must build on.
func buildPhasePrompt(execCtx *phases.PhaseExecutionContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PHASE %d of %d: %s\n\n%s\n", execCtx.PhaseNumber, execCtx.TotalPhases, execCtx.PhaseName, execCtx.Description)

	if execCtx.Concept != nil {
		fmt.Fprintf(&b, "\nAPPLICATION: %s", execCtx.Concept.Name)
		if execCtx.Concept.Purpose != "" {
			fmt.Fprintf(&b, " - %s", execCtx.Concept.Purpose)
		}
		b.WriteString("\n")
	}

	if len(execCtx.FeatureNames) > 0 {
		b.WriteString("\nFEATURES TO IMPLEMENT THIS PHASE:\n")
		for _, f := range execCtx.FeatureNames {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(execCtx.AccumulatedRich) > 0 {
		b.WriteString("\nEXISTING FILES (do not regenerate, build on them):\n")
		for _, f := range execCtx.AccumulatedRich {
			fmt.Fprintf(&b, "- %s", f.Path)
			if len(f.Exports) > 0 {
				fmt.Fprintf(&b, " (exports: %s)", strings.Join(f.Exports, ", "))
			}
			b.WriteString("\n")
		}
	} else if len(execCtx.AccumulatedFiles) > 0 {
		b.WriteString("\nEXISTING FILES (do not regenerate, build on them):\n")
		for _, path := range execCtx.AccumulatedFiles {
			fmt.Fprintf(&b, "- %s\n", path)
		}
	}

	if len(execCtx.APIContracts) > 0 {
		b.WriteString("\nESTABLISHED API CONTRACTS (match exactly):\n")
		for _, c := range execCtx.APIContracts {
			fmt.Fprintf(&b, "- %s %s\n", c.Method, c.Endpoint)
		}
	}

	if len(execCtx.EstablishedPatterns) > 0 {
		b.WriteString("\nESTABLISHED PATTERNS (follow them):\n")
		for _, p := range execCtx.EstablishedPatterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	if execCtx.SmartContext != nil && execCtx.SmartContext.Summary != "" {
		fmt.Fprintf(&b, "\nCODEBASE CONTEXT:\n%s\n", execCtx.SmartContext.Summary)
		for _, snippet := range execCtx.SmartContext.KeySnippets {
			fmt.Fprintf(&b, "\n%s\n", snippet)
		}
	}

	if len(execCtx.TestCriteria) > 0 {
		b.WriteString("\nACCEPTANCE CRITERIA:\n")
		for _, t := range execCtx.TestCriteria {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	return b.String()
}
