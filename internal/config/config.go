// Package config loads service configuration from the environment with
// sensible development defaults. Planner budgets live here so operators
// can tune decomposition without a rebuild.
package config

import (
	"os"
	"strconv"
)

// Config holds the service configuration
type Config struct {
	Port        string
	Environment string

	// DatabaseURL selects Postgres when set; empty falls back to a local
	// sqlite file.
	DatabaseURL string
	SQLitePath  string

	// RedisURL enables the plan read-through cache when set.
	RedisURL string

	// Generator selects the code generation backend. Without an API key
	// the service runs in manual mode: plans are generated and phase
	// results are submitted over the API.
	Generator GeneratorConfig

	Planner PlannerBudgets
}

// GeneratorConfig configures the Anthropic-backed code generator
type GeneratorConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// PlannerBudgets mirrors the phase planner's tunable limits
type PlannerBudgets struct {
	MaxTokensPerPhase    int
	TargetTokensPerPhase int
	MaxFeaturesPerPhase  int
	MinFeaturesPerPhase  int
	MinPhases            int
	MaxPhases            int
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("SQLITE_PATH", "phaseforge.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Generator: GeneratorConfig{
			APIKey:  envOr("ANTHROPIC_API_KEY", os.Getenv("CLAUDE_API_KEY")),
			BaseURL: envOr("GENERATOR_BASE_URL", "https://api.anthropic.com/v1/messages"),
			Model:   envOr("GENERATOR_MODEL", "claude-sonnet-4-20250514"),
		},
		Planner: PlannerBudgets{
			MaxTokensPerPhase:    envIntOr("PLANNER_MAX_TOKENS_PER_PHASE", 60000),
			TargetTokensPerPhase: envIntOr("PLANNER_TARGET_TOKENS_PER_PHASE", 35000),
			MaxFeaturesPerPhase:  envIntOr("PLANNER_MAX_FEATURES_PER_PHASE", 4),
			MinFeaturesPerPhase:  envIntOr("PLANNER_MIN_FEATURES_PER_PHASE", 1),
			MinPhases:            envIntOr("PLANNER_MIN_PHASES", 3),
			MaxPhases:            envIntOr("PLANNER_MAX_PHASES", 12),
		},
	}
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
