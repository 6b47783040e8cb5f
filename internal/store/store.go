// Package store persists phase plans through gorm, with Postgres in
// production and a local sqlite file for development. A redis
// read-through cache fronts plan loads when configured.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"phaseforge/internal/config"
	"phaseforge/internal/logging"
	"phaseforge/internal/phases"
	"phaseforge/pkg/models"
)

// PlanStore persists and retrieves phase plans
type PlanStore struct {
	db    *gorm.DB
	cache *PlanCache
}

// Open connects to the configured database, runs migrations, and wires
// the optional redis cache.
func Open(cfg *config.Config) (*PlanStore, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error
	if cfg.DatabaseURL != "" {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.PlanRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := &PlanStore{db: db}
	if cfg.RedisURL != "" {
		cache, cacheErr := NewPlanCache(cfg.RedisURL)
		if cacheErr != nil {
			logging.S().Warnw("Store: redis unavailable, running without plan cache", "error", cacheErr)
		} else {
			store.cache = cache
		}
	}

	logging.S().Infow("Store: database connected", "postgres", cfg.DatabaseURL != "")
	return store, nil
}

// SavePlan upserts a plan's canonical JSON form plus listing columns.
func (s *PlanStore) SavePlan(ctx context.Context, plan *phases.DynamicPhasePlan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to serialize plan %s: %w", plan.ID, err)
	}

	record := models.PlanRecord{
		ID:             plan.ID,
		AppName:        plan.AppName,
		AppDescription: plan.AppDescription,
		Complexity:     string(plan.Complexity),
		TotalPhases:    plan.TotalPhases,
		CompletedCount: len(plan.CompletedPhaseNumbers),
		FailedCount:    len(plan.FailedPhaseNumbers),
		PlanJSON:       raw,
		CreatedAt:      plan.CreatedAt,
		UpdatedAt:      plan.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("failed to save plan %s: %w", plan.ID, err)
	}

	if s.cache != nil {
		s.cache.SetPlan(ctx, plan.ID, raw)
	}
	return nil
}

// LoadPlan retrieves a plan by id, cache first. The returned plan is the
// deserialized canonical form; callers rebuild manager-internal maps from
// its denormalized arrays via NewExecutionManager.
func (s *PlanStore) LoadPlan(ctx context.Context, planID string) (*phases.DynamicPhasePlan, error) {
	if s.cache != nil {
		if raw, ok := s.cache.GetPlan(ctx, planID); ok {
			var plan phases.DynamicPhasePlan
			if err := json.Unmarshal(raw, &plan); err == nil {
				return &plan, nil
			}
			s.cache.InvalidatePlan(ctx, planID)
		}
	}

	var record models.PlanRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", planID).Error; err != nil {
		return nil, fmt.Errorf("plan %s not found: %w", planID, err)
	}

	var plan phases.DynamicPhasePlan
	if err := json.Unmarshal(record.PlanJSON, &plan); err != nil {
		return nil, fmt.Errorf("failed to deserialize plan %s: %w", planID, err)
	}

	if s.cache != nil {
		s.cache.SetPlan(ctx, planID, record.PlanJSON)
	}
	return &plan, nil
}

// PlanSummary is the listing view of a stored plan
type PlanSummary struct {
	ID             string    `json:"id"`
	AppName        string    `json:"app_name"`
	Complexity     string    `json:"complexity"`
	TotalPhases    int       `json:"total_phases"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListPlans returns stored plan summaries, most recently updated first.
func (s *PlanStore) ListPlans(ctx context.Context, limit int) ([]PlanSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var records []models.PlanRecord
	err := s.db.WithContext(ctx).
		Select("id", "app_name", "complexity", "total_phases", "completed_count", "failed_count", "updated_at").
		Order("updated_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	out := make([]PlanSummary, 0, len(records))
	for _, r := range records {
		out = append(out, PlanSummary{
			ID:             r.ID,
			AppName:        r.AppName,
			Complexity:     r.Complexity,
			TotalPhases:    r.TotalPhases,
			CompletedCount: r.CompletedCount,
			FailedCount:    r.FailedCount,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return out, nil
}

// DeletePlan removes a stored plan and its cache entry.
func (s *PlanStore) DeletePlan(ctx context.Context, planID string) error {
	if err := s.db.WithContext(ctx).Delete(&models.PlanRecord{}, "id = ?", planID).Error; err != nil {
		return fmt.Errorf("failed to delete plan %s: %w", planID, err)
	}
	if s.cache != nil {
		s.cache.InvalidatePlan(ctx, planID)
	}
	return nil
}

// Close releases the database connection.
func (s *PlanStore) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
