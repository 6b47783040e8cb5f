// Package models defines the persistence records for stored phase plans.
package models

import (
	"time"
)

// PlanRecord is the stored form of a phase plan. The plan itself is kept
// as its canonical JSON serialization; the scalar columns exist for
// listing and filtering without deserializing.
type PlanRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	AppName        string `gorm:"size:255;index"`
	AppDescription string `gorm:"type:text"`
	Complexity     string `gorm:"size:32"`
	TotalPhases    int
	CompletedCount int
	FailedCount    int
	PlanJSON       []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName keeps the table name stable across gorm naming changes.
func (PlanRecord) TableName() string { return "phase_plans" }
