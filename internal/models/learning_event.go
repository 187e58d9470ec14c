package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

const EventKindSessionAnalysis = "session_analysis"

type LearningEvent struct {
	ID         string           `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID  string           `gorm:"column:session_id;type:uuid;uniqueIndex:uniq_event_session_kind" json:"session_id"`
	Kind       string           `gorm:"column:kind;type:text;uniqueIndex:uniq_event_session_kind" json:"kind"`
	ChildID    *string          `gorm:"column:child_id;type:uuid;index" json:"child_id,omitempty"`
	CoachID    *string          `gorm:"column:coach_id;type:uuid" json:"coach_id,omitempty"`
	Summary    string           `gorm:"column:summary;type:text" json:"summary"`
	Data       datatypes.JSON   `gorm:"column:data;type:jsonb" json:"data"`
	Embedding  *pgvector.Vector `gorm:"column:embedding;type:vector(768)" json:"-"`
	Reconciled bool             `gorm:"column:reconciled;not null;default:false" json:"reconciled"`
	CreatedAt  time.Time        `gorm:"column:created_at" json:"created_at"`
}

func (LearningEvent) TableName() string { return "learning_events" }
