package models

import "time"

type BotSession struct {
	BotID       string     `gorm:"column:bot_id;type:text;primaryKey" json:"bot_id"`
	SessionID   *string    `gorm:"column:session_id;type:uuid;index" json:"session_id,omitempty"`
	Status      string     `gorm:"column:status;type:text" json:"status"`
	LastEvent   string     `gorm:"column:last_event;type:text" json:"last_event"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (BotSession) TableName() string { return "bot_sessions" }
