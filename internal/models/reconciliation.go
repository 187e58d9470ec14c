package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	OutcomeRecovered    = "recovered"
	OutcomeNoTranscript = "no_transcript"
	OutcomeBotNotFound  = "bot_not_found"
	OutcomeError        = "error"
	OutcomeSkipped      = "skipped"
)

type ReconciliationLogEntry struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RunID        string             `bson:"run_id" json:"run_id"`
	SessionID    string             `bson:"session_id" json:"session_id"`
	BotID        string             `bson:"bot_id" json:"bot_id"`
	Outcome      string             `bson:"outcome" json:"outcome"`
	ErrorMessage string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}

// SweepSummary is returned by one reconciliation run.
type SweepSummary struct {
	RunID      string         `json:"runId"`
	Candidates int            `json:"candidates"`
	Outcomes   map[string]int `json:"outcomes"`
	Skipped    bool           `json:"skipped,omitempty"` // another sweep holds the lock
	DurationMS int64          `json:"durationMs"`
}
