package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Bot-side lifecycle of a session recording.
const (
	RecallPending      = "pending"
	RecallScheduled    = "scheduled"
	RecallInMeeting    = "in_meeting"
	RecallRecording    = "recording"
	RecallCompleted    = "completed"
	RecallFailed       = "failed"
	RecallNoTranscript = "no_transcript"
)

// Coaching lifecycle. A reschedule sets the status back to scheduled.
const (
	StatusScheduled  = "scheduled"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// ActiveRecallStatuses are the states the reconciliation sweep treats as
// possibly missing a completion webhook.
var ActiveRecallStatuses = []string{RecallPending, RecallScheduled, RecallInMeeting, RecallRecording}

type Session struct {
	ID      string  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	BotID   *string `gorm:"column:bot_id;type:text;uniqueIndex" json:"bot_id,omitempty"`
	ChildID *string `gorm:"column:child_id;type:uuid;index" json:"child_id,omitempty"`
	CoachID *string `gorm:"column:coach_id;type:uuid;index" json:"coach_id,omitempty"`

	RecallStatus string `gorm:"column:recall_status;type:text;index;not null;default:pending" json:"recall_status"`
	Status       string `gorm:"column:status;type:text;not null;default:scheduled" json:"status"`

	TranscriptText   string `gorm:"column:transcript_text;type:text" json:"transcript_text"`
	RecordingURL     string `gorm:"column:recording_url;type:text" json:"recording_url"`
	AudioStoragePath string `gorm:"column:audio_storage_path;type:text" json:"audio_storage_path"`
	DurationSeconds  int    `gorm:"column:duration_seconds;type:integer" json:"duration_seconds"`

	Analysis            datatypes.JSON `gorm:"column:analysis;type:jsonb" json:"analysis"`
	AnalysisProvider    string         `gorm:"column:analysis_provider;type:text" json:"analysis_provider"`
	FlaggedForAttention bool           `gorm:"column:flagged_for_attention;not null;default:false" json:"flagged_for_attention"`
	SafetyFlag          bool           `gorm:"column:safety_flag;not null;default:false" json:"safety_flag"`
	AnalysisErrors      pq.StringArray `gorm:"column:analysis_errors;type:text[]" json:"analysis_errors"`
	RetryCount          int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Attendance          datatypes.JSON `gorm:"column:attendance;type:jsonb" json:"attendance"`

	ScheduledAt time.Time  `gorm:"column:scheduled_at;index" json:"scheduled_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	NotifiedAt  *time.Time `gorm:"column:notified_at" json:"notified_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) IsCompleted() bool { return s.RecallStatus == RecallCompleted }

// SessionCompletion is everything written when a session completes.
type SessionCompletion struct {
	SessionID        string
	TranscriptText   string
	RecordingURL     string
	AudioStoragePath string
	DurationSeconds  int
	Attendance       datatypes.JSON
	Analysis         *AnalysisResult
	Provider         string
	Errors           []string
	CompletedAt      time.Time
	Event            *LearningEvent
}
