package models

import "encoding/json"

const TopicSessionAnalyze = "session.analyze"

// SessionJobPayload is the body of a session.analyze job.
type SessionJobPayload struct {
	BotID          string          `json:"botId" validate:"required,max=128"`
	SessionID      *string         `json:"sessionId,omitempty" validate:"omitempty,uuid"`
	ChildID        *string         `json:"childId,omitempty" validate:"omitempty,uuid"`
	CoachID        *string         `json:"coachId,omitempty" validate:"omitempty,uuid"`
	TranscriptText string          `json:"transcriptText"`
	RecordingURL   string          `json:"recordingUrl,omitempty" validate:"omitempty,url"`
	Attendance     json.RawMessage `json:"attendance,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Attempt        int             `json:"attempt" validate:"gte=0"`
	Reconciled     bool            `json:"reconciled,omitempty"`
}

// JobResult is the response body of the job endpoint.
type JobResult struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId,omitempty"`
	Duration   int64  `json:"duration"` // ms
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}
