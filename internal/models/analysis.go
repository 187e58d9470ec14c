package models

// AnalysisResult is the structured output of the analysis step.
type AnalysisResult struct {
	EngagementScore int `json:"engagementScore"`
	FocusScore      int `json:"focusScore"`
	ConfidenceScore int `json:"confidenceScore,omitempty"`

	SkillRatings map[string]int `json:"skillRatings,omitempty"`

	FlaggedForAttention bool   `json:"flaggedForAttention"`
	SafetyFlag          bool   `json:"safetyFlag"`
	SafetyNotes         string `json:"safetyNotes,omitempty"`

	SessionSummary string   `json:"sessionSummary"`
	ParentSummary  string   `json:"parentSummary"`
	Highlights     []string `json:"highlights,omitempty"`
	GrowthAreas    []string `json:"growthAreas,omitempty"`

	HomeworkAssigned    bool   `json:"homeworkAssigned"`
	HomeworkDescription string `json:"homeworkDescription,omitempty"`
}

// AnalysisContext is the child background handed to the providers.
type AnalysisContext struct {
	ChildName       string
	ChildAge        int
	Goals           []string
	Interests       []string
	RecentSummaries []string
}
