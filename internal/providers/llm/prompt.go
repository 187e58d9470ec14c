package llm

import (
	"fmt"
	"strings"

	"github.com/yoockh/coachloop/internal/models"
)

// maxTranscriptChars keeps prompts within the smallest context window in the chain.
const maxTranscriptChars = 60000

const systemPrompt = `You are an assistant for a children's coaching program. You read the transcript of one coaching session and return a single JSON object, with no prose and no markdown, using exactly these fields:
{
  "engagementScore": integer 1-10,
  "focusScore": integer 1-10,
  "confidenceScore": integer 1-10,
  "skillRatings": {"<skill>": integer 1-10},
  "flaggedForAttention": boolean,
  "safetyFlag": boolean,
  "safetyNotes": string,
  "sessionSummary": string (for the coaching team),
  "parentSummary": string (warm, plain language, for the parent),
  "highlights": [string],
  "growthAreas": [string],
  "homeworkAssigned": boolean,
  "homeworkDescription": string
}
Set safetyFlag only for content that suggests risk to the child. Do not invent events that are not in the transcript.`

func BuildAnalysisPrompt(transcript string, ac models.AnalysisContext) string {
	var sb strings.Builder

	sb.WriteString("Child background:\n")
	if ac.ChildName != "" {
		fmt.Fprintf(&sb, "- Name: %s\n", ac.ChildName)
	}
	if ac.ChildAge > 0 {
		fmt.Fprintf(&sb, "- Age: %d\n", ac.ChildAge)
	}
	if len(ac.Goals) > 0 {
		fmt.Fprintf(&sb, "- Goals: %s\n", strings.Join(ac.Goals, "; "))
	}
	if len(ac.Interests) > 0 {
		fmt.Fprintf(&sb, "- Interests: %s\n", strings.Join(ac.Interests, "; "))
	}
	if len(ac.RecentSummaries) > 0 {
		sb.WriteString("\nRecent sessions (newest first):\n")
		for i, s := range ac.RecentSummaries {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
		}
	}

	if len(transcript) > maxTranscriptChars {
		transcript = transcript[:maxTranscriptChars]
	}
	sb.WriteString("\nTranscript:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\nReturn the JSON object now.")
	return sb.String()
}
