package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yoockh/coachloop/internal/models"
)

var ErrNoJSONObject = errors.New("no JSON object in response")

// ParseAnalysis extracts the first JSON object from a model response and
// checks it against the analysis schema.
func ParseAnalysis(raw string) (*models.AnalysisResult, error) {
	obj, err := extractObject(stripFences(raw))
	if err != nil {
		return nil, err
	}

	var res models.AnalysisResult
	if err := json.Unmarshal([]byte(obj), &res); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := validateAnalysis(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func validateAnalysis(r *models.AnalysisResult) error {
	var missing []string
	if r.EngagementScore == 0 {
		missing = append(missing, "engagementScore")
	}
	if r.FocusScore == 0 {
		missing = append(missing, "focusScore")
	}
	if strings.TrimSpace(r.SessionSummary) == "" {
		missing = append(missing, "sessionSummary")
	}
	if strings.TrimSpace(r.ParentSummary) == "" {
		missing = append(missing, "parentSummary")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	scores := map[string]int{
		"engagementScore": r.EngagementScore,
		"focusScore":      r.FocusScore,
	}
	if r.ConfidenceScore != 0 {
		scores["confidenceScore"] = r.ConfidenceScore
	}
	for skill, v := range r.SkillRatings {
		scores["skillRatings."+skill] = v
	}
	for name, v := range scores {
		if v < 1 || v > 10 {
			return fmt.Errorf("%s out of range: %d", name, v)
		}
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced {...} in s. Braces inside JSON
// strings are ignored.
func extractObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced braces", ErrNoJSONObject)
}
