// Package bot is a client for the meeting-bot API that records coaching
// sessions and produces their transcripts.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yoockh/coachloop/internal/models"
)

var ErrBotNotFound = errors.New("bot not found")

type Phase int

const (
	PhaseRunning Phase = iota
	PhaseDone
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseDone:
		return "done"
	case PhaseFatal:
		return "fatal"
	default:
		return "running"
	}
}

// Classify maps a bot status code to a pipeline phase. Unknown codes are
// treated as still running.
func Classify(code string) Phase {
	switch code {
	case "done", "analysis_done":
		return PhaseDone
	case "fatal", "analysis_failed":
		return PhaseFatal
	default:
		return PhaseRunning
	}
}

// RecallStatus maps a bot status code to the session recall_status it implies,
// or "" when the code carries no session state.
func RecallStatus(code string) string {
	switch code {
	case "ready", "joining_call", "in_waiting_room":
		return models.RecallScheduled
	case "in_call_not_recording", "recording_permission_allowed":
		return models.RecallInMeeting
	case "in_call_recording", "call_ended", "recording_done":
		return models.RecallRecording
	case "fatal":
		return models.RecallFailed
	default:
		return ""
	}
}

type StatusChange struct {
	Code      string    `json:"code"`
	SubCode   string    `json:"sub_code"`
	CreatedAt time.Time `json:"created_at"`
}

type Bot struct {
	ID            string            `json:"id"`
	VideoURL      string            `json:"video_url"`
	StatusChanges []StatusChange    `json:"status_changes"`
	Metadata      map[string]string `json:"metadata"`
}

// Status returns the latest status code.
func (b *Bot) Status() string {
	if len(b.StatusChanges) == 0 {
		return ""
	}
	return b.StatusChanges[len(b.StatusChanges)-1].Code
}

// Duration is the time between the first in-call status and the call ending.
func (b *Bot) Duration() time.Duration {
	var start, end time.Time
	for _, s := range b.StatusChanges {
		switch s.Code {
		case "in_call_not_recording", "in_call_recording":
			if start.IsZero() {
				start = s.CreatedAt
			}
		case "call_ended":
			end = s.CreatedAt
		}
	}
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start_timestamp"`
	End   float64 `json:"end_timestamp"`
}

type Segment struct {
	Speaker string `json:"speaker"`
	Words   []Word `json:"words"`
}

// Text flattens segments into "Speaker: words" lines.
func Text(segments []Segment) string {
	var sb strings.Builder
	for _, seg := range segments {
		if len(seg.Words) == 0 {
			continue
		}
		words := make([]string, 0, len(seg.Words))
		for _, w := range seg.Words {
			words = append(words, w.Text)
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		sb.WriteString(speaker + ": " + strings.Join(words, " "))
	}
	return sb.String()
}

type Client interface {
	GetBot(ctx context.Context, botID string) (*Bot, error)
	GetTranscript(ctx context.Context, botID string) ([]Segment, error)
}

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) GetBot(ctx context.Context, botID string) (*Bot, error) {
	var b Bot
	if err := c.get(ctx, "/bot/"+url.PathEscape(botID)+"/", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *httpClient) GetTranscript(ctx context.Context, botID string) ([]Segment, error) {
	var segs []Segment
	if err := c.get(ctx, "/bot/"+url.PathEscape(botID)+"/transcript/", &segs); err != nil {
		return nil, err
	}
	return segs, nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bot api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read bot api response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrBotNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("bot api error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode bot api response: %w", err)
	}
	return nil
}
