package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/yoockh/coachloop/config"
)

// Dimensions matches learning_events.embedding vector(768).
const Dimensions = 768

var ErrDisabled = errors.New("embedding provider disabled")

type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func New(cfg config.EmbeddingConfig) Provider {
	client := &http.Client{Timeout: 30 * time.Second}
	switch cfg.Provider {
	case "gemini":
		return &Gemini{apiKey: cfg.GeminiAPIKey, model: cfg.Model, baseURL: geminiBaseURL, client: client}
	case "ollama":
		return NewOllama(cfg.OllamaBaseURL, cfg.Model, client)
	default:
		return disabled{}
	}
}

type disabled struct{}

func (disabled) Embed(context.Context, string) ([]float32, error) { return nil, ErrDisabled }

func checkDimensions(vec []float32) error {
	if len(vec) != Dimensions {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(vec), Dimensions)
	}
	return nil
}

// normalize scales vec to unit length so cosine distance in pgvector is meaningful.
func normalize(vec []float32) []float32 {
	var magnitude float64
	for _, v := range vec {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude == 0 {
		return vec
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / magnitude)
	}
	return out
}
