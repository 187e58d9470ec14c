package llm

import (
	"context"
	"fmt"

	"github.com/yoockh/coachloop/config"
)

// NewProviders builds the configured chain members in order.
func NewProviders(ctx context.Context, cfg config.AIConfig) ([]Provider, error) {
	var out []Provider
	for _, spec := range cfg.Chain {
		p, err := newProvider(ctx, cfg, spec)
		if err != nil {
			for _, built := range out {
				_ = built.Close()
			}
			return nil, fmt.Errorf("provider %s:%s: %w", spec.Family, spec.Model, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func newProvider(ctx context.Context, cfg config.AIConfig, spec config.ProviderSpec) (Provider, error) {
	switch spec.Family {
	case "vertex":
		return NewVertexGemini(ctx, cfg.VertexProject, cfg.VertexLocation, spec.Model)
	case "ollama":
		return NewOllama(cfg.OllamaBaseURL, spec.Model, cfg.Timeout), nil
	case "openai":
		return NewOpenAICompatible(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, spec.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider family %q", spec.Family)
	}
}
