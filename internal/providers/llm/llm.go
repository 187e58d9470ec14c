package llm

import "context"

// Provider is one text-completion backend in the analysis chain.
type Provider interface {
	// Name identifies the provider in logs and error lists, e.g. "vertex:gemini-1.5-pro".
	Name() string
	Generate(ctx context.Context, system, prompt string, opts ...Option) (string, error)
	Close() error
}

type Option func(*Options)

type Options struct {
	Temperature *float32
	MaxTokens   int
	Model       string // overrides the provider's default model
	JSON        bool   // ask the backend for a JSON response where supported
}

func WithTemperature(t float32) Option {
	return func(o *Options) { o.Temperature = &t }
}

func WithMaxTokens(n int) Option {
	return func(o *Options) { o.MaxTokens = n }
}

func WithModel(model string) Option {
	return func(o *Options) { o.Model = model }
}

func WithJSON() Option {
	return func(o *Options) { o.JSON = true }
}

func applyOptions(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
