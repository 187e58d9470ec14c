package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/tracing"
)

// Outcome of one chain run. Result is nil when every provider failed.
type Outcome struct {
	Result   *models.AnalysisResult
	Provider string
	Errors   []string
}

type AllProvidersFailedError struct {
	Errors []string
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all %d providers failed: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

type Analyzer interface {
	Analyze(ctx context.Context, transcript string, ac models.AnalysisContext) (*Outcome, error)
}

type Chain struct {
	providers     []Provider
	deterministic bool
	timeout       time.Duration
	log           *logrus.Logger
}

type ChainOption func(*Chain)

// WithDeterministic pins temperature to 0 for every attempt.
func WithDeterministic(on bool) ChainOption {
	return func(c *Chain) { c.deterministic = on }
}

// WithAttemptTimeout bounds each provider attempt.
func WithAttemptTimeout(d time.Duration) ChainOption {
	return func(c *Chain) { c.timeout = d }
}

func NewChain(log *logrus.Logger, providers []Provider, opts ...ChainOption) *Chain {
	c := &Chain{providers: providers, deterministic: true, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Analyze tries each provider in order and returns the first parseable result.
// Failures are collected in Outcome.Errors; the chain only fails when all do.
func (c *Chain) Analyze(ctx context.Context, transcript string, ac models.AnalysisContext) (*Outcome, error) {
	ctx, span := tracing.Tracer("llm").Start(ctx, "llm.Chain.Analyze")
	defer span.End()

	prompt := BuildAnalysisPrompt(transcript, ac)
	opts := []Option{WithJSON(), WithMaxTokens(2048)}
	if c.deterministic {
		opts = append(opts, WithTemperature(0))
	}

	out := &Outcome{}
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", p.Name(), err))
			break
		}

		res, err := c.attempt(ctx, p, prompt, opts)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", p.Name(), err))
			c.log.WithFields(logrus.Fields{"provider": p.Name(), "error": err.Error()}).Warn("analysis provider failed")
			continue
		}
		out.Result = res
		out.Provider = p.Name()
		span.SetAttributes(attribute.String("llm.provider", p.Name()), attribute.Int("llm.failures", len(out.Errors)))
		return out, nil
	}

	err := &AllProvidersFailedError{Errors: out.Errors}
	span.SetStatus(codes.Error, err.Error())
	return out, err
}

func (c *Chain) attempt(ctx context.Context, p Provider, prompt string, opts []Option) (*models.AnalysisResult, error) {
	ctx, span := tracing.Tracer("llm").Start(ctx, "llm.Provider.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", p.Name()))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := p.Generate(ctx, systemPrompt, prompt, opts...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res, err := ParseAnalysis(raw)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("unparseable output: %w", err)
	}
	return res, nil
}

func (c *Chain) Close() error {
	var errs []string
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
