package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/coachloop/internal/logger"
	"github.com/yoockh/coachloop/internal/models"
)

type fakeProvider struct {
	name  string
	reply string
	err   error
	calls int
	opts  *Options
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Close() error { return nil }
func (f *fakeProvider) Generate(_ context.Context, _, _ string, opts ...Option) (string, error) {
	f.calls++
	f.opts = applyOptions(opts)
	return f.reply, f.err
}

func TestChainFallsThroughToThirdProvider(t *testing.T) {
	p1 := &fakeProvider{name: "p1", reply: "sorry, I can't help with that"}
	p2 := &fakeProvider{name: "p2", reply: `{"engagementScore": 4}`}
	p3 := &fakeProvider{name: "p3", reply: validAnalysis}
	p4 := &fakeProvider{name: "p4", reply: validAnalysis}

	out, err := NewChain(logger.Discard(), []Provider{p1, p2, p3, p4}).Analyze(context.Background(), "transcript", models.AnalysisContext{})
	require.NoError(t, err)
	assert.Equal(t, "p3", out.Provider)
	assert.Equal(t, 8, out.Result.EngagementScore)
	assert.Len(t, out.Errors, 2)
	assert.Contains(t, out.Errors[0], "p1")
	assert.Contains(t, out.Errors[1], "p2")
	assert.Zero(t, p4.calls)
}

func TestChainAllFail(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: errors.New("connection refused")}
	p2 := &fakeProvider{name: "p2", reply: "not json"}

	out, err := NewChain(logger.Discard(), []Provider{p1, p2}).Analyze(context.Background(), "t", models.AnalysisContext{})
	require.Error(t, err)

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Errors, 2)
	assert.Nil(t, out.Result)
	assert.Equal(t, all.Errors, out.Errors)
}

func TestChainDeterministicTemperature(t *testing.T) {
	p := &fakeProvider{name: "p", reply: validAnalysis}
	_, err := NewChain(logger.Discard(), []Provider{p}).Analyze(context.Background(), "t", models.AnalysisContext{})
	require.NoError(t, err)
	require.NotNil(t, p.opts.Temperature)
	assert.Equal(t, float32(0), *p.opts.Temperature)

	p = &fakeProvider{name: "p", reply: validAnalysis}
	_, err = NewChain(logger.Discard(), []Provider{p}, WithDeterministic(false)).Analyze(context.Background(), "t", models.AnalysisContext{})
	require.NoError(t, err)
	assert.Nil(t, p.opts.Temperature)
}

func TestOllamaSendsZeroTemperature(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": validAnalysis}})
	}))
	defer srv.Close()

	out, err := NewOllama(srv.URL, "llama3", 0).Generate(context.Background(), "sys", "prompt", WithTemperature(0), WithJSON())
	require.NoError(t, err)
	assert.Equal(t, validAnalysis, out)
	assert.Equal(t, "json", got["format"])
	opts := got["options"].(map[string]any)
	assert.Equal(t, float64(0), opts["temperature"])
}

func TestOpenAICompatibleErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompatible("key", srv.URL, "m", 0).Generate(context.Background(), "", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
