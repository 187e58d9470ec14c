package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbedNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		vec := make([]float64, Dimensions)
		vec[0], vec[1] = 3, 4
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	defer srv.Close()

	vec, err := NewOllama(srv.URL, "", srv.Client()).Embed(context.Background(), "summary")
	require.NoError(t, err)
	require.Len(t, vec, Dimensions)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
}

func TestOllamaEmbedRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{1, 2, 3}})
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "", srv.Client()).Embed(context.Background(), "summary")
	assert.Error(t, err)
}

func TestGeminiEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/text-embedding-004:embedContent", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))
		vec := make([]float32, Dimensions)
		vec[5] = 2
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": map[string]any{"values": vec}})
	}))
	defer srv.Close()

	g := &Gemini{apiKey: "k", baseURL: srv.URL, client: srv.Client()}
	vec, err := g.Embed(context.Background(), "summary")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vec[5], 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	vec := []float32{0, 0}
	assert.Equal(t, vec, normalize(vec))
	n := normalize([]float32{1, 1})
	assert.InDelta(t, 1/math.Sqrt2, n[0], 1e-6)
}

func TestDisabledProvider(t *testing.T) {
	_, err := disabled{}.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDisabled)
}
