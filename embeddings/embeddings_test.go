package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbed(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"embedding": [0.1, 0.2, 0.3]}`))
	}))
	defer ts.Close()

	e := NewOllamaEmbedder(Options{Host: ts.URL, Model: "nomic-embed-text", Dimension: 3})
	vec, err := e.Embed(context.Background(), "question")
	require.NoError(t, err)

	assert.Equal(t, "nomic-embed-text", gotBody["model"])
	assert.Equal(t, "question", gotBody["prompt"])
	require.Len(t, vec, 3)
	assert.InDelta(t, 0.1, float64(vec[0]), 1e-6)
}

func TestOllamaEmbedDimensionMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding": [0.1, 0.2]}`))
	}))
	defer ts.Close()

	e := NewOllamaEmbedder(Options{Host: ts.URL, Model: "m", Dimension: 768})
	_, err := e.Embed(context.Background(), "texte")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestOllamaEmbedErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "model not loaded"}`, http.StatusInternalServerError)
	}))
	defer ts.Close()

	e := NewOllamaEmbedder(Options{Host: ts.URL, Model: "m"})
	_, err := e.Embed(context.Background(), "texte")
	require.Error(t, err)
}
