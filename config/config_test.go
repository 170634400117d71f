package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 8, cfg.Retriever.InitialK)
	assert.Equal(t, 5, cfg.Retriever.FinalK)
	assert.InDelta(t, 0.5, cfg.Retriever.BM25Weight, 1e-9)
	assert.InDelta(t, 0.5, cfg.Retriever.VectorWeight, 1e-9)
	assert.Equal(t, 15, cfg.QCM.RetrieverTopK)
	assert.Equal(t, 5, cfg.QCM.AnswerTopK)
	assert.Equal(t, 3, cfg.Course.EnhancerIterations)
	assert.Equal(t, 768, cfg.EmbedDimension)
	assert.False(t, cfg.UseCloudLLM())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RETRIEVER_FINAL_K", "7")
	t.Setenv("BM25_WEIGHT", "0.8")
	t.Setenv("OLLAMA_API_KEY", "sk-test")

	cfg := Load()
	assert.Equal(t, 7, cfg.Retriever.FinalK)
	assert.InDelta(t, 0.8, cfg.Retriever.BM25Weight, 1e-9)
	assert.True(t, cfg.UseCloudLLM())
}

func TestFileserverPublicURLFallsBack(t *testing.T) {
	cfg := Config{Fileserver: FileserverConfig{BaseURL: "http://internal:7700"}}
	assert.Equal(t, "http://internal:7700", cfg.FileserverPublicURL())

	cfg.Fileserver.PublicURL = "https://docs.example.com"
	assert.Equal(t, "https://docs.example.com", cfg.FileserverPublicURL())
}

func TestParseAuthTokens(t *testing.T) {
	cfg := Config{AuthTokens: "tok-a:u1:Alice, tok-b:u2:Bob,malformed"}
	tokens := cfg.ParseAuthTokens()

	require.Len(t, tokens, 2)
	assert.Equal(t, User{ID: "u1", Name: "Alice"}, tokens["tok-a"])
	assert.Equal(t, User{ID: "u2", Name: "Bob"}, tokens["tok-b"])
}

func TestParseAuthTokensDevFallback(t *testing.T) {
	tokens := Config{}.ParseAuthTokens()
	require.Len(t, tokens, 1)
	assert.Contains(t, tokens, "dev-token-123")
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collections.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"btp": {"vector_index_id": "btp_v", "lexical_index_id": "btp_l"}
	}`), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	pair, err := reg.Get("btp")
	require.NoError(t, err)
	assert.Equal(t, "btp_v", pair.VectorIndex)
	assert.Equal(t, "btp_l", pair.LexicalIndex)

	_, err = reg.Get("autre")
	require.ErrorIs(t, err, ErrUnknownCollection)
	assert.Equal(t, []string{"btp"}, reg.Names())
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
