package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjoulin/savoir/config"
)

func TestOllamaComplete(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "réponse"}, "done": true}`))
	}))
	defer ts.Close()

	client := NewOllamaClient(OllamaOptions{Host: ts.URL}, nil)
	out, err := client.Complete(context.Background(), "système", "question",
		Options{Model: "gpt-oss:20b", Temperature: 0.7, MaxTokens: 4096})
	require.NoError(t, err)
	assert.Equal(t, "réponse", out)

	assert.Equal(t, "gpt-oss:20b", gotBody["model"])
	assert.Equal(t, false, gotBody["stream"])
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
	options := gotBody["options"].(map[string]any)
	assert.Equal(t, float64(4096), options["num_predict"])
}

func TestOllamaStreamDeltas(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"message": {"role": "assistant", "thinking": "je réfléchis"}, "done": false}`,
			`{"message": {"role": "assistant", "content": "Bon"}, "done": false}`,
			`{"message": {"role": "assistant", "content": "jour"}, "done": false}`,
			`{"message": {"role": "assistant", "content": ""}, "done": true}`,
		}
		for _, frame := range frames {
			_, _ = w.Write([]byte(frame + "\n"))
		}
	}))
	defer ts.Close()

	client := NewOllamaClient(OllamaOptions{Host: ts.URL}, nil)
	var deltas []Delta
	err := client.Stream(context.Background(), "sys", "user", Options{Model: "m"}, func(d Delta) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, deltas, 3)
	assert.Equal(t, DeltaThinking, deltas[0].Kind)
	assert.Equal(t, "je réfléchis", deltas[0].Text)
	assert.Equal(t, DeltaContent, deltas[1].Kind)
	assert.Equal(t, "Bon", deltas[1].Text)
	assert.Equal(t, "jour", deltas[2].Text)
}

func TestOllamaStreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "model not found"}` + "\n"))
	}))
	defer ts.Close()

	client := NewOllamaClient(OllamaOptions{Host: ts.URL}, nil)
	err := client.Stream(context.Background(), "sys", "user", Options{Model: "absent"}, func(Delta) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaStreamCallbackAborts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte(`{"message": {"content": "x"}, "done": false}` + "\n"))
		}
		_, _ = w.Write([]byte(`{"message": {"content": ""}, "done": true}` + "\n"))
	}))
	defer ts.Close()

	client := NewOllamaClient(OllamaOptions{Host: ts.URL}, nil)
	calls := 0
	err := client.Stream(context.Background(), "sys", "user", Options{Model: "m"}, func(Delta) error {
		calls++
		if calls >= 3 {
			return context.Canceled
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}

func TestNewClientSelectsProvider(t *testing.T) {
	// Without an API key the local client is selected; with one, the
	// cloud client. Both constructions must succeed.
	local := NewClient(config.Config{OllamaBaseURL: "http://localhost:11434"}, nil)
	require.NotNil(t, local)
	assert.IsType(t, &ollamaClient{}, local)
	cloud := NewClient(config.Config{OllamaAPIKey: "sk-test", OllamaCloudHost: "https://ollama.com"}, nil)
	require.NotNil(t, cloud)
	assert.IsType(t, &openAIClient{}, cloud)
}
