package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/llm"
	"github.com/fjoulin/savoir/rag"
	"github.com/fjoulin/savoir/stream"
)

type stubEngine struct {
	response rag.Response
	err      error
	events   []stream.Event
}

func (s *stubEngine) Query(ctx context.Context, collection, question string, topK int) (rag.Response, error) {
	if s.err != nil {
		return rag.Response{}, s.err
	}
	return s.response, nil
}

func (s *stubEngine) StreamRAG(ctx context.Context, collection, question string, topK int, emit func(stream.Event) error) error {
	for _, ev := range s.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

type stubCourse struct{}

func (stubCourse) Run(ctx context.Context, collection, subject string, emit func(stream.Event) error) error {
	if err := emit(stream.Content("cours généré")); err != nil {
		return err
	}
	return emit(stream.Done())
}

type stubQCM struct{}

func (stubQCM) Run(ctx context.Context, collection string, history []llm.Message, emit func(stream.Event) error) error {
	if err := emit(stream.Content("quel sujet ?")); err != nil {
		return err
	}
	return emit(stream.Done())
}

func testServer(engine RAGEngine) *Server {
	cfg := config.Config{AuthTokens: "tok-1:u1:Alice"}
	registry := config.Registry{"btp": {VectorIndex: "btp_v", LexicalIndex: "btp_l"}}
	cfg.RAG.DefaultTopK = 5
	return New(cfg, registry, engine, stubCourse{}, stubQCM{}, nil)
}

func doJSON(t *testing.T, s *Server, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body strings.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = *strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, &body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func ragRequest(model, question string, streamed bool) map[string]any {
	return map[string]any{
		"model":    model,
		"stream":   streamed,
		"messages": []map[string]string{{"role": "user", "content": question}},
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	s := testServer(&stubEngine{})
	rec := doJSON(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMissing(t *testing.T) {
	s := testServer(&stubEngine{})
	rec := doJSON(t, s, http.MethodGet, "/rag/api/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthInvalid(t *testing.T) {
	s := testServer(&stubEngine{})
	rec := doJSON(t, s, http.MethodGet, "/rag/api/models", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestModelsListsCollections(t *testing.T) {
	s := testServer(&stubEngine{})
	for _, path := range []string{"/rag/api/models", "/course/api/models", "/qcm/api/models"} {
		rec := doJSON(t, s, http.MethodGet, path, "tok-1", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var list struct {
			Object string `json:"object"`
			Data   []struct {
				ID     string `json:"id"`
				Object string `json:"object"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Equal(t, "list", list.Object)
		require.Len(t, list.Data, 1)
		assert.Equal(t, "btp", list.Data[0].ID)
		assert.Equal(t, "model", list.Data[0].Object)
	}
}

func TestChatUnknownCollection(t *testing.T) {
	s := testServer(&stubEngine{})
	rec := doJSON(t, s, http.MethodPost, "/rag/api/chat/completions", "tok-1", ragRequest("nope", "q", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRejectsZeroTopK(t *testing.T) {
	s := testServer(&stubEngine{})
	payload := ragRequest("btp", "q", false)
	payload["top_k"] = 0
	rec := doJSON(t, s, http.MethodPost, "/rag/api/chat/completions", "tok-1", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRequiresUserMessage(t *testing.T) {
	s := testServer(&stubEngine{})
	payload := map[string]any{
		"model":    "btp",
		"messages": []map[string]string{{"role": "assistant", "content": "bonjour"}},
	}
	rec := doJSON(t, s, http.MethodPost, "/rag/api/chat/completions", "tok-1", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRAGChatNonStreaming(t *testing.T) {
	engine := &stubEngine{response: rag.Response{Answer: "Réponse [1](https://public/d/1)", Model: "btp"}}
	s := testServer(engine)

	rec := doJSON(t, s, http.MethodPost, "/rag/api/chat/completions", "tok-1", ragRequest("btp", "question posée", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Contains(t, resp.Choices[0].Message.Content, "Réponse")
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 2, resp.Usage.PromptTokens)
}

func TestRAGChatStreaming(t *testing.T) {
	engine := &stubEngine{events: []stream.Event{
		stream.Progress("recherche"),
		stream.Content("réponse"),
		stream.Done(),
	}}
	s := testServer(engine)

	rec := doJSON(t, s, http.MethodPost, "/rag/api/chat/completions", "tok-1", ragRequest("btp", "q", true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"reasoning_content":"recherche"`)
	assert.Contains(t, body, `"content":"réponse"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestCourseChatStreaming(t *testing.T) {
	s := testServer(&stubEngine{})
	rec := doJSON(t, s, http.MethodPost, "/course/api/chat/completions", "tok-1", ragRequest("btp", "sujet du cours", true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"cours généré"`)
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestQCMChatNonStreaming(t *testing.T) {
	s := testServer(&stubEngine{})
	rec := doJSON(t, s, http.MethodPost, "/qcm/api/chat/completions", "tok-1", ragRequest("btp", "bonjour", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "quel sujet ?", resp.Choices[0].Message.Content)
}
