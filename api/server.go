// Package api exposes the OpenAI-compatible HTTP surface: one
// models/chat-completions pair per feature (rag, course, qcm).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/llm"
	"github.com/fjoulin/savoir/rag"
	"github.com/fjoulin/savoir/retriever"
	"github.com/fjoulin/savoir/stream"
)

// RAGEngine is the slice of the RAG engine the handlers need.
type RAGEngine interface {
	Query(ctx context.Context, collection, question string, topK int) (rag.Response, error)
	StreamRAG(ctx context.Context, collection, question string, topK int, emit func(stream.Event) error) error
}

// CourseRunner drives course generation.
type CourseRunner interface {
	Run(ctx context.Context, collection, subject string, emit func(stream.Event) error) error
}

// QCMRunner drives quiz conversations.
type QCMRunner interface {
	Run(ctx context.Context, collection string, history []llm.Message, emit func(stream.Event) error) error
}

type Server struct {
	cfg      config.Config
	registry config.Registry
	tokens   map[string]config.User
	rag      RAGEngine
	course   CourseRunner
	qcm      QCMRunner
	logger   *zap.Logger
	handler  http.Handler
}

func New(cfg config.Config, registry config.Registry, ragEngine RAGEngine, courseRunner CourseRunner, qcmRunner QCMRunner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		tokens:   cfg.ParseAuthTokens(),
		rag:      ragEngine,
		course:   courseRunner,
		qcm:      qcmRunner,
		logger:   logger,
	}
	if cfg.AuthTokens == "" {
		logger.Warn("AUTH_TOKENS not set, using insecure development token")
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	features := []struct {
		prefix string
		chat   http.HandlerFunc
	}{
		{"rag", s.handleRAGChat},
		{"course", s.handleCourseChat},
		{"qcm", s.handleQCMChat},
	}
	for _, feature := range features {
		sub := r.PathPrefix("/" + feature.prefix).Subrouter()
		sub.Use(s.authMiddleware)
		sub.HandleFunc("/api/models", s.handleModels).Methods(http.MethodGet)
		sub.HandleFunc("/api/chat/completions", feature.chat).Methods(http.MethodPost)
	}
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if _, ok := s.tokens[token]; !ok {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- models ---

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

// handleModels lists the collections as selectable models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	list := modelList{Object: "list"}
	for _, name := range s.registry.Names() {
		list.Data = append(list.Data, modelInfo{ID: name, Object: "model", Created: created, OwnedBy: "custom"})
	}
	s.writeJSON(w, http.StatusOK, list)
}

// --- chat completions ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	TopK     *int          `json:"top_k,omitempty"`
}

func (req *chatRequest) lastUserMessage() (string, bool) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content, true
		}
	}
	return "", false
}

func (req *chatRequest) history() []llm.Message {
	history := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// decodeChatRequest validates the shared request shape; a nil return
// means the error response was already written.
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) *chatRequest {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return nil
	}
	if req.TopK != nil && *req.TopK <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("top_k must be positive"))
		return nil
	}
	if _, err := s.registry.Get(req.Model); err != nil {
		s.writeError(w, http.StatusBadRequest,
			fmt.Errorf("unknown collection %q, available: %s", req.Model, strings.Join(s.registry.Names(), ", ")))
		return nil
	}
	if _, ok := req.lastUserMessage(); !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("no user message found"))
		return nil
	}
	return &req
}

func (s *Server) handleRAGChat(w http.ResponseWriter, r *http.Request) {
	req := s.decodeChatRequest(w, r)
	if req == nil {
		return
	}
	question, _ := req.lastUserMessage()
	topK := s.cfg.RAG.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}

	if req.Stream {
		s.streamRun(w, r, req.Model, s.ragPumpConfig(), func(ctx context.Context, emit func(stream.Event) error) error {
			return s.rag.StreamRAG(ctx, req.Model, question, topK, emit)
		})
		return
	}

	resp, err := s.rag.Query(r.Context(), req.Model, question, topK)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, completionResponse(req.Model, question, resp.Answer))
}

func (s *Server) handleCourseChat(w http.ResponseWriter, r *http.Request) {
	req := s.decodeChatRequest(w, r)
	if req == nil {
		return
	}
	subject, _ := req.lastUserMessage()

	run := func(ctx context.Context, emit func(stream.Event) error) error {
		return s.course.Run(ctx, req.Model, subject, emit)
	}
	if req.Stream {
		s.streamRun(w, r, req.Model, s.pacedPumpConfig(), run)
		return
	}
	s.collectRun(w, r, req.Model, subject, run)
}

func (s *Server) handleQCMChat(w http.ResponseWriter, r *http.Request) {
	req := s.decodeChatRequest(w, r)
	if req == nil {
		return
	}
	history := req.history()

	run := func(ctx context.Context, emit func(stream.Event) error) error {
		return s.qcm.Run(ctx, req.Model, history, emit)
	}
	if req.Stream {
		s.streamRun(w, r, req.Model, s.pacedPumpConfig(), run)
		return
	}
	prompt, _ := req.lastUserMessage()
	s.collectRun(w, r, req.Model, prompt, run)
}

func (s *Server) ragPumpConfig() stream.PumpConfig {
	return stream.PumpConfig{Heartbeat: s.cfg.HeartbeatInterval}
}

// pacedPumpConfig re-chunks the large buffered outputs of the course and
// qcm pipelines with the configured pacing.
func (s *Server) pacedPumpConfig() stream.PumpConfig {
	return stream.PumpConfig{
		Heartbeat:  s.cfg.HeartbeatInterval,
		ChunkSize:  s.cfg.RAG.ChunkSize,
		ChunkDelay: s.cfg.RAG.ChunkDelay,
	}
}

// streamRun bridges an orchestrator to the SSE writer through a bounded
// channel. Client disconnection cancels the orchestrator's context, which
// aborts all in-flight retrieval and model calls.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, model string, pumpCfg stream.PumpConfig, run func(ctx context.Context, emit func(stream.Event) error) error) {
	sw, err := stream.NewWriter(w, model)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan stream.Event, 64)
	emit := func(ev stream.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(events)
		if err := run(ctx, emit); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("stream producer failed", zap.String("model", model), zap.Error(err))
		}
	}()

	if err := stream.Pump(ctx, sw, events, pumpCfg); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("stream interrupted", zap.String("model", model), zap.Error(err))
	}
	// Unblock the producer and let it observe cancellation before the
	// handler returns.
	cancel()
	for range events {
	}
}

// collectRun executes a streaming pipeline but buffers its content into a
// single chat completion.
func (s *Server) collectRun(w http.ResponseWriter, r *http.Request, model, prompt string, run func(ctx context.Context, emit func(stream.Event) error) error) {
	var content strings.Builder
	err := run(r.Context(), func(ev stream.Event) error {
		if ev.Kind == stream.KindContent {
			content.WriteString(ev.Text)
		}
		return nil
	})
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, completionResponse(model, prompt, content.String()))
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrUnknownCollection):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, retriever.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// --- completion payloads ---

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

func completionResponse(model, prompt, answer string) chatCompletion {
	promptTokens := len(strings.Fields(prompt))
	completionTokens := len(strings.Fields(answer))
	return chatCompletion{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionMessage{Role: llm.RoleAssistant, Content: answer},
			FinishReason: "stop",
		}},
		Usage: completionUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
