package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OllamaOptions configure the local chat client.
type OllamaOptions struct {
	Host string
}

type ollamaClient struct {
	host   string
	client *http.Client
	logger *zap.Logger
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

// NewOllamaClient builds a client for a local Ollama-style chat endpoint.
func NewOllamaClient(opts OllamaOptions, logger *zap.Logger) Client {
	host := strings.TrimRight(opts.Host, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ollamaClient{
		host:   host,
		logger: logger,
		client: &http.Client{
			// Streamed generations can legitimately run for minutes;
			// cancellation is handled via the request context.
			Timeout: 0,
		},
	}
}

func (c *ollamaClient) requestBody(system, user string, opts Options, stream bool) ([]byte, error) {
	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		options["stop"] = opts.Stop
	}

	payload := ollamaChatRequest{
		Model: opts.Model,
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
		Stream: stream,
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return body, nil
}

func (c *ollamaClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call chat API: %w", err)
	}

	if resp.StatusCode >= 400 {
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil && len(data) > 0 {
			return nil, fmt.Errorf("chat API error: %s", string(data))
		}
		return nil, fmt.Errorf("chat API returned status %s", resp.Status)
	}
	return resp, nil
}

func (c *ollamaClient) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CompleteTimeout)
	defer cancel()

	body, err := c.requestBody(system, user, opts, false)
	if err != nil {
		return "", err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("chat error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

func (c *ollamaClient) Stream(ctx context.Context, system, user string, opts Options, fn func(Delta) error) error {
	body, err := c.requestBody(system, user, opts, true)
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode stream response: %w", err)
		}

		if chunk.Error != "" {
			return fmt.Errorf("chat error: %s", chunk.Error)
		}
		if chunk.Message.Thinking != "" {
			if err := fn(Delta{Kind: DeltaThinking, Text: chunk.Message.Thinking}); err != nil {
				return err
			}
		}
		if chunk.Message.Content != "" {
			if err := fn(Delta{Kind: DeltaContent, Text: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

var _ Client = (*ollamaClient)(nil)
