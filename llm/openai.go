package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIOptions configure the OpenAI-compatible cloud client.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
}

type openAIClient struct {
	client *openai.Client
	logger *zap.Logger
}

// NewOpenAIClient builds a client for an OpenAI-compatible chat endpoint.
func NewOpenAIClient(opts OpenAIOptions, logger *zap.Logger) Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger,
	}
}

func buildRequest(system, user string, opts Options, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Stream: stream,
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		req.Stop = opts.Stop
	}
	return req
}

func (c *openAIClient) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CompleteTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, buildRequest(system, user, opts, false))
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) Stream(ctx context.Context, system, user string, opts Options, fn func(Delta) error) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, buildRequest(system, user, opts, true))
	if err != nil {
		return fmt.Errorf("create chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if err := fn(Delta{Kind: DeltaThinking, Text: delta.ReasoningContent}); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			if err := fn(Delta{Kind: DeltaContent, Text: delta.Content}); err != nil {
				return err
			}
		}
	}
}

var _ Client = (*openAIClient)(nil)
