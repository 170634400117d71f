// Package llm abstracts the chat-completions service: one interface, two
// implementations (local Ollama-style, remote OpenAI-compatible), selected
// once at startup by configuration.
package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fjoulin/savoir/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DeltaKind distinguishes user-visible output from reasoning output in a
// stream.
type DeltaKind int

const (
	DeltaContent DeltaKind = iota
	DeltaThinking
)

// Delta is one streamed fragment.
type Delta struct {
	Kind DeltaKind
	Text string
}

// Options tune a single completion call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// CompleteTimeout bounds non-streaming completion calls.
const CompleteTimeout = 60 * time.Second

// Client is the single abstraction over a chat-completions endpoint.
type Client interface {
	// Complete returns the full answer for a system/user prompt pair.
	Complete(ctx context.Context, system, user string, opts Options) (string, error)
	// Stream invokes fn for each delta as it arrives. The call returns
	// once the model signals completion, fn returns an error, or ctx is
	// cancelled; the underlying transport is closed promptly in all
	// three cases.
	Stream(ctx context.Context, system, user string, opts Options, fn func(Delta) error) error
}

// NewClient selects the implementation from configuration: the
// OpenAI-compatible cloud endpoint when an API key is configured, the
// local Ollama endpoint otherwise.
func NewClient(cfg config.Config, logger *zap.Logger) Client {
	if cfg.UseCloudLLM() {
		return NewOpenAIClient(OpenAIOptions{
			APIKey:  cfg.OllamaAPIKey,
			BaseURL: cfg.OllamaCloudHost + "/v1",
		}, logger)
	}
	return NewOllamaClient(OllamaOptions{Host: cfg.OllamaBaseURL}, logger)
}
