// Package stream packages internal progress/content events into an
// OpenAI-style chat-completion-chunk SSE stream.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a stream event.
type Kind string

const (
	// KindProgress is reasoning/thinking text, rendered outside the answer.
	KindProgress Kind = "progress"
	// KindContent is a user-visible text delta.
	KindContent Kind = "content"
	// KindDone is the terminal marker; nothing follows it.
	KindDone Kind = "done"
)

// Event is one typed element of a response stream.
type Event struct {
	Kind Kind
	Text string
}

func Progress(text string) Event { return Event{Kind: KindProgress, Text: text} }
func Content(text string) Event  { return Event{Kind: KindContent, Text: text} }
func Done() Event                { return Event{Kind: KindDone} }

// Envelope stamps every chunk of one response with a stable id, model and
// creation time.
type Envelope struct {
	ID      string
	Model   string
	Created int64
}

func NewEnvelope(model string) Envelope {
	return Envelope{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Model:   model,
		Created: time.Now().Unix(),
	}
}

type chunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func (e Envelope) chunk(delta chunkDelta, finishReason *string) completionChunk {
	return completionChunk{
		ID:      e.ID,
		Object:  "chat.completion.chunk",
		Created: e.Created,
		Model:   e.Model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

func frame(c completionChunk) []byte {
	data, err := json.Marshal(c)
	if err != nil {
		// The chunk types marshal unconditionally; this cannot happen for
		// valid UTF-8 input.
		data = []byte("{}")
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// ContentFrame is one `data: <json>\n\n` frame carrying a content delta.
func (e Envelope) ContentFrame(text string) []byte {
	return frame(e.chunk(chunkDelta{Content: text}, nil))
}

// ProgressFrame carries reasoning text in the assistant delta.
func (e Envelope) ProgressFrame(text string) []byte {
	return frame(e.chunk(chunkDelta{Role: RoleAssistant, ReasoningContent: text}, nil))
}

// HeartbeatFrame is an empty delta used to keep intermediaries from
// closing an idle connection.
func (e Envelope) HeartbeatFrame() []byte {
	return frame(e.chunk(chunkDelta{}, nil))
}

// DoneFrames is the stop chunk followed by the `[DONE]` terminator.
func (e Envelope) DoneFrames() []byte {
	stop := "stop"
	out := frame(e.chunk(chunkDelta{}, &stop))
	return append(out, []byte("data: [DONE]\n\n")...)
}

const RoleAssistant = "assistant"
