// Package rag assembles retrieved context into a prompt, drives the model
// and rewrites its citations against the fetched sources.
package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/llm"
	"github.com/fjoulin/savoir/retriever"
	"github.com/fjoulin/savoir/stream"
)

const (
	maxTopK          = 100
	answerMaxTokens  = 4096
	noContextMessage = "Je n'ai trouvé aucun contexte pertinent pour répondre à cette question."
)

// Retriever is the slice of the hybrid retriever the engine needs.
type Retriever interface {
	Retrieve(ctx context.Context, collection, query string, initialK, finalK int) ([]retriever.RankedChunk, error)
}

// Response is a complete non-streaming answer.
type Response struct {
	Answer  string
	Sources []Source
	Model   string
}

type Engine struct {
	retr     Retriever
	llm      llm.Client
	cfg      config.RAGConfig
	initialK int
	resolver URLResolver
	logger   *zap.Logger
}

func NewEngine(retr Retriever, client llm.Client, cfg config.RAGConfig, retrCfg config.RetrieverConfig, resolver URLResolver, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		retr:     retr,
		llm:      client,
		cfg:      cfg,
		initialK: retrCfg.InitialK,
		resolver: resolver,
		logger:   logger,
	}
}

func (e *Engine) clampTopK(topK int) int {
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	if topK < 1 {
		topK = 1
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	return topK
}

func (e *Engine) options() llm.Options {
	return llm.Options{
		Model:       e.cfg.Model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   answerMaxTokens,
	}
}

// BuildContext retrieves chunks and prepares the knowledge base block and
// its numbered sources.
func (e *Engine) BuildContext(ctx context.Context, collection, question string, topK int) (string, []Source, error) {
	chunks, err := e.retr.Retrieve(ctx, collection, question, e.initialK, e.clampTopK(topK))
	if err != nil {
		return "", nil, err
	}
	return BuildKnowledgeBase(chunks), SourcesFromChunks(chunks, e.resolver), nil
}

// Query answers a question without streaming.
func (e *Engine) Query(ctx context.Context, collection, question string, topK int) (Response, error) {
	kb, sources, err := e.BuildContext(ctx, collection, question, topK)
	if err != nil {
		return Response{}, err
	}
	if len(sources) == 0 {
		return Response{Answer: noContextMessage, Model: e.cfg.Model}, nil
	}

	answer, err := e.llm.Complete(ctx, systemPrompt, userPrompt(question, kb), e.options())
	if err != nil {
		return Response{}, fmt.Errorf("llm complete: %w", err)
	}

	rewritten, used := RewriteAll(strings.TrimSpace(answer), sources)
	if len(used) > 0 {
		rewritten += "\n\n**Sources:**\n" + FormatSources(used)
	}
	return Response{Answer: rewritten, Sources: used, Model: e.cfg.Model}, nil
}

// StreamRAG runs the full retrieval + generation pipeline, emitting
// progress, content and exactly one terminal done event. Internal
// failures become in-band content; only emit errors (client gone)
// propagate.
func (e *Engine) StreamRAG(ctx context.Context, collection, question string, topK int, emit func(stream.Event) error) error {
	if err := emit(stream.Progress("Retrieving context...\n")); err != nil {
		return err
	}

	kb, sources, err := e.BuildContext(ctx, collection, question, topK)
	if err != nil {
		e.logger.Error("retrieval failed", zap.String("collection", collection), zap.Error(err))
		if err := emit(stream.Content("La recherche documentaire est indisponible pour le moment.")); err != nil {
			return err
		}
		return emit(stream.Done())
	}

	if len(sources) == 0 {
		if err := emit(stream.Content(noContextMessage)); err != nil {
			return err
		}
		return emit(stream.Done())
	}

	if err := emit(stream.Progress("Generating answer...\n")); err != nil {
		return err
	}

	rw := NewRewriter(sources)
	streamErr := e.llm.Stream(ctx, systemPrompt, userPrompt(question, kb), e.options(), func(d llm.Delta) error {
		switch d.Kind {
		case llm.DeltaThinking:
			return emit(stream.Progress(d.Text))
		case llm.DeltaContent:
			if out := rw.Write(d.Text); out != "" {
				return emit(stream.Content(out))
			}
		}
		return nil
	})

	if rest := rw.Flush(); rest != "" && streamErr == nil {
		if err := emit(stream.Content(rest)); err != nil {
			return err
		}
	}

	if streamErr != nil {
		e.logger.Error("llm stream failed", zap.Error(streamErr))
		if err := emit(stream.Content("\n\nErreur lors de la génération de la réponse.")); err != nil {
			return err
		}
		return emit(stream.Done())
	}

	if used := rw.Used(); len(used) > 0 {
		trailer := "\n\n**Sources:**\n" + FormatSources(used)
		if err := emit(stream.Content(trailer)); err != nil {
			return err
		}
	}
	return emit(stream.Done())
}
