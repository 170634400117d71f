// Package qcm generates multiple-choice quizzes in two phases over the
// retrieval substrate, driven by a conversational parameter-collection
// state machine.
package qcm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/llm"
	"github.com/fjoulin/savoir/rag"
	"github.com/fjoulin/savoir/stream"
)

const (
	totalTimeout     = 5 * time.Minute
	generationTokens = 8000
)

// Item is one generated quiz entry. Answers[0] is always the correct
// answer; consumers shuffle at render time.
type Item struct {
	Question string
	Answers  [3]string
	Source   rag.Source
}

// Uploader stores the downloadable quiz artifact.
type Uploader interface {
	Upload(ctx context.Context, filename, extension string, content []byte) (string, error)
}

type Orchestrator struct {
	retr     rag.Retriever
	llm      llm.Client
	cfg      config.QCMConfig
	model    string
	resolver rag.URLResolver
	uploader Uploader
	logger   *zap.Logger
}

func NewOrchestrator(retr rag.Retriever, client llm.Client, cfg config.QCMConfig, model string, resolver rag.URLResolver, uploader Uploader, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		retr:     retr,
		llm:      client,
		cfg:      cfg,
		model:    model,
		resolver: resolver,
		uploader: uploader,
		logger:   logger,
	}
}

func (o *Orchestrator) options() llm.Options {
	return llm.Options{Model: o.model, Temperature: 0.7, MaxTokens: generationTokens}
}

// Run handles one conversation turn. While parameters are still being
// collected it emits the state machine's reply; once the user confirms,
// it runs the two generation phases. Exactly one done ends the stream.
func (o *Orchestrator) Run(ctx context.Context, collection string, history []llm.Message, emit func(stream.Event) error) error {
	state, reply := Advance(history)

	if state.Phase != PhaseRunning {
		if err := emit(stream.Content(reply)); err != nil {
			return err
		}
		return emit(stream.Done())
	}

	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	if err := emit(stream.Content(reply)); err != nil {
		return err
	}
	return o.generate(ctx, collection, state, emit)
}

func (o *Orchestrator) generate(ctx context.Context, collection string, state State, emit func(stream.Event) error) error {
	fail := func(stage string, err error) error {
		o.logger.Error("qcm generation failed", zap.String("stage", stage), zap.Error(err))
		msg := fmt.Sprintf("\n\nErreur lors de la génération du QCM (%s).", stage)
		if emitErr := emit(stream.Content(msg)); emitErr != nil {
			return emitErr
		}
		return emit(stream.Done())
	}

	header := fmt.Sprintf("Phase 1 : génération des questions\nSujet: %s\nDifficulté: %s\nQuestions: %d\n",
		state.Topic, difficultyLabels[state.Difficulty], state.Count)
	if err := emit(stream.Progress(header)); err != nil {
		return err
	}

	questions, err := o.generateQuestions(ctx, collection, state)
	if err != nil {
		return fail("questions", err)
	}
	if err := emit(stream.Progress(fmt.Sprintf("%d questions générées\n", len(questions)))); err != nil {
		return err
	}

	if err := emit(stream.Progress("Phase 2 : génération des réponses et choix\n")); err != nil {
		return err
	}

	// Sequential on purpose: source numbering follows question order.
	items := make([]Item, 0, len(questions))
	for i, question := range questions {
		if err := emit(stream.Progress(fmt.Sprintf("[%d/%d] %s\n", i+1, len(questions), truncate(question, 60)))); err != nil {
			return err
		}

		item, err := o.generateAnswer(ctx, collection, state, question)
		if err != nil {
			o.logger.Warn("question skipped", zap.String("question", question), zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return fail("réponses", fmt.Errorf("no quiz items produced"))
	}

	markdown := FormatMarkdown(items, state.Topic, state.Difficulty)

	downloadURL := ""
	payload, err := json.MarshalIndent(FormatDownloadable(items, state.Topic, state.Difficulty), "", "  ")
	if err == nil {
		filename := fmt.Sprintf("qcm_%s.json", truncate(state.Topic, 20))
		downloadURL, err = o.uploader.Upload(ctx, filename, "json", payload)
	}
	if err != nil {
		// Degrade: the quiz is still delivered, just without the link.
		o.logger.Warn("qcm upload failed", zap.Error(err))
		downloadURL = ""
	}

	if downloadURL != "" {
		markdown += fmt.Sprintf("\n\n---\n\n**[Télécharger le QCM (JSON)](%s)**\n", downloadURL)
	}

	if err := emit(stream.Content(markdown)); err != nil {
		return err
	}
	return emit(stream.Done())
}

// generateQuestions is phase 1: one broad retrieval, then question
// synthesis from the aggregated context.
func (o *Orchestrator) generateQuestions(ctx context.Context, collection string, state State) ([]string, error) {
	chunks, err := o.retr.Retrieve(ctx, collection, state.Topic, o.cfg.RetrieverTopK, o.cfg.RetrieverTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieve topic context: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no context found for topic %q", state.Topic)
	}

	sources := rag.SourcesFromChunks(chunks, o.resolver)
	response, err := o.llm.Complete(ctx,
		questionGeneratorSystem(state.Topic, state.Count, state.Difficulty),
		questionGeneratorUser(state.Topic, state.Count, sourcesBlock(sources)),
		o.options())
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	var parsed struct {
		Questions []string `json:"questions"`
	}
	var questions []string
	if err := llm.ExtractJSON(response, &parsed); err == nil && len(parsed.Questions) > 0 {
		questions = parsed.Questions
	} else {
		questions = extractQuestionsFallback(response, state.Count)
	}

	if len(questions) == 0 {
		return nil, fmt.Errorf("model produced no questions")
	}
	if len(questions) > state.Count {
		questions = questions[:state.Count]
	}
	return questions, nil
}

// generateAnswer is phase 2 for one question: narrow retrieval, then the
// correct answer, two distractors and the supporting source chunk.
func (o *Orchestrator) generateAnswer(ctx context.Context, collection string, state State, question string) (Item, error) {
	chunks, err := o.retr.Retrieve(ctx, collection, question, o.cfg.AnswerTopK, o.cfg.AnswerTopK)
	if err != nil {
		return Item{}, fmt.Errorf("retrieve answer context: %w", err)
	}
	if len(chunks) == 0 {
		return Item{}, fmt.Errorf("no source found for question")
	}

	sources := rag.SourcesFromChunks(chunks, o.resolver)
	response, err := o.llm.Complete(ctx,
		answerGeneratorSystem(state.Topic, state.Difficulty),
		answerGeneratorUser(question, sourcesBlock(sources)),
		o.options())
	if err != nil {
		return Item{}, fmt.Errorf("generate answer: %w", err)
	}

	var parsed struct {
		RightChoice  string `json:"right_choice"`
		WrongChoice1 string `json:"wrong_choice_1"`
		WrongChoice2 string `json:"wrong_choice_2"`
		SourceID     int    `json:"source_id"`
	}
	if err := llm.ExtractJSON(response, &parsed); err != nil {
		return Item{}, fmt.Errorf("parse answer: %w", err)
	}
	if parsed.RightChoice == "" || parsed.WrongChoice1 == "" || parsed.WrongChoice2 == "" {
		return Item{}, fmt.Errorf("answer response missing required fields")
	}

	// Sources are ordered by fused score; default to the top one when the
	// model's pick is out of range.
	source := sources[0]
	if parsed.SourceID >= 1 && parsed.SourceID <= len(sources) {
		source = sources[parsed.SourceID-1]
	}

	return Item{
		Question: question,
		Answers:  [3]string{parsed.RightChoice, parsed.WrongChoice1, parsed.WrongChoice2},
		Source:   source,
	}, nil
}

var questionNumberRe = regexp.MustCompile(`^\d+[.)\-]\s*`)

// extractQuestionsFallback salvages question lines when the model ignored
// the JSON contract.
func extractQuestionsFallback(text string, number int) []string {
	var questions []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = questionNumberRe.ReplaceAllString(line, "")
		line = strings.Trim(line, `"'`)
		line = strings.TrimSuffix(strings.TrimSpace(line), ",")
		if line != "" && strings.HasSuffix(line, "?") {
			questions = append(questions, line)
			if len(questions) >= number {
				break
			}
		}
	}
	return questions
}

func sourcesBlock(sources []rag.Source) string {
	var sb strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&sb, "[SOURCE %d] %s\n%s\n\n", s.ID, s.Title, strings.TrimSpace(s.Chunk.Text))
	}
	return sb.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
