// Package course generates a structured course document through a
// three-agent pipeline over the retrieval substrate: research, iterative
// enhancement, writing.
package course

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/llm"
	"github.com/fjoulin/savoir/rag"
	"github.com/fjoulin/savoir/retriever"
	"github.com/fjoulin/savoir/stream"
)

const (
	totalTimeout     = 10 * time.Minute
	generationTokens = 8000
	researchInitialK = 8
)

// Chapter is one written course chapter.
type Chapter struct {
	Heading        string
	Body           string
	CitedSourceIDs []int
}

// IterationLog records one enhancer round.
type IterationLog struct {
	Round      int
	GapQueries []string
	NewChunks  int
}

// Document is the final course output.
type Document struct {
	Title         string
	Chapters      []Chapter
	KnowledgeBase string
	IterationLogs []IterationLog
	Sources       []rag.Source
}

type Orchestrator struct {
	retr     rag.Retriever
	llm      llm.Client
	cfg      config.CourseConfig
	model    string
	resolver rag.URLResolver
	logger   *zap.Logger
}

func NewOrchestrator(retr rag.Retriever, client llm.Client, cfg config.CourseConfig, model string, resolver rag.URLResolver, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		retr:     retr,
		llm:      client,
		cfg:      cfg,
		model:    model,
		resolver: resolver,
		logger:   logger,
	}
}

func (o *Orchestrator) options() llm.Options {
	return llm.Options{Model: o.model, Temperature: 0.7, MaxTokens: generationTokens}
}

// pipelineState is threaded through the three agents.
type pipelineState struct {
	collection string
	subject    string

	knowledge string
	sources   []rag.Source
	seen      map[string]bool
	logs      []IterationLog
}

// addChunks appends unseen chunks as new numbered sources and returns how
// many were new.
func (s *pipelineState) addChunks(chunks []retriever.RankedChunk, resolver rag.URLResolver) int {
	added := 0
	for _, c := range chunks {
		if c.PointID == "" || s.seen[c.PointID] {
			continue
		}
		s.seen[c.PointID] = true
		numbered := rag.SourcesFromChunks([]retriever.RankedChunk{c}, resolver)[0]
		numbered.ID = len(s.sources) + 1
		s.sources = append(s.sources, numbered)
		added++
	}
	return added
}

// Run executes the full pipeline, emitting progress at every agent
// transition and retrieval round, a final content with the document, and
// exactly one done.
func (o *Orchestrator) Run(ctx context.Context, collection, subject string, emit func(stream.Event) error) error {
	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	state := &pipelineState{
		collection: collection,
		subject:    subject,
		seen:       make(map[string]bool),
	}

	fail := func(stage string, err error) error {
		o.logger.Error("course generation failed", zap.String("stage", stage), zap.Error(err))
		msg := fmt.Sprintf("\n\nErreur lors de la génération du cours (%s).", stage)
		if emitErr := emit(stream.Content(msg)); emitErr != nil {
			return emitErr
		}
		return emit(stream.Done())
	}

	if err := emit(stream.Progress(fmt.Sprintf("Agent 1 : collecte des connaissances sur « %s »...\n", subject))); err != nil {
		return err
	}
	if err := o.research(ctx, state, emit); err != nil {
		return fail("recherche", err)
	}

	if err := emit(stream.Progress("Agent 2 : amélioration de la base de connaissances...\n")); err != nil {
		return err
	}
	if err := o.enhance(ctx, state, emit); err != nil {
		return fail("amélioration", err)
	}

	if err := emit(stream.Progress("Agent 3 : rédaction du cours...\n")); err != nil {
		return err
	}
	doc, err := o.write(ctx, state, emit)
	if err != nil {
		return fail("rédaction", err)
	}

	if err := emit(stream.Content(o.render(doc, state))); err != nil {
		return err
	}
	return emit(stream.Done())
}

// research is Agent R: sub-queries, retrieval, synthesis.
func (o *Orchestrator) research(ctx context.Context, state *pipelineState, emit func(stream.Event) error) error {
	queries, err := o.subQueries(ctx, state.subject)
	if err != nil {
		return err
	}
	if err := emit(stream.Progress(fmt.Sprintf("%d requêtes de recherche générées\n", len(queries)))); err != nil {
		return err
	}

	for i, query := range queries {
		chunks, err := o.retr.Retrieve(ctx, state.collection, query, researchInitialK, o.cfg.RetrieverTopK)
		if err != nil {
			return fmt.Errorf("retrieve %q: %w", query, err)
		}
		added := state.addChunks(chunks, o.resolver)
		if err := emit(stream.Progress(fmt.Sprintf("Requête %d/%d : %s — %d nouvelles sources\n", i+1, len(queries), query, added))); err != nil {
			return err
		}
	}

	synthesized, err := o.llm.Complete(ctx, knowledgeSynthesisSystem,
		knowledgeSynthesisUser(state.subject, o.sourcesBlock(state.sources)), o.options())
	if err != nil {
		return fmt.Errorf("synthesize knowledge: %w", err)
	}
	state.knowledge = strings.TrimSpace(synthesized)
	return nil
}

func (o *Orchestrator) subQueries(ctx context.Context, subject string) ([]string, error) {
	response, err := o.llm.Complete(ctx, queryGeneratorSystem, queryGeneratorUser(subject), o.options())
	if err != nil {
		return nil, fmt.Errorf("generate sub-queries: %w", err)
	}

	var queries []string
	if err := llm.ExtractJSON(response, &queries); err != nil || len(queries) == 0 {
		// Fall back to a fixed fan of angles on the subject.
		return []string{
			subject,
			subject + " concepts fondamentaux",
			subject + " principes",
			subject + " applications pratiques",
		}, nil
	}
	if len(queries) > 6 {
		queries = queries[:6]
	}
	return queries, nil
}

// enhance is Agent E: bounded gap-filling rounds. A round that yields no
// new chunks terminates the loop early.
func (o *Orchestrator) enhance(ctx context.Context, state *pipelineState, emit func(stream.Event) error) error {
	for round := 1; round <= o.cfg.EnhancerIterations; round++ {
		if err := emit(stream.Progress(fmt.Sprintf("Itération %d/%d\n", round, o.cfg.EnhancerIterations))); err != nil {
			return err
		}

		gaps, err := o.identifyGaps(ctx, state)
		if err != nil {
			return err
		}
		if len(gaps) == 0 {
			state.logs = append(state.logs, IterationLog{Round: round})
			if err := emit(stream.Progress("Aucune lacune significative trouvée\n")); err != nil {
				return err
			}
			return nil
		}

		newChunks, err := o.fillGaps(ctx, state, gaps)
		if err != nil {
			return err
		}
		added := state.addChunks(newChunks, o.resolver)
		state.logs = append(state.logs, IterationLog{Round: round, GapQueries: gaps, NewChunks: added})

		if added == 0 {
			if err := emit(stream.Progress("Aucune nouvelle information trouvée\n")); err != nil {
				return err
			}
			return nil
		}
		if err := emit(stream.Progress(fmt.Sprintf("%d nouvelles sources ajoutées\n", added))); err != nil {
			return err
		}

		integrated, err := o.llm.Complete(ctx, knowledgeIntegrationSystem,
			knowledgeIntegrationUser(state.subject, state.knowledge, o.sourcesBlock(state.sources[len(state.sources)-added:])),
			o.options())
		if err != nil {
			return fmt.Errorf("integrate enhancements: %w", err)
		}
		state.knowledge = strings.TrimSpace(integrated)
	}
	return nil
}

func (o *Orchestrator) identifyGaps(ctx context.Context, state *pipelineState) ([]string, error) {
	response, err := o.llm.Complete(ctx, gapIdentifierSystem,
		gapIdentifierUser(state.subject, state.knowledge), o.options())
	if err != nil {
		return nil, fmt.Errorf("identify gaps: %w", err)
	}

	var gaps []string
	if err := llm.ExtractJSON(response, &gaps); err != nil {
		return nil, nil
	}
	if len(gaps) > 4 {
		gaps = gaps[:4]
	}
	return gaps, nil
}

// fillGaps retrieves all gap queries concurrently, preserving query order
// in the combined result.
func (o *Orchestrator) fillGaps(ctx context.Context, state *pipelineState, gaps []string) ([]retriever.RankedChunk, error) {
	results := make([][]retriever.RankedChunk, len(gaps))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, gap := range gaps {
		g.Go(func() error {
			chunks, err := o.retr.Retrieve(gctx, state.collection, gap, researchInitialK, o.cfg.EnhancerTopK)
			if err != nil {
				return fmt.Errorf("retrieve gap %q: %w", gap, err)
			}
			mu.Lock()
			results[i] = chunks
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var combined []retriever.RankedChunk
	for _, chunks := range results {
		combined = append(combined, chunks...)
	}
	return combined, nil
}

type outline struct {
	CourseTitle string `json:"course_title"`
	Description string `json:"description"`
	Chapters    []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"chapters"`
}

// write is Agent W: outline, then one model call per chapter body.
func (o *Orchestrator) write(ctx context.Context, state *pipelineState, emit func(stream.Event) error) (Document, error) {
	response, err := o.llm.Complete(ctx, outlineSystem, outlineUser(state.subject, state.knowledge), o.options())
	if err != nil {
		return Document{}, fmt.Errorf("generate outline: %w", err)
	}

	var plan outline
	if err := llm.ExtractJSON(response, &plan); err != nil || len(plan.Chapters) == 0 {
		plan = outline{
			CourseTitle: "Cours : " + state.subject,
			Chapters: []struct {
				Title       string `json:"title"`
				Description string `json:"description"`
			}{{Title: "Introduction", Description: state.subject}},
		}
	}
	if err := emit(stream.Progress(fmt.Sprintf("Plan créé avec %d chapitres\n", len(plan.Chapters)))); err != nil {
		return Document{}, err
	}

	doc := Document{
		Title:         plan.CourseTitle,
		KnowledgeBase: state.knowledge,
		IterationLogs: state.logs,
	}

	for i, ch := range plan.Chapters {
		if err := emit(stream.Progress(fmt.Sprintf("Chapitre %d/%d : %s\n", i+1, len(plan.Chapters), ch.Title))); err != nil {
			return Document{}, err
		}

		body, err := o.llm.Complete(ctx, chapterWriterSystem,
			chapterWriterUser(state.subject, state.knowledge, ch.Title, ch.Description), o.options())
		if err != nil {
			return Document{}, fmt.Errorf("write chapter %q: %w", ch.Title, err)
		}

		rewritten, used := rag.RewriteAll(strings.TrimSpace(body), state.sources)
		chapter := Chapter{Heading: ch.Title, Body: rewritten}
		for _, s := range used {
			chapter.CitedSourceIDs = append(chapter.CitedSourceIDs, s.ID)
		}
		doc.Chapters = append(doc.Chapters, chapter)
	}

	doc.Sources = citedSources(doc.Chapters, state.sources)
	return doc, nil
}

// citedSources collects the sources cited anywhere in the document, in
// first-use order across chapters.
func citedSources(chapters []Chapter, all []rag.Source) []rag.Source {
	byID := make(map[int]rag.Source, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}

	var used []rag.Source
	seen := make(map[int]bool)
	for _, ch := range chapters {
		for _, id := range ch.CitedSourceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			used = append(used, byID[id])
		}
	}
	return used
}

func (o *Orchestrator) render(doc Document, state *pipelineState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", doc.Title)
	for _, ch := range doc.Chapters {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", ch.Heading, ch.Body)
	}

	if len(doc.Sources) > 0 {
		sb.WriteString("---\n\n**Sources:**\n")
		sb.WriteString(rag.FormatSources(doc.Sources))
		sb.WriteString("\n")
	}

	effective := 0
	for _, log := range doc.IterationLogs {
		if log.NewChunks > 0 {
			effective++
		}
	}
	fmt.Fprintf(&sb, "\n---\n\n**Statistiques de génération :**\n")
	fmt.Fprintf(&sb, "- Nombre de chapitres : %d\n", len(doc.Chapters))
	fmt.Fprintf(&sb, "- Nombre total de sources : %d\n", len(state.sources))
	fmt.Fprintf(&sb, "- Itérations d'amélioration effectives : %d\n", effective)
	return sb.String()
}

// sourcesBlock renders sources as numbered extracts for a prompt.
func (o *Orchestrator) sourcesBlock(sources []rag.Source) string {
	var sb strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&sb, "[SOURCE %d] %s\n%s\n\n", s.ID, s.Title, strings.TrimSpace(s.Chunk.Text))
	}
	return sb.String()
}
