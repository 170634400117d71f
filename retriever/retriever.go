// Package retriever implements hybrid retrieval: the dense and lexical
// backends are queried concurrently and their rankings fused with
// Reciprocal Rank Fusion.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/search"
)

// ErrUnavailable is returned when both retrieval backends failed.
var ErrUnavailable = errors.New("retrieval unavailable")

// rrfK is the standard RRF smoothing constant (Cormack et al., 2009).
const rrfK = 60

const retrievalTimeout = 10 * time.Second

// Chunk is the atomic retrievable unit.
type Chunk struct {
	PointID     string
	Text        string
	Title       string
	SourceURL   string
	SectionPath []string
	TokenCount  int
	ExtraTags   map[string]string
}

// RankedChunk is a Chunk with its per-backend ranks and fused score.
// A rank of 0 means the chunk did not appear in that backend's list.
type RankedChunk struct {
	Chunk
	BM25Rank   int
	VectorRank int
	FusedScore float64
}

// VectorSearcher is the dense retrieval path.
type VectorSearcher interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Search(ctx context.Context, indexID string, vector []float32, topK int) ([]search.Hit, error)
}

// LexicalSearcher is the sparse retrieval path. The query must already be
// lemmatized by the caller.
type LexicalSearcher interface {
	Search(ctx context.Context, indexID, lemmatizedQuery string, topK int) ([]search.Hit, error)
}

// Lemmatizer normalizes the query for the lexical path.
type Lemmatizer interface {
	Normalize(text string) string
}

type Retriever struct {
	registry config.Registry
	vectors  VectorSearcher
	lexical  LexicalSearcher
	lemma    Lemmatizer
	cfg      config.RetrieverConfig
	logger   *zap.Logger
}

func New(registry config.Registry, vectors VectorSearcher, lexical LexicalSearcher, lemma Lemmatizer, cfg config.RetrieverConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		registry: registry,
		vectors:  vectors,
		lexical:  lexical,
		lemma:    lemma,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve fans out to both backends, fuses the rankings and returns at
// most finalK chunks with distinct point ids, ordered by fused score.
// When exactly one backend fails the other's ranking is used alone; when
// both fail, ErrUnavailable is surfaced.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string, initialK, finalK int) ([]RankedChunk, error) {
	pair, err := r.registry.Get(collection)
	if err != nil {
		return nil, err
	}

	if initialK <= 0 {
		initialK = r.cfg.InitialK
	}
	if finalK <= 0 {
		finalK = r.cfg.FinalK
	}

	ctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	var (
		vecHits []search.Hit
		lexHits []search.Hit
		vecErr  error
		lexErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecHits, vecErr = r.vectorSearch(gctx, pair.VectorIndex, query, initialK)
		return nil
	})
	g.Go(func() error {
		lexHits, lexErr = r.lexicalSearch(gctx, pair.LexicalIndex, query, initialK)
		return nil
	})
	_ = g.Wait()

	if vecErr != nil && lexErr != nil {
		return nil, fmt.Errorf("%w: vector: %v; bm25: %v", ErrUnavailable, vecErr, lexErr)
	}
	if vecErr != nil {
		r.logger.Warn("vector backend failed, proceeding with bm25 ranking only",
			zap.String("collection", collection), zap.Error(vecErr))
	}
	if lexErr != nil {
		r.logger.Warn("bm25 backend failed, proceeding with vector ranking only",
			zap.String("collection", collection), zap.Error(lexErr))
	}

	fused := Fuse(lexHits, vecHits, r.cfg.BM25Weight, r.cfg.VectorWeight)
	if len(fused) > finalK {
		fused = fused[:finalK]
	}
	return fused, nil
}

func (r *Retriever) vectorSearch(ctx context.Context, indexID, query string, topK int) ([]search.Hit, error) {
	vec, err := r.vectors.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.vectors.Search(ctx, indexID, vec, topK)
}

func (r *Retriever) lexicalSearch(ctx context.Context, indexID, query string, topK int) ([]search.Hit, error) {
	return r.lexical.Search(ctx, indexID, r.lemma.Normalize(query), topK)
}

// Fuse combines the two backend rankings with weighted RRF:
//
//	score(p) = wb/(rank_b(p)+60) + wv/(rank_v(p)+60)
//
// Ranks are 1-based positions within each list; an absent term contributes
// 0. Ties break by smaller best rank, then lexicographic point id, so the
// ordering is deterministic for identical inputs.
func Fuse(bm25Hits, vectorHits []search.Hit, bm25Weight, vectorWeight float64) []RankedChunk {
	byID := make(map[string]*RankedChunk)
	order := make([]string, 0, len(bm25Hits)+len(vectorHits))

	get := func(id string) *RankedChunk {
		rc, ok := byID[id]
		if !ok {
			rc = &RankedChunk{Chunk: Chunk{PointID: id}}
			byID[id] = rc
			order = append(order, id)
		}
		return rc
	}

	for i, hit := range bm25Hits {
		rc := get(hit.PointID)
		if rc.BM25Rank == 0 {
			rc.BM25Rank = i + 1
			if hit.HasPayload && rc.Text == "" {
				applyPayload(rc, hit.Payload)
			}
		}
	}
	for i, hit := range vectorHits {
		rc := get(hit.PointID)
		if rc.VectorRank == 0 {
			rc.VectorRank = i + 1
			// The vector store holds the canonical payload copy.
			if hit.HasPayload {
				applyPayload(rc, hit.Payload)
			}
		}
	}

	fused := make([]RankedChunk, 0, len(order))
	for _, id := range order {
		rc := byID[id]
		var score float64
		if rc.BM25Rank > 0 {
			score += bm25Weight / float64(rc.BM25Rank+rrfK)
		}
		if rc.VectorRank > 0 {
			score += vectorWeight / float64(rc.VectorRank+rrfK)
		}
		rc.FusedScore = score
		fused = append(fused, *rc)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		bi, bj := bestRank(fused[i]), bestRank(fused[j])
		if bi != bj {
			return bi < bj
		}
		return fused[i].PointID < fused[j].PointID
	})
	return fused
}

func applyPayload(rc *RankedChunk, p search.Payload) {
	rc.Text = p.Text
	rc.Title = p.Title
	rc.SourceURL = p.SourceURL
	rc.SectionPath = p.SectionPath
	rc.TokenCount = p.TokenCount
	rc.ExtraTags = p.ExtraTags
}

func bestRank(rc RankedChunk) int {
	switch {
	case rc.BM25Rank == 0:
		return rc.VectorRank
	case rc.VectorRank == 0:
		return rc.BM25Rank
	case rc.BM25Rank < rc.VectorRank:
		return rc.BM25Rank
	default:
		return rc.VectorRank
	}
}
