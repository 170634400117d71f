package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// BM25Client runs full-text match queries against the lexical store. The
// index is configured with BM25 similarity (k1=1.2, b=0.75) at ingestion
// time; queries must already be lemmatized so the vocabulary coincides
// with the indexed text.
type BM25Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewBM25Client(baseURL string, logger *zap.Logger) *BM25Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)

	return &BM25Client{http: client, logger: logger}
}

type bm25SearchRequest struct {
	Size         int      `json:"size"`
	Query        bm25Q    `json:"query"`
	StoredFields []string `json:"stored_fields"`
	Source       bool     `json:"_source"`
}

type bm25Q struct {
	Match map[string]string `json:"match"`
}

type bm25SearchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Fields struct {
				DocID []pointID `json:"doc_id"`
			} `json:"fields"`
			Source *bm25Source `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type bm25Source struct {
	ChunkText string          `json:"chunk_text"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Search runs a BM25 match query over the lemmatized text field and
// returns hits in score order. The payload is populated when the index
// stores the chunk source; otherwise the retriever hydrates from the
// vector store's copy.
func (c *BM25Client) Search(ctx context.Context, indexID, lemmatizedQuery string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = defaultVectorTopK
	}
	topK = clamp(topK, 1, maxVectorTopK)

	var parsed bm25SearchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(bm25SearchRequest{
			Size:         topK,
			Query:        bm25Q{Match: map[string]string{"text": lemmatizedQuery}},
			StoredFields: []string{"doc_id"},
			Source:       true,
		}).
		SetResult(&parsed).
		ForceContentType("application/json").
		Post(fmt.Sprintf("/%s/_search", indexID))
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bm25 search: status %s: %s", resp.Status(), resp.String())
	}

	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		id := h.ID
		if len(h.Fields.DocID) > 0 {
			id = string(h.Fields.DocID[0])
		}
		if id == "" {
			continue
		}

		hit := Hit{PointID: id, Score: h.Score}
		if h.Source != nil && h.Source.ChunkText != "" {
			hit.Payload = h.Source.payload()
			hit.HasPayload = true
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *bm25Source) payload() Payload {
	p := Payload{Text: s.ChunkText}
	if len(s.Metadata) == 0 {
		return p
	}
	var meta struct {
		Title       string            `json:"title"`
		SourceURL   string            `json:"source_url"`
		SectionPath []string          `json:"section_path"`
		TokenCount  int               `json:"token_count"`
		Tags        map[string]string `json:"tags"`
	}
	if err := json.Unmarshal(s.Metadata, &meta); err != nil {
		return p
	}
	p.Title = meta.Title
	p.SourceURL = meta.SourceURL
	p.SectionPath = meta.SectionPath
	p.TokenCount = meta.TokenCount
	p.ExtraTags = meta.Tags
	return p
}
