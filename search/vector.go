package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/fjoulin/savoir/embeddings"
)

const (
	defaultVectorTopK = 8
	maxVectorTopK     = 64
)

// VectorClient embeds the query and runs a kNN search against the vector
// store.
type VectorClient struct {
	http     *resty.Client
	embedder embeddings.Embedder
	logger   *zap.Logger
}

func NewVectorClient(baseURL string, embedder embeddings.Embedder, logger *zap.Logger) *VectorClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)

	return &VectorClient{http: client, embedder: embedder, logger: logger}
}

type vectorQueryRequest struct {
	Query       []float32 `json:"query"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type vectorQueryResponse struct {
	Result struct {
		Points []struct {
			ID      pointID         `json:"id"`
			Score   float64         `json:"score"`
			Payload rawChunkPayload `json:"payload"`
		} `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// pointID accepts both numeric and string point identifiers.
type pointID string

func (p *pointID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = pointID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("point id: %w", err)
	}
	*p = pointID(n.String())
	return nil
}

type rawChunkPayload struct {
	ChunkText string `json:"chunk_text"`
	Hash      string `json:"hash"`
	Metadata  struct {
		Title       string            `json:"title"`
		SourceURL   string            `json:"source_url"`
		SectionPath []string          `json:"section_path"`
		TokenCount  int               `json:"token_count"`
		Tags        map[string]string `json:"tags"`
	} `json:"metadata"`
}

func (p rawChunkPayload) toPayload() Payload {
	tags := p.Metadata.Tags
	if p.Hash != "" {
		if tags == nil {
			tags = map[string]string{}
		}
		tags["hash"] = p.Hash
	}
	return Payload{
		Text:        p.ChunkText,
		Title:       p.Metadata.Title,
		SourceURL:   p.Metadata.SourceURL,
		SectionPath: p.Metadata.SectionPath,
		TokenCount:  p.Metadata.TokenCount,
		ExtraTags:   tags,
	}
}

// Embed obtains the dense query vector. A failed embed fails the whole
// vector path.
func (c *VectorClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, nil
}

// Search runs a kNN query against one vector index and returns hits in
// store order (nearest first).
func (c *VectorClient) Search(ctx context.Context, indexID string, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = defaultVectorTopK
	}
	topK = clamp(topK, 1, maxVectorTopK)

	var parsed vectorQueryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(vectorQueryRequest{Query: vector, Limit: topK, WithPayload: true}).
		SetResult(&parsed).
		Post(fmt.Sprintf("/collections/%s/points/query", indexID))
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vector search: status %s: %s", resp.Status(), resp.String())
	}

	hits := make([]Hit, 0, len(parsed.Result.Points))
	for _, pt := range parsed.Result.Points {
		id := string(pt.ID)
		if id == "" {
			continue
		}
		hits = append(hits, Hit{
			PointID:    id,
			Score:      pt.Score,
			Payload:    pt.Payload.toPayload(),
			HasPayload: true,
		})
	}
	return hits, nil
}
