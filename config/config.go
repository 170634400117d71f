package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrUnknownCollection is returned when a request names a collection that is
// not present in the registry.
var ErrUnknownCollection = errors.New("unknown collection")

// Collection pairs the two storage identifiers backing one retrieval scope.
type Collection struct {
	VectorIndex  string `json:"vector_index_id"`
	LexicalIndex string `json:"lexical_index_id"`
}

// Registry maps user-facing collection names to their index pair. It is
// loaded once at startup and never mutated afterwards.
type Registry map[string]Collection

// Get resolves a collection name, wrapping ErrUnknownCollection if absent.
func (r Registry) Get(name string) (Collection, error) {
	c, ok := r[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

// Names returns the registered collection names.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

// LoadRegistry reads the collection registry file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections file: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse collections file: %w", err)
	}
	return reg, nil
}

// User is the record an auth token maps to.
type User struct {
	ID   string
	Name string
}

type RetrieverConfig struct {
	InitialK     int
	FinalK       int
	BM25Weight   float64
	VectorWeight float64
}

type RAGConfig struct {
	Model       string
	Temperature float64
	DefaultTopK int
	ChunkSize   int
	ChunkDelay  time.Duration
}

type QCMConfig struct {
	RetrieverTopK int
	AnswerTopK    int
	MaxQuestions  int
}

type CourseConfig struct {
	RetrieverTopK      int
	EnhancerIterations int
	EnhancerTopK       int
}

type FileserverConfig struct {
	BaseURL   string
	PublicURL string
}

type Config struct {
	ListenAddr string

	QdrantURL        string
	ElasticsearchURL string

	OllamaBaseURL   string
	OllamaAPIKey    string
	OllamaCloudHost string

	EmbedModel     string
	EmbedDimension int

	Retriever RetrieverConfig
	RAG       RAGConfig
	QCM       QCMConfig
	Course    CourseConfig

	HeartbeatInterval time.Duration

	Fileserver FileserverConfig

	AuthTokens      string
	CollectionsFile string
}

// Load builds the immutable settings value: a .env file (if present)
// provides defaults, environment variables override it.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		QdrantURL:        getEnv("QDRANT_URL", "http://localhost:6333"),
		ElasticsearchURL: getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),

		OllamaBaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaAPIKey:    getEnv("OLLAMA_API_KEY", ""),
		OllamaCloudHost: getEnv("OLLAMA_CLOUD_HOST", "https://ollama.com"),

		EmbedModel:     getEnv("EMBED_MODEL", "nomic-embed-text"),
		EmbedDimension: getInt("EMBED_DIMENSION", 768),

		Retriever: RetrieverConfig{
			InitialK:     getInt("RETRIEVER_TOP_K", 8),
			FinalK:       getInt("RETRIEVER_FINAL_K", 5),
			BM25Weight:   getFloat("BM25_WEIGHT", 0.5),
			VectorWeight: getFloat("VECTOR_WEIGHT", 0.5),
		},
		RAG: RAGConfig{
			Model:       getEnv("RAG_MODEL", "gpt-oss:20b"),
			Temperature: getFloat("RAG_TEMPERATURE", 0.7),
			DefaultTopK: getInt("RAG_DEFAULT_TOP_K", 5),
			ChunkSize:   getInt("RAG_CHUNK_SIZE", 0),
			ChunkDelay:  time.Duration(getInt("RAG_CHUNK_DELAY_MS", 0)) * time.Millisecond,
		},
		QCM: QCMConfig{
			RetrieverTopK: getInt("QCM_RETRIEVER_TOP_K", 15),
			AnswerTopK:    getInt("QCM_ANSWER_TOP_K", 5),
			MaxQuestions:  getInt("QCM_MAX_QUESTIONS", 50),
		},
		Course: CourseConfig{
			RetrieverTopK:      getInt("COURSE_RETRIEVER_TOP_K", 5),
			EnhancerIterations: getInt("COURSE_ENHANCER_ITERATIONS", 3),
			EnhancerTopK:       getInt("COURSE_ENHANCER_TOP_K", 5),
		},

		HeartbeatInterval: time.Duration(getInt("HEARTBEAT_INTERVAL", 10)) * time.Second,

		Fileserver: FileserverConfig{
			BaseURL:   getEnv("FILESERVER_BASE", "http://localhost:7700"),
			PublicURL: getEnv("FILESERVER_PUBLIC_URL", ""),
		},

		AuthTokens:      getEnv("AUTH_TOKENS", ""),
		CollectionsFile: getEnv("COLLECTIONS_FILE", "collections.json"),
	}
}

// UseCloudLLM reports whether the cloud chat-completions endpoint should be
// selected instead of the local one.
func (c Config) UseCloudLLM() bool {
	return c.OllamaAPIKey != ""
}

// FileserverPublicURL is the base used for browser-facing links. Falls back
// to the internal base when no public URL is configured.
func (c Config) FileserverPublicURL() string {
	if c.Fileserver.PublicURL != "" {
		return c.Fileserver.PublicURL
	}
	return c.Fileserver.BaseURL
}

const devToken = "dev-token-123"

// ParseAuthTokens parses the AUTH_TOKENS value, format
// "token:user_id:name,token:user_id:name,...". When empty, an insecure
// development token is installed; the caller should warn about it.
func (c Config) ParseAuthTokens() map[string]User {
	raw := c.AuthTokens
	if raw == "" {
		raw = devToken + ":user_1:Developer"
	}

	tokens := make(map[string]User)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			continue
		}
		tokens[parts[0]] = User{ID: parts[1], Name: parts[2]}
	}
	return tokens
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
