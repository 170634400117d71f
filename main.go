package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fjoulin/savoir/api"
	"github.com/fjoulin/savoir/config"
	"github.com/fjoulin/savoir/course"
	"github.com/fjoulin/savoir/embeddings"
	"github.com/fjoulin/savoir/fileserver"
	"github.com/fjoulin/savoir/lemma"
	"github.com/fjoulin/savoir/llm"
	"github.com/fjoulin/savoir/qcm"
	"github.com/fjoulin/savoir/rag"
	"github.com/fjoulin/savoir/retriever"
	"github.com/fjoulin/savoir/search"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Load()

	registry, err := config.LoadRegistry(cfg.CollectionsFile)
	if err != nil {
		logger.Fatal("load collection registry", zap.Error(err))
	}
	logger.Info("collections loaded", zap.Strings("names", registry.Names()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	embedder := embeddings.NewOllamaEmbedder(embeddings.Options{
		Host:      cfg.OllamaBaseURL,
		Model:     cfg.EmbedModel,
		Dimension: cfg.EmbedDimension,
	})

	normalizer := lemma.NewNormalizer(logger)
	vectors := search.NewVectorClient(cfg.QdrantURL, embedder, logger)
	lexical := search.NewBM25Client(cfg.ElasticsearchURL, logger)
	retr := retriever.New(registry, vectors, lexical, normalizer, cfg.Retriever, logger)

	llmClient := llm.NewClient(cfg, logger)
	files := fileserver.New(cfg.Fileserver.BaseURL, cfg.FileserverPublicURL())
	resolver := rag.URLResolver{
		InternalBase: files.InternalBase(),
		PublicBase:   files.PublicBase(),
	}

	engine := rag.NewEngine(retr, llmClient, cfg.RAG, cfg.Retriever, resolver, logger)
	courses := course.NewOrchestrator(retr, llmClient, cfg.Course, cfg.RAG.Model, resolver, logger)
	quizzes := qcm.NewOrchestrator(retr, llmClient, cfg.QCM, cfg.RAG.Model, resolver, files, logger)

	server := api.New(cfg, registry, engine, courses, quizzes, logger)

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}
