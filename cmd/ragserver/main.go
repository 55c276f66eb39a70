package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"ragserver/internal/config"
	"ragserver/internal/embedding"
	"ragserver/internal/indexer"
	"ragserver/internal/llm"
	"ragserver/internal/pipeline"
	"ragserver/internal/registry"
	"ragserver/internal/retriever"
	"ragserver/internal/server"
	"ragserver/internal/vectorstore"
	"ragserver/internal/vectorstore/memory"
	"ragserver/internal/vectorstore/qdrant"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath string
		reindex bool
		host    string
		port    int
	)
	flag.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML config file")
	flag.BoolVar(&reindex, "reindex", false, "Drop and rebuild every configuration's collection")
	flag.StringVar(&host, "host", "", "Listen host (overrides config)")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	apiKey := os.Getenv(cfg.Completion.APIKeyEnv)
	if apiKey == "" {
		log.Fatalf("missing API key in env %s", cfg.Completion.APIKeyEnv)
	}

	completionClient := llm.NewClient(llm.Config{
		APIBase: cfg.Completion.APIBase,
		APIKey:  apiKey,
		Timeout: time.Duration(cfg.Completion.TimeoutSecs) * time.Second,
	})

	var embKey string
	if cfg.Embedding.APIKeyEnv != "" {
		embKey = os.Getenv(cfg.Embedding.APIKeyEnv)
	}
	embedder := embedding.NewClient(embedding.Config{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    embKey,
		Timeout:   time.Duration(cfg.Embedding.TimeoutSecs) * time.Second,
		BatchSize: cfg.Embedding.BatchSize,
	})

	var store vectorstore.Storage
	switch cfg.VectorStore.Type {
	case "memory", "":
		store = memory.NewStorage()
	case "qdrant":
		q := cfg.VectorStore.Qdrant
		var qKey string
		if q.APIKeyEnv != "" {
			qKey = os.Getenv(q.APIKeyEnv)
		}
		store = qdrant.NewStorage(qdrant.Config{
			URL:     q.URL,
			APIKey:  qKey,
			Timeout: time.Duration(q.TimeoutSecs) * time.Second,
		})
	default:
		log.Fatalf("unknown vector store type: %s", cfg.VectorStore.Type)
	}

	reg := registry.New(cfg)

	ix := indexer.New(embedder, store, log)
	ctx := context.Background()
	for _, c := range reg.All() {
		if _, err := ix.Index(ctx, c, reindex); err != nil {
			log.Fatalf("indexing %s failed: %v", c.Name, err)
		}
	}

	srv := server.New(reg, retriever.New(embedder, store), pipeline.New(completionClient, log), log,
		func() (*config.Config, error) { return config.Load(cfgPath) })

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.WithField("addr", addr).Info("starting server")
	if err := srv.Router(cfg.Server.CORS).Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
