// Package main implements the LotLogic query API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/LotLogicAI/lotlogic/engine/answer"
	"github.com/LotLogicAI/lotlogic/engine/dms"
	"github.com/LotLogicAI/lotlogic/engine/ingest"
	"github.com/LotLogicAI/lotlogic/engine/intent"
	"github.com/LotLogicAI/lotlogic/engine/lexical"
	"github.com/LotLogicAI/lotlogic/engine/rag"
	"github.com/LotLogicAI/lotlogic/engine/retrieve"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
	"github.com/LotLogicAI/lotlogic/pkg/chat"
	"github.com/LotLogicAI/lotlogic/pkg/convo"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
	"github.com/LotLogicAI/lotlogic/pkg/metrics"
	"github.com/LotLogicAI/lotlogic/pkg/mid"
	"github.com/LotLogicAI/lotlogic/pkg/rerank"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	Environment string

	QdrantURL  string
	Collection string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	RedisURL string
	NATSURL  string

	EmbedURL   string
	EmbedKey   string
	EmbedModel string
	EmbedDim   int

	ChatURL   string
	ChatKey   string
	ChatModel string

	RerankURL   string
	RerankKey   string
	RerankModel string

	DMSVariant      string
	DMSBaseURL      string
	DMSClientID     string
	DMSClientSecret string
	DMSAPIKey       string
	DMSDealerCode   string
	DMSDealerID     string

	CORSOrigin     string
	TopKRerank     int
	QueryTimeout   time.Duration
	RateLimitPerMinute int
	ChunkSize    int
	ChunkOverlap int
	VectorWeight float64
	BM25Weight   float64
}

func loadConfig() Config {
	_ = godotenv.Load()
	return Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "development"),

		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "lotlogic"),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		RedisURL: envOr("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:  envOr("NATS_URL", ""),

		EmbedURL:   envOr("EMBED_API_URL", "http://localhost:8091"),
		EmbedKey:   os.Getenv("EMBED_API_KEY"),
		EmbedModel: envOr("EMBED_MODEL", "voyage-3.5-large"),
		EmbedDim:   envInt("EMBED_DIM", 1024),

		ChatURL:   envOr("CHAT_API_URL", "http://localhost:8092"),
		ChatKey:   os.Getenv("CHAT_API_KEY"),
		ChatModel: envOr("CHAT_MODEL", "dealer-chat-large"),

		RerankURL:   envOr("RERANK_API_URL", ""),
		RerankKey:   os.Getenv("RERANK_API_KEY"),
		RerankModel: envOr("RERANK_MODEL", "rerank-v3.5"),

		DMSVariant:      envOr("DMS_ADAPTER", "mock"),
		DMSBaseURL:      os.Getenv("DMS_BASE_URL"),
		DMSClientID:     os.Getenv("DMS_CLIENT_ID"),
		DMSClientSecret: os.Getenv("DMS_CLIENT_SECRET"),
		DMSAPIKey:       os.Getenv("DMS_API_KEY"),
		DMSDealerCode:   os.Getenv("DMS_DEALER_CODE"),
		DMSDealerID:     os.Getenv("DMS_DEALER_ID"),

		CORSOrigin:         envOr("CORS_ORIGIN", "*"),
		TopKRerank:         envInt("TOP_K_RERANK", 5),
		QueryTimeout:       time.Duration(envInt("QUERY_TIMEOUT_SECONDS", 30)) * time.Second,
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 100),
		ChunkSize:          envInt("CHUNK_SIZE", 1000),
		ChunkOverlap:       envInt("CHUNK_OVERLAP", 200),
		VectorWeight:       envFloat("VECTOR_WEIGHT", 0.6),
		BM25Weight:         envFloat("BM25_WEIGHT", 0.4),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	// --- Circuit breakers, one per provider ---
	vectorBreaker := resilience.NewBreaker(resilience.VectorBreakerOpts)
	chatBreaker := resilience.NewBreaker(resilience.ChatBreakerOpts)
	embedBreaker := resilience.NewBreaker(resilience.EmbedBreakerOpts)
	dmsBreaker := resilience.NewBreaker(resilience.DMSBreakerOpts)
	breakers := []*resilience.Breaker{vectorBreaker, chatBreaker, embedBreaker, dmsBreaker}

	// --- Redis (embedding cache, conversations, answer cache) ---
	var rdb *redis.Client
	if redisOpts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.Warn("redis url invalid, running without cache", "err", err)
	} else {
		rdb = redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, running without cache", "err", err)
			rdb = nil
		}
	}

	var embedCache embedding.Cache
	var historyStore *convo.Store
	var answerCache *convo.AnswerCache
	if rdb != nil {
		defer rdb.Close()
		embedCache = embedding.NewRedisCache(rdb)
		historyStore = convo.NewStore(rdb)
		answerCache = convo.NewAnswerCache(rdb)
	}

	// --- Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection, cfg.EmbedDim, vectorBreaker, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// --- Neo4j (keyword index) ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	keywordIndex := lexical.New(neo4jDriver, cfg.Collection, lexical.DefaultTuning, nil, logger)
	if err := keywordIndex.EnsureIndex(ctx); err != nil {
		logger.Warn("keyword index provisioning failed, search may degrade", "err", err)
	}

	// --- Model clients ---
	embedClient := embedding.New(cfg.EmbedURL, cfg.EmbedKey, cfg.EmbedModel, cfg.EmbedDim, embedCache, embedBreaker, logger)
	chatClient := chat.New(cfg.ChatURL, cfg.ChatKey, cfg.ChatModel, chatBreaker)

	var rerankClient retrieve.Reranker
	if cfg.RerankURL != "" {
		rerankClient = rerank.New(cfg.RerankURL, cfg.RerankKey, cfg.RerankModel)
	}

	// --- DMS adapter ---
	adapter, err := dms.New(dms.Config{
		Variant:      dms.Variant(cfg.DMSVariant),
		BaseURL:      cfg.DMSBaseURL,
		ClientID:     cfg.DMSClientID,
		ClientSecret: cfg.DMSClientSecret,
		APIKey:       cfg.DMSAPIKey,
		DealerCode:   cfg.DMSDealerCode,
		DealerID:     cfg.DMSDealerID,
	}, dmsBreaker, logger)
	if err != nil {
		return fmt.Errorf("dms adapter: %w", err)
	}
	defer adapter.Close()

	// --- Engine ---
	retriever := retrieve.New(embedClient, vectorStore, keywordIndex, rerankClient, retrieve.Options{
		TopKRetrieval: envInt("TOP_K_RETRIEVAL", 20),
		RRFK:          60,
		VectorWeight:  cfg.VectorWeight,
		BM25Weight:    cfg.BM25Weight,
	}, logger)
	classifier := intent.New(chatClient, logger)
	generator := answer.New(chatClient, answer.Options{
		MaxTokens:   envInt("MAX_TOKENS_GENERATION", 1000),
		Temperature: 0.2,
	}, logger)
	pipeline := ingest.New(embedClient, vectorStore, keywordIndex, ingest.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	}, logger)

	service := rag.New(classifier, retriever, generator, adapter, historyStore, answerCache, rag.Options{
		TopK:         cfg.TopKRerank,
		UseRerank:    rerankClient != nil,
		QueryTimeout: cfg.QueryTimeout,
	}, logger)

	// --- NATS (background ingestion) ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats unreachable, background ingestion runs inline", "err", err)
		} else {
			defer nc.Drain()
			if _, err := ingest.StartConsumer(nc, pipeline, logger); err != nil {
				return fmt.Errorf("ingest consumer: %w", err)
			}
		}
	}

	admin := rag.NewAdmin(pipeline, vectorStore, keywordIndex, service, nc)

	// --- HTTP server ---
	api := newAPI(service, admin, embedClient, adapter, breakers, met, logger)
	api.ready.Store(true)

	handler := mid.Chain(api.routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("lotlogic-api"),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute/5+1),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "environment", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutCtx); err != nil {
		logger.Warn("background workers did not drain", "err", err)
	}
	return srv.Shutdown(shutCtx)
}
