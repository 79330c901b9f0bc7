// Command ingest loads files or directories into the vector and keyword
// indexes under a target namespace.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/LotLogicAI/lotlogic/engine/ingest"
	"github.com/LotLogicAI/lotlogic/engine/lexical"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
	"github.com/LotLogicAI/lotlogic/pkg/metrics"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

var met = metrics.New()

var (
	mDocsTotal   = met.Counter("lotlogic_ingest_docs_total", "Total documents ingested")
	mChunksTotal = met.Counter("lotlogic_ingest_chunks_total", "Total chunks created")
	mVectorsTotal = met.Counter("lotlogic_ingest_vectors_total", "Vectors upserted")
	mErrorsTotal = met.Counter("lotlogic_ingest_errors_total", "Ingestion errors")
	mPipelineDur = met.Histogram("lotlogic_ingest_pipeline_duration_seconds", "Per-source pipeline time", nil)
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	_ = godotenv.Load()

	var (
		path       = flag.String("path", "", "file or directory to ingest")
		text       = flag.String("text", "", "raw text to ingest instead of a path")
		namespace  = flag.String("namespace", "default", "target namespace")
		docType    = flag.String("doc-type", "", "document type tag")
		qdrantAddr = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "lotlogic"), "qdrant collection")
		neo4jURL   = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "neo4j bolt URL")
		neo4jUser  = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "neo4j username")
		neo4jPass  = flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "neo4j password")
		embedURL   = flag.String("embed", envOr("EMBED_API_URL", "http://localhost:8091"), "embedding API base URL")
		embedModel = flag.String("embed-model", envOr("EMBED_MODEL", "voyage-3.5-large"), "embedding model")
		embedDim   = flag.Int("embed-dim", 1024, "embedding dimension")
		redisURL   = flag.String("redis", envOr("REDIS_URL", ""), "redis URL for the embedding cache")
		metricsPort = flag.Int("metrics-port", 9091, "metrics listen port, 0 disables")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if *path == "" && *text == "" {
		log.Error("either -path or -text is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *metricsPort > 0 {
		met.ServeAsync(*metricsPort)
	}

	vs, err := semantic.New(*qdrantAddr, *collection, *embedDim, resilience.NewBreaker(resilience.VectorBreakerOpts), log)
	if err != nil {
		log.Error("qdrant connect failed", "err", err)
		os.Exit(1)
	}
	defer vs.Close()
	if err := vs.EnsureCollection(ctx); err != nil {
		log.Error("qdrant ensure collection failed", "err", err)
		os.Exit(1)
	}

	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "err", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	idx := lexical.New(driver, *collection, lexical.DefaultTuning, nil, log)
	if err := idx.EnsureIndex(ctx); err != nil {
		log.Error("keyword index provisioning failed", "err", err)
		os.Exit(1)
	}

	var cache embedding.Cache
	if *redisURL != "" {
		if opts, err := redis.ParseURL(*redisURL); err == nil {
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			cache = embedding.NewRedisCache(rdb)
		}
	}
	embedder := embedding.New(*embedURL, os.Getenv("EMBED_API_KEY"), *embedModel, *embedDim, cache,
		resilience.NewBreaker(resilience.EmbedBreakerOpts), log)

	pipeline := ingest.New(embedder, vs, idx, ingest.DefaultOptions(), log)

	src := ingest.Source{Namespace: *namespace, DocType: *docType, Dedupe: true}
	switch {
	case *text != "":
		src.Type = ingest.SourceText
		src.Content = *text
	default:
		info, err := os.Stat(*path)
		if err != nil {
			log.Error("path not readable", "path", *path, "err", err)
			os.Exit(1)
		}
		src.Identifier = *path
		if info.IsDir() {
			src.Type = ingest.SourceDir
		} else {
			src.Type = ingest.SourceFile
		}
	}

	start := time.Now()
	report := pipeline.Ingest(ctx, src)
	mPipelineDur.Since(start)

	mDocsTotal.Add(int64(report.DocumentsProcessed))
	mChunksTotal.Add(int64(report.ChunksCreated))
	mVectorsTotal.Add(int64(report.VectorsUpserted))
	mErrorsTotal.Add(int64(len(report.Errors)))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	if report.Status == "failed" {
		os.Exit(1)
	}
}
