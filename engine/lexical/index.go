// Package lexical owns the keyword index. Chunks are stored as Neo4j nodes
// keyed by content hash and searched through a Lucene-backed full-text index,
// whose default BM25 similarity (k1=1.2, b=0.75) carries the ranking. Every
// operation is namespace-scoped.
package lexical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// IndexBatchSize is the most chunks written per bulk call.
const IndexBatchSize = 500

// BM25 tuning carried by the underlying Lucene similarity. Surfaced as
// configuration so deployments that re-provision the index can tune them.
type Tuning struct {
	K1 float64
	B  float64
}

// DefaultTuning matches the Lucene defaults.
var DefaultTuning = Tuning{K1: 1.2, B: 0.75}

// Doc is a single keyword search hit.
type Doc struct {
	ContentHash string         `json:"content_hash"`
	Content     string         `json:"content"`
	Source      string         `json:"source"`
	Namespace   string         `json:"namespace"`
	BM25Score   float64        `json:"bm25_score"`
	Highlights  []string       `json:"highlights,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Health reports index status.
type Health struct {
	Status        string `json:"status"` // green, yellow, red
	DocumentCount int64  `json:"document_count"`
}

// Index is the keyword index client.
type Index struct {
	driver    neo4j.DriverWithContext
	indexName string
	tuning    Tuning
	breaker   *resilience.Breaker
	logger    *slog.Logger
}

// New creates a keyword index client. The full-text index is named
// <prefix>_documents; breaker may be nil.
func New(driver neo4j.DriverWithContext, prefix string, tuning Tuning, breaker *resilience.Breaker, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	if tuning.K1 == 0 {
		tuning = DefaultTuning
	}
	if prefix == "" {
		prefix = "lotlogic"
	}
	return &Index{driver: driver, indexName: prefix + "_documents", tuning: tuning, breaker: breaker, logger: logger}
}

// EnsureIndex creates the full-text index and the content-hash constraint.
func (x *Index) EnsureIndex(ctx context.Context) error {
	sess := x.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT chunk_hash IF NOT EXISTS FOR (c:Chunk) REQUIRE c.content_hash IS UNIQUE`,
		fmt.Sprintf(`CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (c:Chunk) ON EACH [c.content, c.title]`, x.indexName),
		`CREATE INDEX chunk_namespace IF NOT EXISTS FOR (c:Chunk) ON (c.namespace)`,
	}
	for _, stmt := range stmts {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("lexical: ensure index: %w", err)
		}
	}
	return nil
}

// IndexChunks bulk-upserts chunks under the namespace, keyed by content hash.
// Returns how many chunks were written plus per-batch errors.
func (x *Index) IndexChunks(ctx context.Context, namespace string, chunks []domain.Chunk) (int, []error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	var indexed int
	var errs []error

	for start := 0; start < len(chunks); start += IndexBatchSize {
		end := min(start+IndexBatchSize, len(chunks))
		batch := chunks[start:end]

		rows := make([]map[string]any, len(batch))
		for i, c := range batch {
			row := map[string]any{
				"content_hash": domain.ContentHash(c.Text),
				"chunk_id":     c.ID,
				"content":      c.Text,
				"title":        c.Source,
				"source":       c.Source,
				"doc_type":     c.DocType,
				"chunk_index":  c.ChunkIndex,
				"namespace":    namespace,
				"timestamp":    c.IngestedAt.Unix(),
			}
			// Structured fields (vin, make, model, year, price, mileage,
			// dealer_id) are promoted to node properties for filtering.
			for k, v := range c.Metadata {
				if _, taken := row[k]; !taken {
					row[k] = v
				}
			}
			rows[i] = row
		}

		err := x.gated(ctx, func(ctx context.Context) error {
			sess := x.driver.NewSession(ctx, neo4j.SessionConfig{})
			defer sess.Close(ctx)
			_, err := sess.Run(ctx,
				`UNWIND $rows AS row
				 MERGE (c:Chunk {content_hash: row.content_hash})
				 SET c += row`,
				map[string]any{"rows": rows})
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("lexical: index batch of %d: %w", len(batch), err))
			continue
		}
		indexed += len(batch)
	}
	return indexed, errs
}

// Search runs a BM25-ranked full-text query scoped to the namespace. The last
// term gets a trailing wildcard so partial words still match. An empty query
// returns an empty list without touching the store.
func (x *Index) Search(ctx context.Context, namespace, query string, topK int, filters map[string]any) ([]Doc, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	params := map[string]any{
		"q":     luceneQuery(query),
		"ns":    namespace,
		"limit": topK,
	}

	var where []string
	for key, val := range filters {
		switch {
		case strings.HasSuffix(key, "_min"):
			field := strings.TrimSuffix(key, "_min")
			p := "f_" + field + "_min"
			where = append(where, fmt.Sprintf("node.%s >= $%s", safeField(field), p))
			params[p] = val
		case strings.HasSuffix(key, "_max"):
			field := strings.TrimSuffix(key, "_max")
			p := "f_" + field + "_max"
			where = append(where, fmt.Sprintf("node.%s <= $%s", safeField(field), p))
			params[p] = val
		default:
			p := "f_" + key
			where = append(where, fmt.Sprintf("node.%s = $%s", safeField(key), p))
			params[p] = val
		}
	}

	cypher := fmt.Sprintf(
		`CALL db.index.fulltext.queryNodes(%q, $q) YIELD node, score
		 WHERE node.namespace = $ns%s
		 RETURN node, score
		 ORDER BY score DESC
		 LIMIT $limit`, x.indexName, andClauses(where))

	var docs []Doc
	err := x.gated(ctx, func(ctx context.Context) error {
		sess := x.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
		defer sess.Close(ctx)

		result, err := sess.Run(ctx, cypher, params)
		if err != nil {
			return err
		}
		for result.Next(ctx) {
			rec := result.Record()
			nodeVal, _ := rec.Get("node")
			scoreVal, _ := rec.Get("score")
			node, ok := nodeVal.(neo4j.Node)
			if !ok {
				continue
			}
			score, _ := scoreVal.(float64)
			docs = append(docs, docFromNode(node, score, query))
		}
		_, err = result.Consume(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}
	return docs, nil
}

// DeleteNamespace removes every chunk node in the namespace.
func (x *Index) DeleteNamespace(ctx context.Context, namespace string) error {
	err := x.gated(ctx, func(ctx context.Context) error {
		sess := x.driver.NewSession(ctx, neo4j.SessionConfig{})
		defer sess.Close(ctx)
		_, err := sess.Run(ctx,
			`MATCH (c:Chunk {namespace: $ns}) DETACH DELETE c`,
			map[string]any{"ns": namespace})
		return err
	})
	if err != nil {
		return fmt.Errorf("lexical: delete namespace %s: %w", namespace, err)
	}
	return nil
}

// CheckHealth reports green when the store answers a chunk count query, red
// when that query fails. The full-text index itself is not checked.
func (x *Index) CheckHealth(ctx context.Context) Health {
	h := Health{Status: "red"}
	err := x.gated(ctx, func(ctx context.Context) error {
		sess := x.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
		defer sess.Close(ctx)
		result, err := sess.Run(ctx, `MATCH (c:Chunk) RETURN count(c) AS n`, nil)
		if err != nil {
			return err
		}
		if result.Next(ctx) {
			if n, ok := result.Record().Get("n"); ok {
				h.DocumentCount, _ = n.(int64)
			}
		}
		_, err = result.Consume(ctx)
		return err
	})
	if err != nil {
		x.logger.Warn("lexical: health check failed", "err", err)
		return h
	}
	h.Status = "green"
	return h
}

func (x *Index) gated(ctx context.Context, f func(context.Context) error) error {
	if x.breaker == nil {
		return f(ctx)
	}
	return x.breaker.Call(ctx, f)
}
