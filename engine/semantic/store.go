// Package semantic owns all vector-store operations. Records live in a single
// qdrant collection; tenant isolation is enforced by stamping every point with
// a namespace payload field and scoping every query to it.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/LotLogicAI/lotlogic/pkg/fn"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// UpsertBatchSize is the most records sent per upsert call.
const UpsertBatchSize = 100

var upsertRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Second, MaxWait: 8 * time.Second, Jitter: true}

// VectorStore is the sole owner of all qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
	breaker     *resilience.Breaker
	logger      *slog.Logger

	mu         sync.Mutex
	namespaces map[string]bool // namespaces seen by this process
}

// New creates a VectorStore connected to qdrant at the given gRPC address.
// breaker may be nil.
func New(addr, collection string, dims int, breaker *resilience.Breaker, logger *slog.Logger) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
		breaker:     breaker,
		logger:      logger,
		namespaces:  make(map[string]bool),
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// Dimension returns the configured vector dimension.
func (v *VectorStore) Dimension() int { return v.dims }

// EnsureCollection creates the collection and its namespace payload index if
// they don't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			exists = true
			break
		}
	}

	if !exists {
		_, err = v.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: v.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(v.dims),
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
		}
	}

	// Keyword index on namespace keeps tenant-scoped queries cheap.
	fieldType := pb.FieldType_FieldTypeKeyword
	_, err = v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: v.collection,
		FieldName:      "namespace",
		FieldType:      &fieldType,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("semantic: namespace index: %w", err)
	}
	return nil
}

// PointID derives the deterministic qdrant point id for a chunk id, so a
// retried upsert always lands on the same point.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// Upsert stores records under the namespace in batches of UpsertBatchSize,
// retrying failed batches with exponential backoff. Returns how many records
// were written plus the per-batch errors of those that were not.
func (v *VectorStore) Upsert(ctx context.Context, namespace string, records []VectorRecord) (int, []error) {
	if len(records) == 0 {
		return 0, nil
	}
	v.rememberNamespace(namespace)

	var upserted int
	var errs []error

	for start := 0; start < len(records); start += UpsertBatchSize {
		end := min(start+UpsertBatchSize, len(records))
		batch := records[start:end]

		points := make([]*pb.PointStruct, 0, len(batch))
		for _, r := range batch {
			if v.dims > 0 && len(r.Embedding) != v.dims {
				errs = append(errs, fmt.Errorf("semantic: record %s: dimension %d, want %d", r.ID, len(r.Embedding), v.dims))
				continue
			}
			payload := toPayload(r.Payload)
			payload["namespace"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: namespace}}
			points = append(points, &pb.PointStruct{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Embedding}}},
				Payload: payload,
			})
		}
		if len(points) == 0 {
			continue
		}

		wait := true
		result := fn.Retry(ctx, upsertRetry, func(ctx context.Context) fn.Result[int] {
			err := v.gated(ctx, func(ctx context.Context) error {
				_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
					CollectionName: v.collection,
					Wait:           &wait,
					Points:         points,
				})
				return err
			})
			if err != nil {
				return fn.Err[int](err)
			}
			return fn.Ok(len(points))
		})
		n, err := result.Unwrap()
		if err != nil {
			errs = append(errs, fmt.Errorf("semantic: upsert batch of %d: %w", len(points), err))
			continue
		}
		upserted += n
	}
	return upserted, errs
}

// Query performs namespace-scoped similarity search with optional filters.
func (v *VectorStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filters Filters) ([]SearchResult, error) {
	must := []*pb.Condition{keywordMatch("namespace", namespace)}
	must = append(must, buildConditions(filters)...)

	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         &pb.Filter{Must: must},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	var resp *pb.SearchResponse
	err := v.gated(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Search(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		sr := SearchResult{
			ID:    r.GetId().GetUuid(),
			Score: float64(r.GetScore()),
			Meta:  make(map[string]any),
		}
		for k, val := range r.GetPayload() {
			switch k {
			case "text":
				sr.Content = val.GetStringValue()
			case "source":
				sr.Source = val.GetStringValue()
			case "namespace":
				sr.Namespace = val.GetStringValue()
			}
			sr.Meta[k] = fromValue(val)
		}
		results[i] = sr
	}
	return results, nil
}

// DeleteNamespace removes every record in the namespace.
func (v *VectorStore) DeleteNamespace(ctx context.Context, namespace string) error {
	wait := true
	err := v.gated(ctx, func(ctx context.Context) error {
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{
					Filter: &pb.Filter{Must: []*pb.Condition{keywordMatch("namespace", namespace)}},
				},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("semantic: delete namespace %s: %w", namespace, err)
	}
	v.mu.Lock()
	delete(v.namespaces, namespace)
	v.mu.Unlock()
	return nil
}

// DescribeStats reports total vectors, dimension, and per-namespace counts
// for the namespaces this process has touched.
func (v *VectorStore) DescribeStats(ctx context.Context) (Stats, error) {
	stats := Stats{Dimension: v.dims, Namespaces: make(map[string]int64)}

	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return stats, fmt.Errorf("semantic: collection info: %w", err)
	}
	stats.TotalVectors = int64(info.GetResult().GetPointsCount())

	v.mu.Lock()
	known := make([]string, 0, len(v.namespaces))
	for ns := range v.namespaces {
		known = append(known, ns)
	}
	v.mu.Unlock()

	for _, ns := range known {
		resp, err := v.points.Count(ctx, &pb.CountPoints{
			CollectionName: v.collection,
			Filter:         &pb.Filter{Must: []*pb.Condition{keywordMatch("namespace", ns)}},
		})
		if err != nil {
			v.logger.Warn("semantic: namespace count failed", "namespace", ns, "err", err)
			continue
		}
		stats.Namespaces[ns] = int64(resp.GetResult().GetCount())
	}
	return stats, nil
}

// gated runs f through the circuit breaker when one is configured.
func (v *VectorStore) gated(ctx context.Context, f func(context.Context) error) error {
	if v.breaker == nil {
		return f(ctx)
	}
	return v.breaker.Call(ctx, f)
}

func (v *VectorStore) rememberNamespace(ns string) {
	v.mu.Lock()
	v.namespaces[ns] = true
	v.mu.Unlock()
}
