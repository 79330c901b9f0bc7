package rag

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LotLogicAI/lotlogic/engine/ingest"
	"github.com/LotLogicAI/lotlogic/engine/lexical"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
)

// dmsSyncPageSize is how many vehicles each background sync page fetches.
const dmsSyncPageSize = 50

// Admin wraps the administrative surface: ingestion, namespace clearing, and
// health. It owns the background workers spawned for DMS sync.
type Admin struct {
	pipeline *ingest.Pipeline
	vectors  *semantic.VectorStore
	keywords *lexical.Index
	service  *Service
	nc       *nats.Conn // nil processes sync batches inline

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewAdmin creates the administrative surface. nc may be nil.
func NewAdmin(pipeline *ingest.Pipeline, vectors *semantic.VectorStore, keywords *lexical.Index, service *Service, nc *nats.Conn) *Admin {
	return &Admin{
		pipeline: pipeline,
		vectors:  vectors,
		keywords: keywords,
		service:  service,
		nc:       nc,
		shutdown: make(chan struct{}),
	}
}

// Ingest runs one ingestion request. DMS sources detach into a background
// sync task and return immediately with a queued status.
func (a *Admin) Ingest(ctx context.Context, src ingest.Source) ingest.Report {
	if src.Type == ingest.SourceDMS {
		a.wg.Add(1)
		go a.syncDMS(src)
		return ingest.Report{Status: "queued"}
	}
	return a.pipeline.Ingest(ctx, src)
}

// syncDMS paginates the DMS inventory and feeds each page through the
// pipeline as synthetic documents. Observes the shutdown signal between
// pages so workers drain in order at process stop.
func (a *Admin) syncDMS(src ingest.Source) {
	defer a.wg.Done()
	log := a.service.logger
	adapter := a.service.adapter
	if adapter == nil {
		log.Warn("dms sync requested with no adapter configured")
		return
	}

	namespace := src.Namespace
	if namespace == "" {
		namespace = "inventory"
	}

	for offset := 0; ; offset += dmsSyncPageSize {
		select {
		case <-a.shutdown:
			log.Info("dms sync interrupted by shutdown", "offset", offset)
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		vehicles, err := adapter.GetInventory(ctx, nil, dmsSyncPageSize, offset)
		if err != nil {
			cancel()
			log.Error("dms sync page failed", "offset", offset, "err", err)
			return
		}
		if len(vehicles) == 0 {
			cancel()
			log.Info("dms sync complete", "pages", offset/dmsSyncPageSize)
			return
		}

		docs := vehicleDocuments(vehicles)
		if a.nc != nil {
			if err := ingest.PublishDocuments(ctx, a.nc, ingest.SyncSubject, namespace, docs, true); err != nil {
				log.Error("dms sync publish failed", "err", err)
			}
			cancel()
			continue
		}
		cancel()

		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		report := a.pipeline.IngestDocuments(ctx, namespace, docs, true)
		cancel()
		if report.Status == "failed" {
			log.Error("dms sync ingest failed", "errors", report.Errors)
		}
	}
}

// ClearNamespace removes a tenant's data from both indexes.
func (a *Admin) ClearNamespace(ctx context.Context, namespace string) error {
	if err := a.vectors.DeleteNamespace(ctx, namespace); err != nil {
		return err
	}
	return a.keywords.DeleteNamespace(ctx, namespace)
}

// Health reports per-service reachability.
func (a *Admin) Health(ctx context.Context) (string, map[string]bool) {
	services := make(map[string]bool)

	_, err := a.vectors.DescribeStats(ctx)
	services["vector_store"] = err == nil
	services["keyword_store"] = a.keywords.CheckHealth(ctx).Status == "green"
	if a.service.adapter != nil {
		services["dms"] = a.service.adapter.HealthCheck(ctx)
	}

	healthy, total := 0, 0
	for _, up := range services {
		total++
		if up {
			healthy++
		}
	}
	switch {
	case healthy == total:
		return "healthy", services
	case healthy > 0:
		return "degraded", services
	default:
		return "unhealthy", services
	}
}

// Shutdown signals background workers and waits for them to drain, bounded
// by ctx.
func (a *Admin) Shutdown(ctx context.Context) error {
	a.once.Do(func() { close(a.shutdown) })
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
