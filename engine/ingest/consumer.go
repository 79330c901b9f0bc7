package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/LotLogicAI/lotlogic/pkg/natsutil"
)

const (
	// IngestSubject carries background ingestion requests.
	IngestSubject = "engine.ingest"
	// DLQSubject receives messages that exhausted their retries.
	DLQSubject = "engine.ingest.dlq"
	// SyncSubject carries scheduled DMS inventory sync batches.
	SyncSubject = "engine.dms.sync"
	// MaxRetries before a message moves to the DLQ.
	MaxRetries = 3
)

// QueuedDocs is the message payload on IngestSubject and SyncSubject.
// Retries counts re-deliveries; it rides in the payload so the typed
// pub/sub helpers can carry it without header plumbing.
type QueuedDocs struct {
	Namespace string     `json:"namespace"`
	Documents []Document `json:"documents"`
	Dedupe    bool       `json:"dedupe"`
	Retries   int        `json:"retries,omitempty"`
}

// dlqMessage wraps a failed payload for the dead letter queue.
type dlqMessage struct {
	Payload QueuedDocs `json:"payload"`
	Error   string     `json:"error"`
	Retries int        `json:"retries"`
}

// PublishDocuments enqueues documents for background ingestion. Trace
// context from ctx propagates into the message headers.
func PublishDocuments(ctx context.Context, nc *nats.Conn, subject, namespace string, docs []Document, dedupe bool) error {
	return natsutil.Publish(ctx, nc, subject, QueuedDocs{
		Namespace: namespace,
		Documents: docs,
		Dedupe:    dedupe,
	})
}

// StartConsumer subscribes the pipeline to the background ingestion
// subjects. A payload whose pipeline run reports outright failure is
// re-published with an incremented retry count and eventually lands on the
// DLQ. The returned subscriptions are drained by the caller at shutdown,
// which lets in-flight messages finish in FIFO order before the worker
// exits.
func StartConsumer(nc *nats.Conn, pipeline *Pipeline, logger *slog.Logger) ([]*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	handle := func(subject string) func(context.Context, QueuedDocs) {
		return func(ctx context.Context, payload QueuedDocs) {
			report := pipeline.IngestDocuments(ctx, payload.Namespace, payload.Documents, payload.Dedupe)
			if report.Status != "failed" {
				logger.Info("ingest consumer: processed",
					"subject", subject,
					"namespace", payload.Namespace,
					"status", report.Status,
					"chunks", report.ChunksCreated,
				)
				return
			}

			payload.Retries++
			logger.Error("ingest consumer: pipeline failed",
				"subject", subject, "errors", report.Errors, "retry", payload.Retries)

			if payload.Retries >= MaxRetries {
				dlq := dlqMessage{Payload: payload, Retries: payload.Retries}
				if len(report.Errors) > 0 {
					dlq.Error = report.Errors[0]
				}
				if err := natsutil.Publish(ctx, nc, DLQSubject, dlq); err != nil {
					logger.Error("ingest consumer: DLQ publish failed", "err", err)
				}
				return
			}

			if err := natsutil.Publish(ctx, nc, subject, payload); err != nil {
				logger.Error("ingest consumer: retry publish failed", "err", err)
			}
		}
	}

	var subs []*nats.Subscription
	for _, subject := range []string{IngestSubject, SyncSubject} {
		sub, err := natsutil.Subscribe(nc, subject, handle(subject))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("ingest: subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
