package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"runboard/internal/logging"
	"runboard/internal/normalize"
	"runboard/internal/notify"
	"runboard/internal/reconcile"
	"runboard/internal/repository"
	"runboard/pkg/models"
)

// ChangeKind classifies what an ingested event did to the stored record.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeJobsUpdated ChangeKind = "jobs_updated"
	// ChangeNone covers idempotent replays and stale discards: the call
	// succeeded but the stored record did not materially change.
	ChangeNone ChangeKind = "none"
)

// IngestService is the event ingestion engine: receive → normalize →
// idempotent upsert → notify. It performs no retries; retry policy belongs
// to the transport layer.
type IngestService struct {
	store    repository.RunStore
	notifier notify.Notifier
	logger   *logging.Logger
	events   metric.Int64Counter
}

// NewIngestService creates a new IngestService.
func NewIngestService(store repository.RunStore, notifier notify.Notifier, logger *logging.Logger) *IngestService {
	meter := otel.Meter("runboard/ingest")
	events, _ := meter.Int64Counter("runboard.ingest.events",
		metric.WithDescription("Ingested workflow events by kind and outcome"))
	return &IngestService{
		store:    store,
		notifier: notifier,
		logger:   logger,
		events:   events,
	}
}

// Ingest normalizes a raw payload of the given kind and reconciles it into
// the store. On a material change it publishes the post-merge record.
// Malformed payloads return a *normalize.ValidationError and mutate
// nothing; store failures return a *repository.StoreError and notify
// nothing.
func (s *IngestService) Ingest(ctx context.Context, raw []byte, kind normalize.EventKind) (*models.WorkflowRun, ChangeKind, error) {
	patch, err := normalize.Normalize(kind, raw)
	if err != nil {
		s.count(ctx, kind, "invalid")
		return nil, ChangeNone, err
	}
	return s.apply(ctx, patch, kind)
}

// IngestSyncItem reconciles an already-assembled bulk-sync item through the
// same normalize/upsert/notify path Ingest uses.
func (s *IngestService) IngestSyncItem(ctx context.Context, item *normalize.SyncItem) (*models.WorkflowRun, ChangeKind, error) {
	patch, err := normalize.NormalizeSyncItem(item)
	if err != nil {
		s.count(ctx, normalize.KindSyncItem, "invalid")
		return nil, ChangeNone, err
	}
	return s.apply(ctx, patch, normalize.KindSyncItem)
}

func (s *IngestService) apply(ctx context.Context, patch *models.WorkflowRun, kind normalize.EventKind) (*models.WorkflowRun, ChangeKind, error) {
	stored, outcome, err := s.store.UpsertRun(ctx, patch)
	if err != nil {
		s.count(ctx, kind, "store_error")
		return nil, ChangeNone, err
	}
	s.count(ctx, kind, string(outcome))

	change := changeFor(outcome)
	if change != ChangeNone {
		// Notification is decoupled from persistence: the record is already
		// committed, publish failures stay with the notifier.
		s.notifier.Publish(eventFor(change), stored)
	} else if outcome == reconcile.OutcomeStale {
		s.logger.Debug("discarded stale update for run %d", patch.RunID)
	}
	return stored, change, nil
}

func (s *IngestService) count(ctx context.Context, kind normalize.EventKind, outcome string) {
	s.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// eventFor maps a material change to its published event name.
func eventFor(change ChangeKind) string {
	switch change {
	case ChangeCreated:
		return notify.EventRunCreated
	case ChangeUpdated:
		return notify.EventRunUpdated
	default:
		return notify.EventRunJobsUpdated
	}
}

func changeFor(outcome reconcile.Outcome) ChangeKind {
	switch outcome {
	case reconcile.OutcomeCreated:
		return ChangeCreated
	case reconcile.OutcomeUpdated:
		return ChangeUpdated
	case reconcile.OutcomeJobsUpdated:
		return ChangeJobsUpdated
	default:
		return ChangeNone
	}
}
