// Package services holds the request-adjacent application services that sit
// outside the pipeline itself: feedback capture, compliance deletion, and
// retrieval drift monitoring.
package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canopy-rag/canopy/pkg/audit"
	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
)

// FeedbackWriter persists feedback records. The Postgres implementation
// lives in pkg/storage.
type FeedbackWriter interface {
	Insert(ctx context.Context, f *models.Feedback) error
}

// FeedbackService validates and records user feedback, emitting the
// feedback metric and audit event on every accepted write.
type FeedbackService struct {
	store   FeedbackWriter
	auditor *audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFeedbackService wires the feedback path.
func NewFeedbackService(store FeedbackWriter, auditor *audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *FeedbackService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackService{store: store, auditor: auditor, metrics: m, logger: logger}
}

// Record validates and persists one feedback record. Validation failures
// surface to the caller; the metric and audit event fire only after the
// write succeeds.
func (s *FeedbackService) Record(ctx context.Context, f *models.Feedback) error {
	if err := f.Validate(); err != nil {
		return err
	}

	if err := s.store.Insert(ctx, f); err != nil {
		return fmt.Errorf("failed to persist feedback: %w", err)
	}

	s.metrics.FeedbackTotal.WithLabelValues(f.Rating).Inc()

	event := models.NewAuditEvent(
		models.AuditFeedbackReceived,
		models.AuditActor{Type: models.ActorUser, ID: f.UserID},
		models.AuditResource{Type: "trace", ID: f.TraceID},
		"feedback",
		f.TenantID,
		map[string]any{"rating": f.Rating},
	)
	s.auditor.Record(ctx, &event)

	s.logger.Info("Feedback recorded",
		"feedback_id", f.FeedbackID,
		"trace_id", f.TraceID,
		"rating", f.Rating)
	return nil
}
