package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/trace"
)

// TraceSink persists frozen traces to the traces table. Spans and scores
// are stored as JSONB so trace queries can filter on stage attributes.
type TraceSink struct {
	pool *pgxpool.Pool
}

// NewTraceSink creates a Postgres-backed trace sink.
func NewTraceSink(pool *pgxpool.Pool) *TraceSink {
	return &TraceSink{pool: pool}
}

func (s *TraceSink) Save(ctx context.Context, t *trace.Trace) error {
	spans, err := json.Marshal(t.Spans)
	if err != nil {
		return fmt.Errorf("failed to marshal spans for trace %s: %w", t.TraceID, err)
	}
	scores, err := json.Marshal(t.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores for trace %s: %w", t.TraceID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO traces (trace_id, ts, user_id, session_id, pipeline_version,
		                    config_hash, variant, latency_ms, cost_usd, spans, scores)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id) DO NOTHING`,
		t.TraceID, t.Timestamp, t.UserID, t.SessionID, t.PipelineVersion,
		t.ConfigHash, t.Variant, t.Totals.LatencyMS, t.Totals.CostUSD, spans, scores)
	if err != nil {
		return fmt.Errorf("failed to insert trace %s: %w", t.TraceID, err)
	}
	return nil
}

// AuditSink persists audit events to the audit_events table. The table is
// append-only; no update or delete path exists in this type.
type AuditSink struct {
	pool *pgxpool.Pool
}

// NewAuditSink creates a Postgres-backed audit sink.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

func (s *AuditSink) Record(ctx context.Context, event *models.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details for event %s: %w", event.EventID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (event_id, event_type, ts, actor_type, actor_id,
		                          resource_type, resource_id, action, tenant_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.EventID, string(event.EventType), event.Timestamp,
		string(event.Actor.Type), event.Actor.ID,
		event.Resource.Type, event.Resource.ID,
		event.Action, event.TenantID, details)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %s: %w", event.EventID, err)
	}
	return nil
}

// FeedbackStore persists user feedback rows.
type FeedbackStore struct {
	pool *pgxpool.Pool
}

// NewFeedbackStore creates a Postgres-backed feedback store.
func NewFeedbackStore(pool *pgxpool.Pool) *FeedbackStore {
	return &FeedbackStore{pool: pool}
}

func (s *FeedbackStore) Insert(ctx context.Context, f *models.Feedback) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (feedback_id, trace_id, user_id, tenant_id,
		                      session_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.FeedbackID, f.TraceID, f.UserID, f.TenantID,
		f.SessionID, f.Rating, f.Comment, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback %s: %w", f.FeedbackID, err)
	}
	return nil
}
