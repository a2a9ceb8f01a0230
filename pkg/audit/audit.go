// Package audit records compliance-relevant events. Audit events are
// append-only and carry no raw user text, only event metadata and actor
// identifiers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/canopy-rag/canopy/pkg/models"
)

// Sink persists audit events. Implementations must be safe for concurrent
// use. The Postgres-backed sink lives in pkg/storage.
type Sink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// FileSink appends audit events as JSON lines to a local file. It serves as
// the durable fallback when the primary store is unavailable.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a file-backed sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Record(_ context.Context, event *models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Recorder wraps a primary sink with a fallback. A recording failure never
// fails the request being audited: errors are logged and the event is
// re-routed to the fallback sink.
type Recorder struct {
	primary  Sink
	fallback Sink
	logger   *slog.Logger
}

// NewRecorder creates a Recorder. fallback may be nil when no secondary
// sink is configured.
func NewRecorder(primary, fallback Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{primary: primary, fallback: fallback, logger: logger}
}

// Record persists the event, falling back on primary failure. It never
// returns an error to the caller.
func (r *Recorder) Record(ctx context.Context, event *models.AuditEvent) {
	err := r.primary.Record(ctx, event)
	if err == nil {
		return
	}
	r.logger.Error("Primary audit sink failed, using fallback",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"error", err)

	if r.fallback == nil {
		return
	}
	if err := r.fallback.Record(ctx, event); err != nil {
		r.logger.Error("Fallback audit sink failed, event lost",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"error", err)
	}
}
