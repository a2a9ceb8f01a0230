package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Sink receives a frozen trace once per request. Implementations may buffer
// internally but must be safe for concurrent use.
type Sink interface {
	Save(ctx context.Context, t *Trace) error
}

// FileSink writes each trace as a JSON file under a local directory. It is
// both the development sink and the fallback target when the primary sink
// fails. The orchestrator never fails a request over trace delivery.
type FileSink struct {
	dir string
}

// NewFileSink creates a file sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Save writes the trace as <trace_id>.json.
func (s *FileSink) Save(_ context.Context, t *Trace) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace dir: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace %s: %w", t.TraceID, err)
	}
	path := filepath.Join(s.dir, t.TraceID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace file: %w", err)
	}
	return nil
}

// FallbackSink tries the primary sink and falls back to the secondary on
// error. Errors from the secondary are logged and swallowed.
type FallbackSink struct {
	primary  Sink
	fallback Sink
}

// NewFallbackSink wraps primary with a fallback writer.
func NewFallbackSink(primary, fallback Sink) *FallbackSink {
	return &FallbackSink{primary: primary, fallback: fallback}
}

// Save delivers to the primary, engaging the fallback on failure.
func (s *FallbackSink) Save(ctx context.Context, t *Trace) error {
	if err := s.primary.Save(ctx, t); err != nil {
		slog.Warn("Primary trace sink failed, engaging fallback",
			"trace_id", t.TraceID, "error", err)
		if fbErr := s.fallback.Save(ctx, t); fbErr != nil {
			slog.Error("Fallback trace sink failed, trace lost",
				"trace_id", t.TraceID, "error", fbErr)
		}
	}
	return nil
}
