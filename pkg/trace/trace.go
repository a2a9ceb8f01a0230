// Package trace provides the per-request trace model: one Trace per request
// owning an append-only list of stage Spans, frozen at finalize and handed
// to a TraceSink exactly once.
package trace

import (
	"fmt"
	"sync"
	"time"
)

// SpanStatus is the terminal state of one stage span.
type SpanStatus string

const (
	StatusOK      SpanStatus = "ok"
	StatusSkipped SpanStatus = "skipped"
	StatusFailed  SpanStatus = "failed"
)

// Stage span names, the fixed vocabulary every stage records under.
const (
	SpanSafetyInput      = "safety_input"
	SpanRouting          = "routing"
	SpanDispatch         = "dispatch"
	SpanQueryExpansion   = "query_expansion"
	SpanRetrieval        = "retrieval"
	SpanDedupFusion      = "dedup_fusion"
	SpanRerank           = "rerank"
	SpanCompression      = "compression"
	SpanGeneration       = "generation"
	SpanGrounding        = "grounding"
	SpanOutputValidation = "output_validation"
	SpanFinalize         = "finalize"
)

// Span records one stage execution. Attributes are string-keyed typed values
// (string, bool, int, float64) serialized as JSON.
type Span struct {
	Name       string         `json:"name"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Status     SpanStatus     `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DurationMS returns the span duration in milliseconds.
func (s *Span) DurationMS() int64 {
	return s.End.Sub(s.Start).Milliseconds()
}

// Totals aggregates request-level cost and latency.
type Totals struct {
	LatencyMS int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
}

// Trace is the per-request trace record. It is mutated only through Recorder
// methods during the request and frozen before sink delivery.
type Trace struct {
	TraceID         string             `json:"trace_id"`
	Timestamp       time.Time          `json:"timestamp"`
	UserID          string             `json:"user_id"`
	SessionID       string             `json:"session_id,omitempty"`
	PipelineVersion string             `json:"pipeline_version"`
	ConfigHash      string             `json:"config_hash"`
	Variant         string             `json:"variant"`
	Spans           []Span             `json:"spans"`
	Scores          map[string]float64 `json:"scores"`
	Totals          Totals             `json:"totals"`
}

// Recorder wraps a Trace with append-only span recording. Safe for use from
// the single request goroutine plus retrieval sub-goroutines (they append
// child attributes through the parent span builder, not the recorder), so a
// mutex keeps the invariant cheap to hold.
type Recorder struct {
	mu     sync.Mutex
	trace  *Trace
	frozen bool
}

// NewRecorder creates a recorder around a fresh trace.
func NewRecorder(traceID, userID, sessionID, pipelineVersion, configHash, variant string) *Recorder {
	return &Recorder{
		trace: &Trace{
			TraceID:         traceID,
			Timestamp:       time.Now().UTC(),
			UserID:          userID,
			SessionID:       sessionID,
			PipelineVersion: pipelineVersion,
			ConfigHash:      configHash,
			Variant:         variant,
			Spans:           make([]Span, 0, 12),
			Scores:          make(map[string]float64),
		},
	}
}

// TraceID returns the trace identifier.
func (r *Recorder) TraceID() string { return r.trace.TraceID }

// Append adds a completed span. Appending to a frozen trace is a programming
// error and panics (the request task boundary recovers it).
func (r *Recorder) Append(span Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("append to frozen trace %s (span %s)", r.trace.TraceID, span.Name))
	}
	r.trace.Spans = append(r.trace.Spans, span)
}

// SetScore records a scalar score (faithfulness, route confidence).
func (r *Recorder) SetScore(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.trace.Scores[name] = value
}

// Freeze computes totals, marks the trace immutable, and returns it for sink
// delivery. Subsequent Freeze calls return the same trace.
func (r *Recorder) Freeze(costUSD float64, latencyMS int64) *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.frozen {
		r.trace.Totals = Totals{LatencyMS: latencyMS, CostUSD: costUSD}
		r.frozen = true
	}
	return r.trace
}

// SpanBuilder accumulates one stage span. Created by StartSpan, finished by
// exactly one of OK / Skip / Fail.
type SpanBuilder struct {
	recorder *Recorder
	span     Span
}

// StartSpan begins a stage span at the current time.
func (r *Recorder) StartSpan(name string) *SpanBuilder {
	return &SpanBuilder{
		recorder: r,
		span: Span{
			Name:       name,
			Start:      time.Now(),
			Attributes: make(map[string]any),
		},
	}
}

// Attr sets a span attribute.
func (b *SpanBuilder) Attr(key string, value any) *SpanBuilder {
	b.span.Attributes[key] = value
	return b
}

// OK finishes the span with status ok.
func (b *SpanBuilder) OK() {
	b.finish(StatusOK)
}

// Skip finishes the span with status skipped and the mandatory reason.
func (b *SpanBuilder) Skip(reason string) {
	b.span.Attributes["reason"] = reason
	b.finish(StatusSkipped)
}

// Fail finishes the span with status failed, recording the error message.
func (b *SpanBuilder) Fail(err error) {
	if err != nil {
		b.span.Attributes["error"] = err.Error()
	}
	b.finish(StatusFailed)
}

func (b *SpanBuilder) finish(status SpanStatus) {
	b.span.Status = status
	b.span.End = time.Now()
	if b.span.End.Before(b.span.Start) {
		b.span.End = b.span.Start
	}
	b.recorder.Append(b.span)
}
