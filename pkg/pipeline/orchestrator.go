// Package pipeline runs the request orchestration graph: safety, routing,
// retrieval, compression, generation, grounding, and validation, with one
// trace flushed and one metric set recorded per request regardless of how
// the request exits.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/canopy-rag/canopy/pkg/audit"
	"github.com/canopy-rag/canopy/pkg/compression"
	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/experiment"
	"github.com/canopy-rag/canopy/pkg/generation"
	"github.com/canopy-rag/canopy/pkg/grounding"
	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/retrieval"
	"github.com/canopy-rag/canopy/pkg/routing"
	"github.com/canopy-rag/canopy/pkg/safety"
	"github.com/canopy-rag/canopy/pkg/schema"
	"github.com/canopy-rag/canopy/pkg/trace"
)

// PipelineVariantFlag is the feature flag resolved for every primary request.
const PipelineVariantFlag = "pipeline_variant"

// Client-facing texts for terminal fallbacks that still carry an answer.
const (
	escalationMessage     = "Your request has been forwarded to a human agent who will follow up with you shortly."
	notImplementedMessage = "This type of request is not supported yet."
	cancelledMessage      = "The request was cancelled before an answer could be produced."
)

// Deps bundles the orchestrator's collaborators. Guard may be nil when no
// L2 provider is configured; everything else is required.
type Deps struct {
	Injection  *safety.InjectionDetector
	PII        *safety.PIIDetector
	Guard      *safety.MLGuard
	Router     *routing.Router
	Expander   *retrieval.Expander
	Retriever  *retrieval.Retriever
	Deduper    *retrieval.Deduper
	Reranker   retrieval.Reranker
	Compressor *compression.Compressor
	LLM        generation.Client
	Scorer     grounding.Scorer
	Validator  *schema.Validator
	Variants   *experiment.VariantRecorder
	Shadow     *experiment.ShadowRunner
	Traces     trace.Sink
	Auditor    *audit.Recorder
	Metrics    *metrics.Metrics
}

// Orchestrator owns the per-request stage graph. It is safe for concurrent
// use: all mutable state lives in the per-request state value.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// New creates the orchestrator.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// requestState accumulates stage outputs for one request.
type requestState struct {
	traceID     string
	query       models.Query
	rec         *trace.Recorder
	route       models.RouteDecision
	compressed  *models.CompressedContext
	gen         *models.Generation
	genReq      generation.Request
	verdict     *models.GroundingVerdict
	schemaValid bool
	answerText  string
	sources     []models.Source
}

// Handle runs the full graph for one query. It never returns an error: all
// failures map to a Response with blocked or fallback set and a trace_id.
func (o *Orchestrator) Handle(ctx context.Context, query models.Query) *models.Response {
	start := time.Now()
	traceID := uuid.NewString()

	if err := query.Validate(); err != nil {
		rec := trace.NewRecorder(traceID, query.UserID, query.SessionID,
			o.cfg.PipelineVersion, o.cfg.Hash(), experiment.ControlVariant)
		rec.StartSpan(trace.SpanSafetyInput).Fail(err)
		resp := o.blockedResponse(traceID, ReasonInputRejected, "")
		o.finalize(ctx, rec, nil, resp, start)
		return resp
	}

	assignment := o.deps.Variants.Assign(ctx, PipelineVariantFlag, query.UserID, query.TenantID)
	rec := trace.NewRecorder(traceID, query.UserID, query.SessionID,
		o.cfg.PipelineVersion, o.cfg.Hash(), assignment.Variant)

	st := &requestState{traceID: traceID, query: query, rec: rec}
	resp := o.run(ctx, st)
	o.finalize(ctx, rec, st, resp, start)
	return resp
}

// run executes the stage sequence. A non-nil return short-circuits the
// remaining stages; the caller still finalizes.
func (o *Orchestrator) run(ctx context.Context, st *requestState) *models.Response {
	if resp := o.safetyStage(ctx, st); resp != nil {
		return resp
	}
	if resp := o.routingStage(ctx, st); resp != nil {
		return resp
	}

	span := st.rec.StartSpan(trace.SpanDispatch)
	switch st.route.Kind {
	case models.RouteEscalate:
		span.Attr("fallback", true).OK()
		return o.fallbackResponse(st, escalationMessage)
	case models.RouteSQLStructured, models.RouteAPILookup:
		span.Attr("reason", ReasonNotImplemented).Attr("route", string(st.route.Kind)).OK()
		return o.fallbackResponse(st, notImplementedMessage)
	case models.RouteDirect:
		span.Attr("path", "direct").OK()
		st.compressed = &models.CompressedContext{}
	default:
		span.Attr("path", "rag").OK()
		if resp := o.retrievalStages(ctx, st); resp != nil {
			return resp
		}
	}

	if resp := o.generationStage(ctx, st); resp != nil {
		return resp
	}
	if resp := o.groundingStage(ctx, st); resp != nil {
		return resp
	}
	o.validationStage(st)
	return o.successResponse(st)
}

func (o *Orchestrator) safetyStage(ctx context.Context, st *requestState) *models.Response {
	span := st.rec.StartSpan(trace.SpanSafetyInput)

	inj := o.deps.Injection.Detect(st.query.Text)
	if inj.Flagged {
		span.Attr("blocked", true).
			Attr("layer", inj.Layer).
			Attr("pattern_id", inj.PatternID).
			Attr("category", inj.Category).
			OK()
		o.deps.Metrics.SafetyBlockedTotal.WithLabelValues(inj.Layer, inj.Category).Inc()
		o.auditSafetyBlock(ctx, st, map[string]any{
			"layer":      inj.Layer,
			"pattern_id": inj.PatternID,
			"category":   inj.Category,
		})
		return o.blockedResponse(st.traceID, ReasonInjection, "")
	}

	findings := o.deps.PII.Detect(st.query.Text)
	types := safety.Types(findings)
	for _, tp := range types {
		o.deps.Metrics.PIIDetectedTotal.WithLabelValues(tp).Inc()
	}
	if len(findings) > 0 && o.cfg.Safety.BlockOnPII {
		span.Attr("blocked", true).Attr("layer", "pii").Attr("pii_types", types).OK()
		o.deps.Metrics.SafetyBlockedTotal.WithLabelValues("pii", "pii_detected").Inc()
		o.auditSafetyBlock(ctx, st, map[string]any{"layer": "pii", "pii_types": types})
		return o.blockedResponse(st.traceID, ReasonPII, "")
	}

	if o.cfg.Safety.L2Enabled && o.deps.Guard != nil {
		res := o.deps.Guard.Check(ctx, st.query.Text)
		if res.Err != "" {
			span.Attr("l2_error", res.Err)
		}
		if res.Flagged {
			span.Attr("blocked", true).Attr("layer", "ml_guard").Attr("category", res.Category).OK()
			o.deps.Metrics.SafetyBlockedTotal.WithLabelValues("ml_guard", res.Category).Inc()
			o.auditSafetyBlock(ctx, st, map[string]any{
				"layer":      "ml_guard",
				"category":   res.Category,
				"confidence": res.Confidence,
			})
			return o.blockedResponse(st.traceID, ReasonMLGuard, "")
		}
	}

	if len(types) > 0 {
		span.Attr("pii_types", types)
	}
	span.OK()
	return nil
}

func (o *Orchestrator) routingStage(ctx context.Context, st *requestState) *models.Response {
	if err := ctx.Err(); err != nil {
		return o.cancelledResponse(st, trace.SpanRouting, err)
	}

	span := st.rec.StartSpan(trace.SpanRouting)
	decision, err := o.deps.Router.Route(ctx, st.query.Text, models.RouteKind(st.query.Options.ForceRoute))
	if err != nil {
		span.Fail(err)
		if ctx.Err() != nil {
			return o.fallbackResponse(st, cancelledMessage)
		}
		o.logger.Error("Routing failed", "trace_id", st.traceID,
			"error", terminal(trace.SpanRouting, ReasonRoutingError, err))
		return o.fallbackResponse(st, o.cfg.Grounding.FallbackText)
	}

	st.route = decision
	st.rec.SetScore("route_confidence", decision.Confidence)
	span.Attr("route", string(decision.Kind)).
		Attr("confidence", decision.Confidence).
		Attr("scores", decision.Scores)
	if decision.MatchedUtterance != "" {
		span.Attr("matched_utterance", decision.MatchedUtterance)
	}
	span.OK()
	return nil
}

func (o *Orchestrator) retrievalStages(ctx context.Context, st *requestState) *models.Response {
	plan := &models.QueryPlan{PrimaryText: st.query.Text}
	span := st.rec.StartSpan(trace.SpanQueryExpansion)
	switch {
	case !o.cfg.Expansion.Enabled:
		plan.SkipExpansion = true
		span.Skip("disabled")
	case st.route.Confidence >= o.cfg.Expansion.SkipThreshold:
		plan.SkipExpansion = true
		span.Skip(ReasonHighConfidence)
	default:
		queries, err := o.deps.Expander.Expand(ctx, st.query.Text, o.cfg.Expansion.Variants)
		if err != nil {
			if ctx.Err() != nil {
				span.Fail(err)
				return o.fallbackResponse(st, cancelledMessage)
			}
			span.Attr("skipped", true).Attr("reason", ReasonExpanderError).OK()
		} else {
			plan.Variants = queries[1:]
			span.Attr("variant_count", len(plan.Variants)).OK()
		}
	}

	if err := ctx.Err(); err != nil {
		return o.cancelledResponse(st, trace.SpanRetrieval, err)
	}
	rspan := st.rec.StartSpan(trace.SpanRetrieval)
	result, err := o.deps.Retriever.Retrieve(ctx, plan.Queries(), st.query.TenantID)
	if err != nil {
		rspan.Fail(err)
		if ctx.Err() != nil {
			return o.fallbackResponse(st, cancelledMessage)
		}
		o.logger.Error("Retrieval failed for every query", "trace_id", st.traceID,
			"error", terminal(trace.SpanRetrieval, ReasonRetrievalError, err))
		return o.fallbackResponse(st, o.cfg.Grounding.FallbackText)
	}
	for _, c := range result.Chunks {
		o.deps.Metrics.CosineSimilarity.Observe(c.Score)
	}
	rspan.Attr("chunks", len(result.Chunks)).Attr("raw_counts", result.RawCounts)
	if len(result.Failed) > 0 {
		rspan.Attr("failed_queries", result.Failed)
	}
	rspan.OK()

	dspan := st.rec.StartSpan(trace.SpanDedupFusion)
	deduped := o.deps.Deduper.Dedup(result.Chunks)
	dspan.Attr("input_chunks", len(result.Chunks)).Attr("output_chunks", len(deduped)).OK()

	if err := ctx.Err(); err != nil {
		return o.cancelledResponse(st, trace.SpanRerank, err)
	}
	kspan := st.rec.StartSpan(trace.SpanRerank)
	reranked, err := o.deps.Reranker.Rerank(ctx, st.query.Text, deduped, o.cfg.Rerank.TopN)
	if err != nil {
		if ctx.Err() != nil {
			kspan.Fail(err)
			return o.fallbackResponse(st, cancelledMessage)
		}
		reranked, _ = retrieval.PassthroughReranker{}.Rerank(ctx, st.query.Text, deduped, o.cfg.Rerank.TopN)
		kspan.Attr("skipped", true).Attr("reason", ReasonRerankError).OK()
	} else {
		kspan.Attr("output_chunks", len(reranked)).OK()
	}

	// Metadata violations here mean a tenant-isolation bug upstream; that
	// is a programming invariant, so crash the request task.
	for i := range reranked {
		if err := reranked[i].ValidateMetadata(); err != nil {
			panic(fmt.Sprintf("chunk %q reached compression with invalid metadata: %v",
				reranked[i].VectorID, err))
		}
	}

	cspan := st.rec.StartSpan(trace.SpanCompression)
	st.compressed = o.deps.Compressor.Compress(st.query.Text, reranked)
	cspan.Attr("total_tokens", st.compressed.TotalTokens).
		Attr("dropped_sentences", st.compressed.DroppedSentenceCount).
		OK()
	st.sources = models.SourcesFromChunks(st.compressed.OrderedChunks)
	return nil
}

func (o *Orchestrator) generationStage(ctx context.Context, st *requestState) *models.Response {
	if err := ctx.Err(); err != nil {
		return o.cancelledResponse(st, trace.SpanGeneration, err)
	}

	span := st.rec.StartSpan(trace.SpanGeneration)
	tier := generation.DetermineTier(st.query.Text, st.route.Kind, st.compressed.TotalTokens)
	system, user := buildPrompts(st.query.Text, st.compressed.OrderedChunks)
	req := generation.Request{
		System:      system,
		User:        user,
		ModelID:     o.cfg.Generation.Tiers[tier],
		Temperature: o.cfg.Generation.Temperature,
		MaxTokens:   o.cfg.Generation.MaxOutputTokens,
	}
	if st.query.Options.Temperature > 0 {
		req.Temperature = st.query.Options.Temperature
	}
	if st.query.Options.MaxTokens > 0 {
		req.MaxTokens = st.query.Options.MaxTokens
	}
	st.genReq = req

	gen, err := o.deps.LLM.Generate(ctx, req)
	if err != nil {
		span.Fail(err)
		o.deps.Metrics.LLMErrorsTotal.WithLabelValues("generation").Inc()
		o.logger.Error("Generation failed", "trace_id", st.traceID,
			"error", terminal(trace.SpanGeneration, ReasonGeneration, err))
		if ctx.Err() != nil {
			return o.fallbackResponse(st, cancelledMessage)
		}
		return o.fallbackResponse(st, o.cfg.Grounding.FallbackText)
	}

	st.gen = gen
	span.Attr("model", gen.ModelID).
		Attr("tier", string(tier)).
		Attr("tokens_in", gen.TokensIn).
		Attr("tokens_out", gen.TokensOut).
		Attr("finish_reason", gen.FinishReason).
		OK()
	o.deps.Metrics.TokensIn.Observe(float64(gen.TokensIn))
	o.deps.Metrics.TokensOut.Observe(float64(gen.TokensOut))
	o.deps.Metrics.LLMCostUSD.Observe(gen.CostUSD)
	return nil
}

func (o *Orchestrator) groundingStage(ctx context.Context, st *requestState) *models.Response {
	span := st.rec.StartSpan(trace.SpanGrounding)

	// Answers without retrieved context have nothing to ground against.
	if st.route.Kind == models.RouteDirect {
		span.Skip("no_context")
		return nil
	}

	verdict, err := o.deps.Scorer.Score(ctx, st.compressed.OrderedChunks, st.gen.AnswerText)
	if err != nil {
		span.Fail(err)
		return o.fallbackResponse(st, cancelledMessage)
	}

	st.verdict = &verdict
	st.rec.SetScore("faithfulness", verdict.Score)
	o.deps.Metrics.VerdictTotal.WithLabelValues(string(verdict.Level)).Inc()
	span.Attr("level", string(verdict.Level)).
		Attr("score", verdict.Score).
		Attr("aggregation", string(verdict.Aggregation))
	if verdict.Level == models.GroundingFail {
		span.Attr("reason", ReasonGroundingFail)
	}
	span.OK()
	return nil
}

func (o *Orchestrator) validationStage(st *requestState) {
	span := st.rec.StartSpan(trace.SpanOutputValidation)
	res := o.deps.Validator.Validate(st.gen.AnswerText, st.route.Kind)
	st.schemaValid = res.Valid
	st.answerText = res.AnswerText()
	if st.answerText == "" {
		st.answerText = st.gen.AnswerText
	}
	span.Attr("valid", res.Valid).Attr("wrapped", res.Wrapped)
	if len(res.Errors) > 0 {
		span.Attr("errors", res.Errors)
	}
	span.OK()
}

// finalize records the terminal span, freezes and delivers the trace,
// updates the request metrics, and hands the shadow runner its input. It
// runs exactly once per request.
func (o *Orchestrator) finalize(ctx context.Context, rec *trace.Recorder, st *requestState, resp *models.Response, start time.Time) {
	rec.StartSpan(trace.SpanFinalize).
		Attr("blocked", resp.Blocked).
		Attr("fallback", resp.Fallback).
		OK()

	latency := time.Since(start).Milliseconds()
	resp.Metadata.LatencyMS = latency

	cost := 0.0
	if st != nil && st.gen != nil {
		cost = st.gen.CostUSD
	}
	frozen := rec.Freeze(cost, latency)

	for i := range frozen.Spans {
		s := &frozen.Spans[i]
		o.deps.Metrics.StageDuration.WithLabelValues(s.Name).Observe(s.End.Sub(s.Start).Seconds())
	}
	route := resp.Metadata.RouteUsed
	if route == "" {
		route = "unrouted"
	}
	status := "ok"
	switch {
	case resp.Blocked:
		status = "blocked"
	case resp.Fallback:
		status = "fallback"
	}
	o.deps.Metrics.RequestsTotal.WithLabelValues(route, status).Inc()

	if err := o.deps.Traces.Save(ctx, frozen); err != nil {
		o.logger.Warn("Trace sink failed", "trace_id", frozen.TraceID, "error", err)
	}

	if o.deps.Shadow != nil {
		o.deps.Shadow.RecordPrimaryLatency(latency)
		if st != nil && st.gen != nil && st.compressed != nil && len(st.compressed.OrderedChunks) > 0 {
			o.deps.Shadow.MaybeRun(experiment.ShadowInput{
				Request:   st.genReq,
				Chunks:    st.compressed.OrderedChunks,
				UserID:    st.query.UserID,
				SessionID: st.query.SessionID,
				TenantID:  st.query.TenantID,
			})
		}
	}
}

func (o *Orchestrator) auditSafetyBlock(ctx context.Context, st *requestState, details map[string]any) {
	event := models.NewAuditEvent(
		models.AuditSafetyBlock,
		models.AuditActor{Type: models.ActorUser, ID: st.query.UserID},
		models.AuditResource{Type: "query", ID: st.traceID},
		"block",
		st.query.TenantID,
		details,
	)
	o.deps.Auditor.Record(ctx, &event)
}

func (o *Orchestrator) cancelledResponse(st *requestState, stage string, err error) *models.Response {
	span := st.rec.StartSpan(stage)
	span.Attr("reason", ReasonCancelled)
	span.Fail(err)
	return o.fallbackResponse(st, cancelledMessage)
}

func (o *Orchestrator) blockedResponse(traceID, reason, route string) *models.Response {
	r := reason
	return &models.Response{
		TraceID:     traceID,
		Sources:     []models.Source{},
		Blocked:     true,
		BlockReason: &r,
		Metadata:    models.ResponseMetadata{RouteUsed: route},
	}
}

func (o *Orchestrator) fallbackResponse(st *requestState, message string) *models.Response {
	answer := message
	sources := st.sources
	if sources == nil {
		sources = []models.Source{}
	}
	return &models.Response{
		TraceID:  st.traceID,
		Answer:   &answer,
		Sources:  sources,
		Fallback: true,
		Metadata: models.ResponseMetadata{RouteUsed: string(st.route.Kind)},
	}
}

func (o *Orchestrator) successResponse(st *requestState) *models.Response {
	sources := st.sources
	if sources == nil {
		sources = []models.Source{}
	}
	resp := &models.Response{
		TraceID: st.traceID,
		Sources: sources,
		Metadata: models.ResponseMetadata{
			RouteUsed:   string(st.route.Kind),
			Model:       &st.gen.ModelID,
			SchemaValid: st.schemaValid,
		},
	}
	tokens := st.gen.TokensIn + st.gen.TokensOut
	resp.Metadata.TokensUsed = &tokens

	answer := st.answerText
	if st.verdict == nil {
		resp.Answer = &answer
		return resp
	}

	resp.Metadata.FaithfulnessScore = &st.verdict.Score
	policy := grounding.ApplyPolicy(*st.verdict, answer, o.cfg.Grounding)
	if policy.Fallback {
		// A FAIL verdict suppresses the answer; the sources stay so the
		// user can self-verify.
		resp.Fallback = true
		return resp
	}
	final := policy.Answer
	resp.Answer = &final
	return resp
}
