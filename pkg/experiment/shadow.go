package experiment

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/generation"
	"github.com/canopy-rag/canopy/pkg/grounding"
	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/trace"
)

// errShadowTooSlow marks a shadow run whose latency exceeded the allowed
// multiple of the rolling primary average. It trips the circuit breaker.
var errShadowTooSlow = errors.New("shadow latency exceeded primary multiple")

// primaryWindowSize bounds the rolling primary latency sample.
const primaryWindowSize = 100

// ShadowInput carries everything a shadow run reuses from the primary:
// the prepared prompt and limits, and the compressed context chunks for
// grounding. The runner substitutes the candidate model.
type ShadowInput struct {
	Request   generation.Request
	Chunks    []models.Chunk
	UserID    string
	SessionID string
	TenantID  string
}

// ShadowRunner re-runs generation and grounding on a candidate model after
// the primary response is finalized. Shadow tasks are fire-and-forget: they
// write their own trace tagged variant="shadow", never touch the primary
// response, and never propagate failures.
//
// The budget counter is process-local; multi-process deployments drift from
// the configured budget without an external shared counter.
type ShadowRunner struct {
	cfg        *config.ShadowConfig
	llm        generation.Client
	scorer     grounding.Scorer
	sink       trace.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	version    string
	configHash string

	breaker  *gobreaker.CircuitBreaker
	inflight *semaphore.Weighted
	sample   func() float64

	mu          sync.Mutex
	spentUSD    float64
	primaryLats []int64

	wg sync.WaitGroup
}

// NewShadowRunner wires the runner to its collaborators.
func NewShadowRunner(
	cfg *config.ShadowConfig,
	llm generation.Client,
	scorer grounding.Scorer,
	sink trace.Sink,
	m *metrics.Metrics,
	version, configHash string,
	logger *slog.Logger,
) *ShadowRunner {
	if logger == nil {
		logger = slog.Default()
	}
	maxInflight := cfg.MaxInflight
	if maxInflight < 1 {
		maxInflight = 1
	}
	r := &ShadowRunner{
		cfg:        cfg,
		llm:        llm,
		scorer:     scorer,
		sink:       sink,
		metrics:    m,
		logger:     logger,
		version:    version,
		configHash: configHash,
		inflight:   semaphore.NewWeighted(int64(maxInflight)),
		sample:     rand.Float64,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shadow",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("Shadow circuit state changed",
				"from", from.String(), "to", to.String())
		},
	})
	r.metrics.ShadowBudgetRemaining.Set(cfg.BudgetUSD)
	return r
}

// RecordPrimaryLatency feeds one primary request latency into the rolling
// window the latency gate compares against.
func (r *ShadowRunner) RecordPrimaryLatency(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primaryLats = append(r.primaryLats, ms)
	if len(r.primaryLats) > primaryWindowSize {
		r.primaryLats = r.primaryLats[len(r.primaryLats)-primaryWindowSize:]
	}
}

// SpentUSD reports the cumulative shadow spend.
func (r *ShadowRunner) SpentUSD() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spentUSD
}

// MaybeRun checks the gates in order (enabled, sample, budget, circuit,
// inflight cap) and spawns the shadow task when all pass. Returns whether a
// task was spawned.
func (r *ShadowRunner) MaybeRun(input ShadowInput) bool {
	if !r.cfg.Enabled {
		return false
	}
	if r.sample() >= r.cfg.SampleRate {
		return false
	}
	if !r.budgetAvailable() {
		r.logger.Info("Shadow skipped", "reason", "budget_exhausted")
		return false
	}
	if r.breaker.State() == gobreaker.StateOpen {
		r.logger.Info("Shadow skipped", "reason", "circuit_open")
		return false
	}
	if !r.inflight.TryAcquire(1) {
		r.metrics.ShadowDroppedTotal.Inc()
		r.logger.Info("Shadow skipped", "reason", "inflight_cap")
		return false
	}

	r.wg.Add(1)
	go r.run(input)
	return true
}

// Wait blocks until all in-flight shadow tasks finish. Used at shutdown.
func (r *ShadowRunner) Wait() {
	r.wg.Wait()
}

func (r *ShadowRunner) budgetAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spentUSD < r.cfg.BudgetUSD
}

func (r *ShadowRunner) addSpend(cost float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spentUSD += cost
	return r.cfg.BudgetUSD - r.spentUSD
}

// latencyLimitMS is the allowed shadow latency: the configured multiple of
// the rolling primary average. Zero means no limit (no samples yet).
func (r *ShadowRunner) latencyLimitMS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.primaryLats) == 0 {
		return 0
	}
	sum := int64(0)
	for _, l := range r.primaryLats {
		sum += l
	}
	avg := float64(sum) / float64(len(r.primaryLats))
	return avg * r.cfg.CircuitMultiplier
}

// run executes one shadow task. Panics are recovered and logged; nothing
// escapes to the caller.
func (r *ShadowRunner) run(input ShadowInput) {
	defer r.wg.Done()
	defer r.inflight.Release(1)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Shadow task panicked", "panic", p)
		}
	}()

	// The shadow task outlives the originating request, so it runs on its
	// own context; the LLM client applies its own timeout.
	ctx := context.Background()
	rec := trace.NewRecorder(uuid.NewString(), input.UserID, input.SessionID,
		r.version, r.configHash, "shadow")
	start := time.Now()

	req := input.Request
	req.ModelID = r.cfg.CandidateModel

	genSpan := rec.StartSpan(trace.SpanGeneration)
	result, execErr := r.breaker.Execute(func() (interface{}, error) {
		callStart := time.Now()
		gen, err := r.llm.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		elapsed := float64(time.Since(callStart).Milliseconds())
		if limit := r.latencyLimitMS(); limit > 0 && elapsed > limit {
			return gen, errShadowTooSlow
		}
		return gen, nil
	})

	gen, _ := result.(*models.Generation)
	if gen == nil {
		genSpan.Fail(execErr)
		r.metrics.LLMErrorsTotal.WithLabelValues("shadow_generation").Inc()
		t := rec.Freeze(0, time.Since(start).Milliseconds())
		if err := r.sink.Save(ctx, t); err != nil {
			r.logger.Warn("Shadow trace save failed", "trace_id", t.TraceID, "error", err)
		}
		r.logger.Warn("Shadow generation failed", "error", execErr)
		return
	}
	genSpan.
		Attr("model", gen.ModelID).
		Attr("tokens_in", gen.TokensIn).
		Attr("tokens_out", gen.TokensOut).
		OK()

	groundSpan := rec.StartSpan(trace.SpanGrounding)
	verdict, err := r.scorer.Score(ctx, input.Chunks, gen.AnswerText)
	if err != nil {
		groundSpan.Fail(err)
	} else {
		groundSpan.
			Attr("level", string(verdict.Level)).
			Attr("score", verdict.Score).
			OK()
		rec.SetScore("faithfulness", verdict.Score)
		r.metrics.VerdictTotal.WithLabelValues(string(verdict.Level)).Inc()
	}

	r.metrics.TokensIn.Observe(float64(gen.TokensIn))
	r.metrics.TokensOut.Observe(float64(gen.TokensOut))
	r.metrics.LLMCostUSD.Observe(gen.CostUSD)
	remaining := r.addSpend(gen.CostUSD)
	r.metrics.ShadowBudgetRemaining.Set(remaining)

	latency := time.Since(start).Milliseconds()
	t := rec.Freeze(gen.CostUSD, latency)
	if err := r.sink.Save(ctx, t); err != nil {
		r.logger.Warn("Shadow trace save failed", "trace_id", t.TraceID, "error", err)
	}

	r.logger.Info("Shadow run complete",
		"trace_id", t.TraceID,
		"model", gen.ModelID,
		"latency_ms", latency,
		"cost_usd", gen.CostUSD,
		"budget_remaining_usd", remaining,
		"slow", errors.Is(execErr, errShadowTooSlow))
}
