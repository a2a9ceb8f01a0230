package config

import (
	"fmt"

	"github.com/canopy-rag/canopy/pkg/models"
)

// validator performs comprehensive validation on loaded configuration.
// All errors are collected before returning so operators see every problem
// in one pass instead of fixing them one restart at a time.
type validator struct {
	cfg  *Config
	errs []error
}

func (v *validator) validateAll() error {
	v.validateRouting()
	v.validateExpansion()
	v.validateRetrieval()
	v.validateDedup()
	v.validateCompression()
	v.validateGrounding()
	v.validateGeneration()
	v.validateShadow()
	v.validateRoutes()
	v.validateFlags()

	if len(v.errs) == 0 {
		return nil
	}
	err := v.errs[0]
	for _, e := range v.errs[1:] {
		err = fmt.Errorf("%w; %w", err, e)
	}
	return err
}

func (v *validator) fail(field, reason string) {
	v.errs = append(v.errs, &ValidationError{Field: field, Reason: reason})
}

func (v *validator) validateRouting() {
	r := v.cfg.Routing
	if r.Threshold < 0 || r.Threshold > 1 {
		v.fail("routing.threshold", "must be in [0,1]")
	}
	if !models.RouteKind(r.DefaultRoute).IsValid() {
		v.fail("routing.default_route", fmt.Sprintf("unknown route kind %q", r.DefaultRoute))
	}
}

func (v *validator) validateExpansion() {
	e := v.cfg.Expansion
	if e.Variants < 0 {
		v.fail("expansion.variants", "must be >= 0")
	}
	if e.SkipThreshold < 0 || e.SkipThreshold > 1 {
		v.fail("expansion.skip_threshold", "must be in [0,1]")
	}
}

func (v *validator) validateRetrieval() {
	r := v.cfg.Retrieval
	if r.TopK < 1 {
		v.fail("retrieval.top_k", "must be >= 1")
	}
	if r.MaxParallel < 1 {
		v.fail("retrieval.max_parallel", "must be >= 1")
	}
}

func (v *validator) validateDedup() {
	if t := v.cfg.Dedup.Threshold; t <= 0 || t > 1 {
		v.fail("dedup.threshold", "must be in (0,1]")
	}
}

func (v *validator) validateCompression() {
	c := v.cfg.Compression
	if c.SentencesPerChunk < 1 {
		v.fail("compression.sentences_per_chunk", "must be >= 1")
	}
	if c.MaxTokens < 1 {
		v.fail("compression.max_tokens", "must be >= 1")
	}
	if c.PromptOverheadTokens < 0 {
		v.fail("compression.prompt_overhead_tokens", "must be >= 0")
	}
	if c.PromptOverheadTokens >= c.MaxTokens {
		v.fail("compression.prompt_overhead_tokens", "must be smaller than max_tokens")
	}
}

func (v *validator) validateGrounding() {
	g := v.cfg.Grounding
	if !g.Aggregation.IsValid() {
		v.fail("grounding.aggregation", fmt.Sprintf("unknown mode %q", g.Aggregation))
	}
	if g.PassThreshold < 0 || g.PassThreshold > 1 {
		v.fail("grounding.pass_threshold", "must be in [0,1]")
	}
	if g.WarnThreshold < 0 || g.WarnThreshold > 1 {
		v.fail("grounding.warn_threshold", "must be in [0,1]")
	}
	if g.WarnThreshold > g.PassThreshold {
		v.fail("grounding.warn_threshold", "must not exceed pass_threshold")
	}
	if g.FallbackText == "" {
		v.fail("grounding.fallback_text", "must not be empty")
	}
}

func (v *validator) validateGeneration() {
	g := v.cfg.Generation
	for _, tier := range []models.ModelTier{models.TierFast, models.TierStandard, models.TierComplex} {
		if g.Tiers[tier] == "" {
			v.fail("generation.tiers", fmt.Sprintf("missing model for tier %s", tier))
		}
	}
	if g.MaxOutputTokens < 1 {
		v.fail("generation.max_output_tokens", "must be >= 1")
	}
	if g.TimeoutMS < 1 {
		v.fail("generation.timeout_ms", "must be >= 1")
	}
}

func (v *validator) validateShadow() {
	s := v.cfg.Shadow
	if s.SampleRate < 0 || s.SampleRate > 1 {
		v.fail("shadow.sample_rate", "must be in [0,1]")
	}
	if s.Enabled {
		if s.BudgetUSD <= 0 {
			v.fail("shadow.budget_usd", "must be > 0 when shadow is enabled")
		}
		if s.CircuitMultiplier <= 1 {
			v.fail("shadow.circuit_multiplier", "must be > 1")
		}
		if s.MaxInflight < 1 {
			v.fail("shadow.max_inflight", "must be >= 1")
		}
	}
}

func (v *validator) validateRoutes() {
	if len(v.cfg.Routes) == 0 {
		v.fail("routes", "at least one route must be defined")
		return
	}
	seen := make(map[string]bool, len(v.cfg.Routes))
	for _, r := range v.cfg.Routes {
		if r.Name == "" {
			v.fail("routes", "route with empty name")
			continue
		}
		if seen[r.Name] {
			v.fail("routes", fmt.Sprintf("duplicate route name %q", r.Name))
		}
		seen[r.Name] = true
		if !models.RouteKind(r.Kind).IsValid() {
			v.fail("routes."+r.Name, fmt.Sprintf("unknown route kind %q", r.Kind))
		}
		if len(r.Utterances) == 0 {
			v.fail("routes."+r.Name, "route has no utterances")
		}
	}
}

func (v *validator) validateFlags() {
	for name, flag := range v.cfg.Flags {
		if len(flag.Variants) == 0 && flag.Default == "" {
			v.fail("flags."+name, "flag needs variants or a default")
			continue
		}
		total := 0.0
		for _, variant := range flag.Variants {
			if variant.Name == "" {
				v.fail("flags."+name, "variant with empty name")
			}
			if variant.Weight < 0 {
				v.fail("flags."+name, fmt.Sprintf("variant %q has negative weight", variant.Name))
			}
			total += variant.Weight
		}
		if len(flag.Variants) > 0 && total > 1.0+1e-9 {
			v.fail("flags."+name, fmt.Sprintf("variant weights sum to %.3f (max 1.0)", total))
		}
	}
}
