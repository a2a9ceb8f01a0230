// Package routing classifies queries into route kinds by semantic
// similarity against per-route example utterances.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/embeddings"
	"github.com/canopy-rag/canopy/pkg/models"
)

// Sentinel errors for router setup and use.
var (
	ErrNotInitialized = errors.New("router not initialized")
	ErrNoRoutes       = errors.New("no routes configured")
)

type routeEntry struct {
	def     config.RouteDefinition
	vectors [][]float32
}

// Router scores a query against pre-embedded utterances and picks the route
// with the highest max similarity. Below the confidence threshold it
// substitutes the configured default route but keeps the measured
// confidence, so callers can still see how weak the match was.
type Router struct {
	threshold    float64
	defaultRoute models.RouteKind
	embedder     embeddings.Service
	logger       *slog.Logger

	entries     []routeEntry
	initialized bool
}

// NewRouter creates a Router. Initialize must be called before Route.
func NewRouter(cfg *config.RoutingConfig, routes []config.RouteDefinition, embedder embeddings.Service, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		threshold:    cfg.Threshold,
		defaultRoute: models.RouteKind(cfg.DefaultRoute),
		embedder:     embedder,
		logger:       logger,
	}
	for _, def := range routes {
		r.entries = append(r.entries, routeEntry{def: def})
	}
	return r
}

// Initialize embeds every utterance of every route in one batch. Called
// eagerly at startup so bad config or a dead embedding endpoint fails fast.
func (r *Router) Initialize(ctx context.Context) error {
	if len(r.entries) == 0 {
		return ErrNoRoutes
	}

	var all []string
	type span struct{ start, end int }
	slices := make([]span, len(r.entries))
	for i, e := range r.entries {
		slices[i].start = len(all)
		all = append(all, e.def.Utterances...)
		slices[i].end = len(all)
	}

	vectors, err := r.embedder.EmbedTexts(ctx, all)
	if err != nil {
		return fmt.Errorf("failed to embed route utterances: %w", err)
	}

	total := 0
	for i := range r.entries {
		r.entries[i].vectors = vectors[slices[i].start:slices[i].end]
		total += len(r.entries[i].vectors)
	}
	r.initialized = true

	r.logger.Info("Query router initialized",
		"routes", len(r.entries),
		"utterances", total)
	return nil
}

// Route classifies the query. A non-empty forceRoute bypasses scoring and
// returns that kind with confidence 1; an unknown forceRoute kind is ignored
// and the query is scored normally.
func (r *Router) Route(ctx context.Context, query string, forceRoute models.RouteKind) (models.RouteDecision, error) {
	if forceRoute != "" {
		if forceRoute.IsValid() {
			return models.RouteDecision{Kind: forceRoute, Confidence: 1.0}, nil
		}
		r.logger.Warn("Ignoring unknown force_route, scoring normally",
			"force_route", string(forceRoute))
	}
	if !r.initialized {
		return models.RouteDecision{}, ErrNotInitialized
	}

	queryVecs, err := r.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return models.RouteDecision{}, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := queryVecs[0]

	// Max-sim per route: the query only needs to match one utterance well.
	scores := make(map[string]float64, len(r.entries))
	matched := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		best, bestUtterance := 0.0, ""
		for i, vec := range e.vectors {
			if sim := embeddings.Cosine(queryVec, vec); sim > best {
				best = sim
				bestUtterance = e.def.Utterances[i]
			}
		}
		scores[e.def.Name] = best
		matched[e.def.Name] = bestUtterance
	}

	// Highest score wins; alphabetically smaller name breaks ties.
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	bestName := names[0]
	for _, name := range names[1:] {
		if scores[name] > scores[bestName] {
			bestName = name
		}
	}

	confidence := clamp01(scores[bestName])
	decision := models.RouteDecision{
		Kind:             r.kindOf(bestName),
		Confidence:       confidence,
		Scores:           scores,
		MatchedUtterance: matched[bestName],
	}

	if confidence < r.threshold {
		r.logger.Info("Route below threshold, using default",
			"best_route", bestName,
			"confidence", confidence,
			"threshold", r.threshold,
			"default", r.defaultRoute)
		decision.Kind = r.defaultRoute
	}
	return decision, nil
}

func (r *Router) kindOf(name string) models.RouteKind {
	for _, e := range r.entries {
		if e.def.Name == name {
			return models.RouteKind(e.def.Kind)
		}
	}
	return r.defaultRoute
}

// Cosine similarity can be negative for dissimilar vectors; confidence is
// reported on [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
