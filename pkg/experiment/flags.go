// Package experiment holds the feature flag resolver, the variant
// recorder, and the shadow runner for candidate model evaluation.
package experiment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strconv"

	"github.com/canopy-rag/canopy/pkg/audit"
	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
)

// Assignment reasons, recorded in the audit trail for later analysis.
const (
	ReasonTenantOverride = "tenant_override"
	ReasonUserOverride   = "user_override"
	ReasonHashBucket     = "hash_assignment"
	ReasonFallback       = "fallback"
	ReasonUnknownFlag    = "unknown_flag"
)

// ControlVariant is the assignment for flags that do not exist.
const ControlVariant = "control"

// Assignment is one resolved flag value with the rule that produced it.
type Assignment struct {
	Flag    string
	Variant string
	Reason  string
}

// Resolver assigns experiment variants deterministically. Flag definitions
// are loaded at startup and immutable until restart, so resolution needs no
// locking.
type Resolver struct {
	flags  map[string]*config.FlagConfig
	logger *slog.Logger
}

// NewResolver builds a resolver over the loaded flag definitions.
func NewResolver(flags map[string]*config.FlagConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{flags: flags, logger: logger}
}

// Resolve picks the variant for one user/tenant pair. Priority order is
// tenant override, user override, weighted hash bucket, flag default. The
// same inputs always yield the same variant.
func (r *Resolver) Resolve(flagName, userID, tenantID string) Assignment {
	flag, ok := r.flags[flagName]
	if !ok {
		r.logger.Warn("Unknown feature flag requested", "flag", flagName)
		return Assignment{Flag: flagName, Variant: ControlVariant, Reason: ReasonUnknownFlag}
	}

	if tenantID != "" {
		if variant, ok := flag.TenantOverrides[tenantID]; ok {
			return Assignment{Flag: flagName, Variant: variant, Reason: ReasonTenantOverride}
		}
	}
	if variant, ok := flag.UserOverrides[userID]; ok {
		return Assignment{Flag: flagName, Variant: variant, Reason: ReasonUserOverride}
	}

	bucket := hashBucket(userID)
	cumulative := 0.0
	for _, v := range flag.Variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return Assignment{Flag: flagName, Variant: v.Name, Reason: ReasonHashBucket}
		}
	}

	return Assignment{Flag: flagName, Variant: flag.Default, Reason: ReasonFallback}
}

// hashBucket maps a user ID to [0, 1) from the first 8 hex characters of
// its MD5. The hash is an assignment key, not a security boundary.
func hashBucket(userID string) float64 {
	sum := md5.Sum([]byte(userID))
	prefix := hex.EncodeToString(sum[:4])
	n, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		return 0
	}
	return float64(n%10000) / 10000.0
}

// VariantRecorder resolves a flag and records the assignment as both a
// metric and an audit event. Called once per primary request before the
// pipeline begins.
type VariantRecorder struct {
	resolver *Resolver
	auditor  *audit.Recorder
	metrics  *metrics.Metrics
}

// NewVariantRecorder wires the resolver to its observation sinks.
func NewVariantRecorder(resolver *Resolver, auditor *audit.Recorder, m *metrics.Metrics) *VariantRecorder {
	return &VariantRecorder{resolver: resolver, auditor: auditor, metrics: m}
}

// Assign resolves the variant and emits the assignment records.
func (v *VariantRecorder) Assign(ctx context.Context, flagName, userID, tenantID string) Assignment {
	assignment := v.resolver.Resolve(flagName, userID, tenantID)

	v.metrics.VariantAssigned.WithLabelValues(assignment.Flag, assignment.Variant).Inc()

	event := models.NewAuditEvent(
		models.AuditVariantAssignment,
		models.AuditActor{Type: models.ActorSystem, ID: "feature_flags"},
		models.AuditResource{Type: "flag", ID: assignment.Flag},
		"assign",
		tenantID,
		map[string]any{
			"user_id": userID,
			"variant": assignment.Variant,
			"reason":  assignment.Reason,
		},
	)
	v.auditor.Record(ctx, &event)

	return assignment
}
