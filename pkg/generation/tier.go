package generation

import (
	"regexp"
	"strings"

	"github.com/canopy-rag/canopy/pkg/models"
)

// Signals that a query needs deeper reasoning than single-fact lookup.
var complexKeywords = regexp.MustCompile(
	`(?i)\b(compare|analyze|summarize all|across|evaluate|assess|contrast|` +
		`comprehensive|detailed analysis|multi-part|in-depth)\b`)

const (
	shortQueryWords    = 10
	smallContextTokens = 500
	largeContextTokens = 2000
	multiQuestionMarks = 2
)

// DetermineTier picks a model tier from local signals only. Pure; runs in
// microseconds. Rules are evaluated in order and the first hit wins:
//
//  1. Direct route with a short query takes the fast model.
//  2. Complexity keywords force the complex model.
//  3. Two or more questions force the complex model.
//  4. Large context forces complex; small context with a short query
//     allows fast.
//  5. Everything else runs standard.
func DetermineTier(query string, route models.RouteKind, contextTokens int) models.ModelTier {
	wordCount := len(strings.Fields(query))
	questionMarks := strings.Count(query, "?")

	if route == models.RouteDirect && wordCount < shortQueryWords {
		return models.TierFast
	}
	if complexKeywords.MatchString(query) {
		return models.TierComplex
	}
	if questionMarks >= multiQuestionMarks {
		return models.TierComplex
	}
	if contextTokens > largeContextTokens {
		return models.TierComplex
	}
	if contextTokens > 0 && contextTokens < smallContextTokens && wordCount < shortQueryWords {
		return models.TierFast
	}
	return models.TierStandard
}
