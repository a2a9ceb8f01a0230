package models

// RouteKind classifies a query's intent and determines downstream processing.
type RouteKind string

const (
	// RouteRAG runs the full retrieval-augmented path.
	RouteRAG RouteKind = "RAG"
	// RouteDirect skips retrieval and answers from the model alone.
	RouteDirect RouteKind = "DIRECT"
	// RouteEscalate hands the query to a human; no LLM call is made.
	RouteEscalate RouteKind = "ESCALATE"
	// RouteSQLStructured is reserved; encountering it surfaces a typed
	// not-implemented Response.
	RouteSQLStructured RouteKind = "SQL_STRUCTURED"
	// RouteAPILookup is reserved, same handling as RouteSQLStructured.
	RouteAPILookup RouteKind = "API_LOOKUP"
)

// IsValid checks whether the route kind is one of the fixed set.
func (k RouteKind) IsValid() bool {
	switch k {
	case RouteRAG, RouteDirect, RouteEscalate, RouteSQLStructured, RouteAPILookup:
		return true
	default:
		return false
	}
}

// Implemented reports whether the core can serve the route. Reserved routes
// exist in configuration but have no in-core handler.
func (k RouteKind) Implemented() bool {
	return k == RouteRAG || k == RouteDirect || k == RouteEscalate
}

// RouteDecision is the router's output for one query.
type RouteDecision struct {
	Kind             RouteKind          `json:"route_kind"`
	Confidence       float64            `json:"confidence"`
	Scores           map[string]float64 `json:"scores"`
	MatchedUtterance string             `json:"matched_utterance,omitempty"`
}
