package pipeline

import "fmt"

// Disposition is a stage's statically declared failure behavior.
type Disposition string

const (
	// DispositionTerminal ends the request with a blocked or fallback
	// Response.
	DispositionTerminal Disposition = "TERMINAL"
	// DispositionDegrade records the failure in the span and continues
	// without the stage's contribution.
	DispositionDegrade Disposition = "DEGRADE"
	// DispositionPartial continues with whatever sub-results succeeded.
	DispositionPartial Disposition = "PARTIAL"
)

// Failure reasons recorded in spans, metrics, and block_reason fields.
const (
	ReasonInjection      = "injection"
	ReasonMLGuard        = "ml_guard"
	ReasonPII            = "pii"
	ReasonInputRejected  = "input_rejected"
	ReasonRoutingError   = "routing_error"
	ReasonNotImplemented = "not_implemented"
	ReasonExpanderError  = "expander_error"
	ReasonRetrievalError = "retrieval_error"
	ReasonRerankError    = "rerank_error"
	ReasonGeneration     = "generation_error"
	ReasonGroundingFail  = "grounding_fail"
	ReasonCancelled      = "cancelled"
	ReasonHighConfidence = "high_confidence"
)

// StageError is a typed stage failure carried to the orchestrator boundary.
// TERMINAL errors translate to Response fields; DEGRADE errors are consumed
// where they occur and never reach the boundary.
type StageError struct {
	Stage       string
	Disposition Disposition
	Reason      string
	Err         error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("stage %s failed: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func terminal(stage, reason string, err error) *StageError {
	return &StageError{Stage: stage, Disposition: DispositionTerminal, Reason: reason, Err: err}
}
