package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Feedback ratings accepted from end users.
const (
	RatingUp   = "up"
	RatingDown = "down"
)

var (
	ErrEmptyTraceID  = errors.New("trace_id must not be empty")
	ErrInvalidRating = errors.New("rating must be up or down")
)

// MaxFeedbackCommentLen bounds the free-text comment in code points.
const MaxFeedbackCommentLen = 2000

// Feedback is one user judgement on a completed request, keyed by the
// trace it refers to.
type Feedback struct {
	FeedbackID string    `json:"feedback_id"`
	TraceID    string    `json:"trace_id"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Rating     string    `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewFeedback mints a feedback record with a fresh ID and timestamp.
func NewFeedback(traceID, userID, tenantID, sessionID, rating, comment string) Feedback {
	return Feedback{
		FeedbackID: uuid.NewString(),
		TraceID:    traceID,
		UserID:     userID,
		TenantID:   tenantID,
		SessionID:  sessionID,
		Rating:     rating,
		Comment:    comment,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the record before persistence.
func (f *Feedback) Validate() error {
	if f.TraceID == "" {
		return ErrEmptyTraceID
	}
	if f.UserID == "" {
		return ErrEmptyUserID
	}
	if f.TenantID == "" {
		return ErrEmptyTenantID
	}
	if f.Rating != RatingUp && f.Rating != RatingDown {
		return ErrInvalidRating
	}
	if len([]rune(f.Comment)) > MaxFeedbackCommentLen {
		return errors.New("comment exceeds maximum length")
	}
	return nil
}
