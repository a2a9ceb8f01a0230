// Package models defines the value types shared across the pipeline:
// queries, chunks, route decisions, stage outputs, responses, and audit events.
package models

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxQueryCodePoints caps query length, counted in code points (not bytes).
const MaxQueryCodePoints = 10000

// Sentinel errors for query validation.
var (
	ErrEmptyQuery    = errors.New("query text must not be empty")
	ErrQueryTooLong  = errors.New("query text exceeds maximum length")
	ErrEmptyUserID   = errors.New("user_id must not be empty")
	ErrEmptyTenantID = errors.New("tenant_id must not be empty")
)

// QueryOptions carries optional per-request overrides.
type QueryOptions struct {
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	IncludeSources bool    `json:"include_sources"`
	ForceRoute     string  `json:"force_route,omitempty"`
}

// Query is the immutable pipeline input.
type Query struct {
	Text      string       `json:"text"`
	UserID    string       `json:"user_id"`
	TenantID  string       `json:"tenant_id"`
	SessionID string       `json:"session_id,omitempty"`
	Options   QueryOptions `json:"options"`
}

// Validate re-checks the Query invariants at the core boundary.
// The HTTP layer validates first; the orchestrator may assume a valid
// Query but calls this defensively on entry (InputRejected taxonomy).
func (q *Query) Validate() error {
	if q.Text == "" {
		return ErrEmptyQuery
	}
	if n := utf8.RuneCountInString(q.Text); n > MaxQueryCodePoints {
		return fmt.Errorf("%w: %d code points (max %d)", ErrQueryTooLong, n, MaxQueryCodePoints)
	}
	if q.UserID == "" {
		return ErrEmptyUserID
	}
	if q.TenantID == "" {
		return ErrEmptyTenantID
	}
	return nil
}
