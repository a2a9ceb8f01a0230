package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/canopy-rag/canopy/pkg/models"
)

// handleQuery runs one request through the pipeline. The pipeline never
// returns transport errors: blocked and fallback outcomes are ordinary 200
// responses with the corresponding fields set.
func (s *Server) handleQuery(c *gin.Context) {
	var query models.Query
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := query.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := s.orchestrator.Handle(c.Request.Context(), query)
	c.JSON(http.StatusOK, resp)
}

// feedbackRequest is the POST /api/v1/feedback body.
type feedbackRequest struct {
	TraceID   string `json:"trace_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	TenantID  string `json:"tenant_id" binding:"required"`
	SessionID string `json:"session_id"`
	Rating    string `json:"rating" binding:"required"`
	Comment   string `json:"comment"`
}

func (s *Server) handleFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f := models.NewFeedback(req.TraceID, req.UserID, req.TenantID,
		req.SessionID, req.Rating, req.Comment)
	if err := s.feedback.Record(c.Request.Context(), &f); err != nil {
		if errors.Is(err, models.ErrInvalidRating) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to record feedback", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record feedback"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"feedback_id": f.FeedbackID})
}

// handleDeletion serves compliance deletion requests forwarded by the
// privacy tooling.
func (s *Server) handleDeletion(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	userID := c.Param("user_id")

	rows, err := s.deletion.DeleteUserData(c.Request.Context(), tenantID, userID)
	if err != nil {
		s.logger.Error("Failed to delete user data",
			"tenant_id", tenantID,
			"user_id", userID,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deletion failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows_deleted": rows})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "ok"})
}
