package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canopy-rag/canopy/pkg/audit"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/vectorstore"
)

// DeletionService removes a user's chunks from the vector store and emits
// the data_deletion audit event. It is driven by compliance requests
// forwarded from outside the pipeline.
type DeletionService struct {
	store   vectorstore.Store
	auditor *audit.Recorder
	logger  *slog.Logger
}

// NewDeletionService wires the deletion path.
func NewDeletionService(store vectorstore.Store, auditor *audit.Recorder, logger *slog.Logger) *DeletionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeletionService{store: store, auditor: auditor, logger: logger}
}

// DeleteUserData removes every chunk the user owns within the tenant and
// returns the row count. The audit event records the count, including zero:
// a deletion request against an empty store is still audited.
func (s *DeletionService) DeleteUserData(ctx context.Context, tenantID, userID string) (int64, error) {
	rows, err := s.store.DeleteByUser(ctx, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user data: %w", err)
	}

	event := models.NewAuditEvent(
		models.AuditDataDeletion,
		models.AuditActor{Type: models.ActorSystem, ID: "compliance"},
		models.AuditResource{Type: "user_data", ID: userID},
		"delete",
		tenantID,
		map[string]any{"rows_deleted": rows},
	)
	s.auditor.Record(ctx, &event)

	s.logger.Info("User data deleted",
		"tenant_id", tenantID,
		"user_id", userID,
		"rows", rows)
	return rows, nil
}
