package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
)

// OpenConversation suspends a run by creating a waiting conversation. At most
// one waiting conversation may exist per (workflow_id, phone); a second open
// attempt is a conversation conflict and the caller's run must fail.
func (s *Store) OpenConversation(ctx context.Context, conv *models.WorkflowConversation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.WorkflowConversation{}).
			Where("workflow_id = ? AND phone = ? AND status = ?",
				conv.WorkflowID, conv.Phone, models.ConversationStatusWaiting).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fault.Newf(fault.KindConversationConflict,
				"a waiting conversation already exists for workflow %s and %s", conv.WorkflowID, conv.Phone)
		}
		conv.Status = models.ConversationStatusWaiting
		return tx.Create(conv).Error
	})
	if fault.Is(err, fault.KindConversationConflict) {
		return err
	}
	return wrapDBErr("open conversation", err)
}

// FindWaitingConversation returns the newest waiting conversation for a phone
// number, or a not_found fault.
func (s *Store) FindWaitingConversation(ctx context.Context, phone string) (*models.WorkflowConversation, error) {
	var conv models.WorkflowConversation
	err := s.db.WithContext(ctx).
		Where("phone = ? AND status = ?", phone, models.ConversationStatusWaiting).
		Order("created_at DESC").
		First(&conv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fault.Newf(fault.KindNotFound, "no waiting conversation for %s", phone)
		}
		return nil, wrapDBErr("find waiting conversation", err)
	}
	return &conv, nil
}

// CompleteConversation marks a waiting conversation completed. Completing an
// already-completed conversation is a conflict so a double resume is visible.
func (s *Store) CompleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.WorkflowConversation{}).
		Where("id = ? AND status = ?", conversationID, models.ConversationStatusWaiting).
		Updates(map[string]interface{}{
			"status":     models.ConversationStatusCompleted,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return wrapDBErr("complete conversation", res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.KindConflict, "conversation %s is not waiting", conversationID)
	}
	return nil
}
