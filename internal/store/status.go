package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
)

// statusFromSignal maps a webhook status string onto the contact progression.
// Unknown signals are ignored by the caller.
func statusFromSignal(signal string) (models.ContactStatus, bool) {
	switch signal {
	case "sent":
		return models.ContactStatusSent, true
	case "delivered":
		return models.ContactStatusDelivered, true
	case "read":
		return models.ContactStatusRead, true
	case "failed":
		return models.ContactStatusFailed, true
	}
	return "", false
}

// ApplyStatusEvent projects one webhook delivery signal onto the recipient
// row it correlates to. Duplicate (message_id, status) pairs only refresh
// last_received_at. Out-of-order signals stamp their timestamp column but
// never regress the row's status. Returns whether the signal was new.
func (s *Store) ApplyStatusEvent(ctx context.Context, messageID, signal string, eventTS time.Time, failReason string) (bool, error) {
	target, ok := statusFromSignal(signal)
	if !ok {
		return false, fault.Newf(fault.KindValidation, "unknown status signal %q", signal)
	}

	var contact models.CampaignContact
	if err := s.db.WithContext(ctx).First(&contact, "message_id = ?", messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, fault.Newf(fault.KindNotFound, "no contact for message %s", messageID)
		}
		return false, wrapDBErr("lookup contact by message id", err)
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		ev := models.StatusEvent{
			MessageID:      messageID,
			Status:         signal,
			EventTS:        eventTS,
			LastReceivedAt: now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "status"}},
			DoNothing: true,
		}).Create(&ev)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Redelivery. Refresh receipt time only.
			return tx.Model(&models.StatusEvent{}).
				Where("message_id = ? AND status = ?", messageID, signal).
				Update("last_received_at", now).Error
		}
		applied = true

		updates := map[string]interface{}{"updated_at": now}

		// Timestamp columns record the earliest signal regardless of
		// arrival order.
		switch target {
		case models.ContactStatusSent:
			if contact.SentAt == nil {
				updates["sent_at"] = eventTS
			}
		case models.ContactStatusDelivered:
			if contact.DeliveredAt == nil {
				updates["delivered_at"] = eventTS
			}
		case models.ContactStatusRead:
			if contact.ReadAt == nil {
				updates["read_at"] = eventTS
			}
		case models.ContactStatusFailed:
			updates["error"] = failReason
		}

		if models.ContactStatusRank(target) > models.ContactStatusRank(contact.Status) {
			updates["status"] = target
		}

		return tx.Model(&models.CampaignContact{}).Where("id = ?", contact.ID).Updates(updates).Error
	})
	if err != nil {
		return false, wrapDBErr("apply status event", err)
	}

	if applied {
		if err := s.RecountCampaign(ctx, contact.CampaignID); err != nil {
			s.log.Error("Failed to recount campaign after status event", "campaign_id", contact.CampaignID, "error", err)
		}
	}
	return applied, nil
}

// RecountCampaign recomputes the campaign's aggregate counters from its
// recipient rows. sent counts everything at or past sent; delivered counts
// delivered and read.
func (s *Store) RecountCampaign(ctx context.Context, campaignID uuid.UUID) error {
	counts, err := s.CountContactsByStatus(ctx, campaignID)
	if err != nil {
		return err
	}

	read := counts[models.ContactStatusRead]
	delivered := counts[models.ContactStatusDelivered] + read
	sent := counts[models.ContactStatusSent] + delivered

	err = s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"sent_count":      sent,
			"delivered_count": delivered,
			"read_count":      read,
			"failed_count":    counts[models.ContactStatusFailed],
			"skipped_count":   counts[models.ContactStatusSkipped],
			"updated_at":      time.Now(),
		}).Error
	return wrapDBErr("recount campaign", err)
}
