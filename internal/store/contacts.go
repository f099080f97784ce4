package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
)

// ClaimPending moves up to batchSize pending recipients of a campaign to
// sending and returns them. The conditional UPDATE makes the claim safe
// against a concurrent dispatcher: a row already moved by someone else simply
// drops out of the batch.
func (s *Store) ClaimPending(ctx context.Context, campaignID uuid.UUID, batchSize int) ([]models.CampaignContact, error) {
	var claimed []models.CampaignContact

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := tx.Model(&models.CampaignContact{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.ContactStatusPending).
			Order("created_at ASC").
			Limit(batchSize).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&models.CampaignContact{}).
			Where("id IN ? AND status = ?", ids, models.ContactStatusPending).
			Updates(map[string]interface{}{
				"status":     models.ContactStatusSending,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}

		return tx.Where("id IN ? AND status = ?", ids, models.ContactStatusSending).
			Order("created_at ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, wrapDBErr("claim pending contacts", err)
	}
	return claimed, nil
}

// TransitionContact moves a recipient row to a new status, enforcing the
// forward-only progression. extra columns are applied alongside the status.
// A regression attempt returns a conflict and leaves the row untouched.
func (s *Store) TransitionContact(ctx context.Context, contactID uuid.UUID, to models.ContactStatus, extra map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contact models.CampaignContact
		if err := tx.First(&contact, "id = ?", contactID).Error; err != nil {
			return wrapDBErr("load contact", err)
		}

		if models.ContactStatusRank(to) < models.ContactStatusRank(contact.Status) {
			return fault.Newf(fault.KindConflict, "contact %s cannot move %s -> %s", contactID, contact.Status, to)
		}

		updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
		for k, v := range extra {
			updates[k] = v
		}
		if err := tx.Model(&models.CampaignContact{}).Where("id = ?", contactID).Updates(updates).Error; err != nil {
			return wrapDBErr("update contact", err)
		}
		return nil
	})
}

// MarkSent records a successful provider send
func (s *Store) MarkSent(ctx context.Context, contactID uuid.UUID, messageID string, at time.Time) error {
	return s.TransitionContact(ctx, contactID, models.ContactStatusSent, map[string]interface{}{
		"message_id": messageID,
		"sent_at":    at,
		"error":      "",
	})
}

// MarkFailed records a terminal send failure
func (s *Store) MarkFailed(ctx context.Context, contactID uuid.UUID, reason string) error {
	return s.TransitionContact(ctx, contactID, models.ContactStatusFailed, map[string]interface{}{
		"error": reason,
	})
}

// MarkSkipped records a precheck or cancellation skip
func (s *Store) MarkSkipped(ctx context.Context, contactID uuid.UUID, code, reason string) error {
	now := time.Now()
	return s.TransitionContact(ctx, contactID, models.ContactStatusSkipped, map[string]interface{}{
		"skip_code":   code,
		"skip_reason": reason,
		"skipped_at":  now,
	})
}

// RequeueContact returns a claimed row to pending for a later batch, bumping
// its attempt counter. Used for rate-limited sends and reaper recoveries.
func (s *Store) RequeueContact(ctx context.Context, contactID uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&models.CampaignContact{}).
		Where("id = ? AND status = ?", contactID, models.ContactStatusSending).
		Updates(map[string]interface{}{
			"status":     models.ContactStatusPending,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		}).Error
	return wrapDBErr("requeue contact", err)
}

// SkipPendingContacts terminally skips every still-pending recipient of a
// campaign. Returns the number of rows skipped. Rows mid-send are untouched.
func (s *Store) SkipPendingContacts(ctx context.Context, campaignID uuid.UUID, code, reason string) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.CampaignContact{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.ContactStatusPending).
		Updates(map[string]interface{}{
			"status":      models.ContactStatusSkipped,
			"skip_code":   code,
			"skip_reason": reason,
			"skipped_at":  now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, wrapDBErr("skip pending contacts", res.Error)
	}
	return res.RowsAffected, nil
}

// ReclaimStuckSending returns rows stuck in sending longer than cutoff to
// pending. The reaper runs this so that a crashed worker never strands rows.
func (s *Store) ReclaimStuckSending(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.CampaignContact{}).
		Where("status = ? AND updated_at < ?", models.ContactStatusSending, cutoff).
		Updates(map[string]interface{}{
			"status":     models.ContactStatusPending,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, wrapDBErr("reclaim stuck contacts", res.Error)
	}
	return res.RowsAffected, nil
}

// CountContactsByStatus returns the per-status row counts of a campaign
func (s *Store) CountContactsByStatus(ctx context.Context, campaignID uuid.UUID) (map[models.ContactStatus]int, error) {
	type row struct {
		Status models.ContactStatus
		N      int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.CampaignContact{}).
		Select("status, count(*) as n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapDBErr("count contacts", err)
	}
	counts := make(map[models.ContactStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
