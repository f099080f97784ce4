package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/trace"
)

// Start moves a campaign into Sending and launches its dispatch loop.
// Allowed from Draft, Scheduled and Paused.
func (d *Dispatcher) Start(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		return fault.Wrap(fault.KindNotFound, "campaign not found", err)
	}

	switch campaign.Status {
	case models.CampaignStatusDraft, models.CampaignStatusScheduled, models.CampaignStatusPaused:
	case models.CampaignStatusSending:
		return fault.New(fault.KindConflict, "campaign is already sending")
	default:
		return fault.Newf(fault.KindConflict, "campaign cannot start from %s", campaign.Status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     models.CampaignStatusSending,
		"updated_at": now,
	}
	if campaign.StartedAt == nil {
		updates["started_at"] = now
	}
	if err := d.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).Updates(updates).Error; err != nil {
		return fault.Wrap(fault.KindTransient, "start campaign", err)
	}

	go d.Run(context.Background(), campaignID)
	return nil
}

// Pause stops a Sending campaign at its next batch boundary
func (d *Dispatcher) Pause(ctx context.Context, campaignID uuid.UUID) error {
	res := d.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignStatusSending).
		Updates(map[string]interface{}{
			"status":     models.CampaignStatusPaused,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fault.Wrap(fault.KindTransient, "pause campaign", res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.New(fault.KindConflict, "campaign is not sending")
	}

	d.sink.Record(trace.Event{
		TraceID:    uuid.New().String(),
		CampaignID: &campaignID,
		Phase:      "pause",
		OK:         true,
	})
	return nil
}

// Cancel terminates a campaign. Idempotent on already-cancelled campaigns;
// a conflict on Completed or Failed ones. Remaining pending rows are skipped
// with skip_code=cancelled; in-flight sends finish naturally.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uuid.UUID) (alreadyCancelled bool, err error) {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		return false, fault.Wrap(fault.KindNotFound, "campaign not found", err)
	}

	if campaign.Status == models.CampaignStatusCancelled {
		return true, nil
	}
	if campaign.Status.Terminal() {
		return false, fault.Newf(fault.KindConflict, "campaign is %s", campaign.Status)
	}

	now := time.Now()
	if err := d.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCancelled,
			"cancelled_at": now,
			"scheduled_at": nil,
			"updated_at":   now,
		}).Error; err != nil {
		return false, fault.Wrap(fault.KindTransient, "cancel campaign", err)
	}

	skipped, err := d.st.SkipPendingContacts(ctx, campaignID, models.SkipCodeCancelled, "campaign cancelled")
	if err != nil {
		// Best-effort: the campaign is already Cancelled, rows can be
		// swept up by a later cancel retry.
		d.log.Error("Failed to skip pending rows on cancel", "campaign_id", campaignID, "error", err)
	}

	d.sink.Record(trace.Event{
		TraceID:    uuid.New().String(),
		CampaignID: &campaignID,
		Phase:      "cancel",
		OK:         true,
		Extra:      models.JSONB{"skipped": skipped},
	})

	if err := d.st.RecountCampaign(ctx, campaignID); err != nil {
		d.log.Error("Recount after cancel failed", "campaign_id", campaignID, "error", err)
	}
	d.publishStats(ctx, campaignID)
	return false, nil
}
