package dispatcher

import (
	"context"
	"time"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
)

const schedulerInterval = 15 * time.Second

// SendingTimeoutKey is the settings key for the reaper's staleness window
const SendingTimeoutKey = "sending_timeout_sec"

const defaultSendingTimeoutSec = 300

// RunScheduler materializes Scheduled campaigns at their scheduled_at and
// periodically reaps rows stranded in sending. Blocks until ctx is done.
func (d *Dispatcher) RunScheduler(ctx context.Context) {
	// Recover rows a previous process left mid-send before dispatching
	// anything new.
	d.reap(ctx)

	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.materializeScheduled(ctx)
			d.reap(ctx)
		}
	}
}

// materializeScheduled moves due Scheduled campaigns into Sending. This is
// the only transition that stamps first_dispatch_at.
func (d *Dispatcher) materializeScheduled(ctx context.Context) {
	var due []models.Campaign
	err := d.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.CampaignStatusScheduled, time.Now()).
		Find(&due).Error
	if err != nil {
		d.log.Error("Failed to list due campaigns", "error", err)
		return
	}

	for _, campaign := range due {
		now := time.Now()
		updates := map[string]interface{}{
			"status":            models.CampaignStatusSending,
			"first_dispatch_at": now,
			"updated_at":        now,
		}
		if campaign.StartedAt == nil {
			updates["started_at"] = now
		}
		res := d.db.WithContext(ctx).Model(&models.Campaign{}).
			Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusScheduled).
			Updates(updates)
		if res.Error != nil {
			d.log.Error("Failed to materialize scheduled campaign", "campaign_id", campaign.ID, "error", res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			// Someone else (another process or a cancel) got there first
			continue
		}

		d.log.Info("Scheduled campaign materialized", "campaign_id", campaign.ID, "name", campaign.Name)
		go d.Run(context.Background(), campaign.ID)
	}
}

// reap returns rows stuck in sending longer than the configured timeout to
// pending so the next batch can pick them up.
func (d *Dispatcher) reap(ctx context.Context) {
	timeoutSec := defaultSendingTimeoutSec
	if err := d.st.GetSetting(ctx, SendingTimeoutKey, &timeoutSec); err != nil && !fault.Is(err, fault.KindNotFound) {
		d.log.Error("Failed to load sending timeout, using default", "error", err)
	}
	if timeoutSec <= 0 {
		timeoutSec = defaultSendingTimeoutSec
	}

	cutoff := time.Now().Add(-time.Duration(timeoutSec) * time.Second)
	n, err := d.st.ReclaimStuckSending(ctx, cutoff)
	if err != nil {
		d.log.Error("Reaper sweep failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Warn("Reclaimed stuck sending rows", "count", n)
	}
}
