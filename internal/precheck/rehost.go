package precheck

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// MediaFetcher is the slice of the provider client the rehoster needs
type MediaFetcher interface {
	FetchMedia(ctx context.Context, account *whatsapp.Account, mediaID string, force bool) (*whatsapp.MediaInfo, error)
}

// Rehoster refreshes stale header-media URLs when the provider rejects them
type Rehoster struct {
	client MediaFetcher
	db     *gorm.DB
	sink   *trace.Sink
	log    logf.Logger
}

// NewRehoster creates a Rehoster
func NewRehoster(client MediaFetcher, db *gorm.DB, sink *trace.Sink, log logf.Logger) *Rehoster {
	return &Rehoster{client: client, db: db, sink: sink, log: log}
}

// Rehost force-refreshes the template's header media URL, persists it, and
// returns the fresh URL. tmpl is only read; concurrent callers decide how to
// apply the URL to their own copy. Callers retry the failed send exactly
// once afterwards; a second media_expired must be escalated to
// policy_rejected by the caller, never by looping back here.
func (r *Rehoster) Rehost(ctx context.Context, account *whatsapp.Account, tmpl *models.Template, campaignID *uuid.UUID, traceID string) (string, error) {
	r.sink.Record(trace.Event{
		TraceID:    traceID,
		CampaignID: campaignID,
		Step:       tmpl.Name,
		Phase:      "template_media_rehost_start",
		OK:         true,
	})

	if !tmpl.HasMediaHeader() || tmpl.HeaderMediaHandle == "" {
		r.sink.Record(trace.Event{
			TraceID:    traceID,
			CampaignID: campaignID,
			Step:       tmpl.Name,
			Phase:      "template_media_rehost_skip",
			OK:         true,
			Extra:      models.JSONB{"reason": "no rehostable media"},
		})
		return "", fault.Newf(fault.KindPolicyRejected, "template %s has no rehostable header media", tmpl.Name)
	}

	start := time.Now()
	info, err := r.client.FetchMedia(ctx, account, tmpl.HeaderMediaHandle, true)
	if err != nil {
		r.sink.Record(trace.Event{
			TraceID:    traceID,
			CampaignID: campaignID,
			Step:       tmpl.Name,
			Phase:      "template_media_rehost_fail",
			Ms:         time.Since(start).Milliseconds(),
			Extra:      models.JSONB{"error": err.Error()},
		})
		return "", err
	}

	now := time.Now()
	err = r.db.WithContext(ctx).Model(&models.Template{}).
		Where("id = ?", tmpl.ID).
		Updates(map[string]interface{}{
			"header_content":            info.URL,
			"header_media_refreshed_at": now,
			"updated_at":                now,
		}).Error
	if err != nil {
		r.log.Error("Failed to persist rehosted media URL", "template", tmpl.Name, "error", err)
		return "", fault.Wrap(fault.KindTransient, "persist rehosted media", err)
	}

	r.sink.Record(trace.Event{
		TraceID:    traceID,
		CampaignID: campaignID,
		Step:       tmpl.Name,
		Phase:      "template_media_rehost_ok",
		OK:         true,
		Ms:         time.Since(start).Milliseconds(),
	})
	return info.URL, nil
}

// Prepare preventively refreshes the template's media URL when the last
// refresh is older than maxAge. Best-effort; never blocks a dispatch.
func (r *Rehoster) Prepare(ctx context.Context, account *whatsapp.Account, tmpl *models.Template, campaignID *uuid.UUID, traceID string, maxAge time.Duration) {
	if !tmpl.HasMediaHeader() || tmpl.HeaderMediaHandle == "" {
		return
	}
	if tmpl.HeaderMediaRefreshedAt != nil && time.Since(*tmpl.HeaderMediaRefreshedAt) < maxAge {
		return
	}
	url, err := r.Rehost(ctx, account, tmpl, campaignID, traceID)
	if err != nil {
		r.log.Warn("Preventive media refresh failed", "template", tmpl.Name, "error", err)
		return
	}
	now := time.Now()
	tmpl.HeaderContent = url
	tmpl.HeaderMediaRefreshedAt = &now
}
