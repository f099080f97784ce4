// Package dispatcher drives outbound campaigns: batch claim, per-contact
// precheck, rate-controlled concurrent sends, cancellation and scheduling.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/queue"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/internal/turbo"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// Dispatcher runs campaign dispatch loops
type Dispatcher struct {
	db       *gorm.DB
	st       *store.Store
	client   *whatsapp.Client
	account  *whatsapp.Account
	registry *turbo.Registry
	rehoster *precheck.Rehoster
	sink     *trace.Sink
	q        *queue.Queue
	log      logf.Logger
}

// New creates a Dispatcher
func New(db *gorm.DB, st *store.Store, client *whatsapp.Client, account *whatsapp.Account, registry *turbo.Registry, rehoster *precheck.Rehoster, sink *trace.Sink, q *queue.Queue, log logf.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		st:       st,
		client:   client,
		account:  account,
		registry: registry,
		rehoster: rehoster,
		sink:     sink,
		q:        q,
		log:      log,
	}
}

// Run drives one campaign until it completes, pauses, is cancelled or fails.
// Intended to run on its own goroutine; every exit path leaves the campaign
// in a consistent state.
func (d *Dispatcher) Run(ctx context.Context, campaignID uuid.UUID) {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		d.log.Error("Dispatch aborted, campaign not loadable", "campaign_id", campaignID, "error", err)
		return
	}
	if campaign.Status != models.CampaignStatusSending {
		d.log.Warn("Dispatch skipped, campaign not in Sending", "campaign_id", campaignID, "status", campaign.Status)
		return
	}

	var tmpl models.Template
	if err := d.db.WithContext(ctx).First(&tmpl, "name = ?", campaign.TemplateName).Error; err != nil {
		d.log.Error("Dispatch aborted, template missing", "campaign_id", campaignID, "template", campaign.TemplateName)
		d.finalize(ctx, campaign, models.CampaignStatusFailed)
		return
	}

	cfg := d.registry.LoadConfig(ctx)
	controller := d.registry.Get(ctx, campaign.PhoneNumberID)
	ts := &templateState{tmpl: tmpl}
	traceID := uuid.New().String()

	d.sink.Record(trace.Event{
		TraceID:    traceID,
		CampaignID: &campaign.ID,
		Phase:      "dispatch_start",
		OK:         true,
		Extra:      models.JSONB{"target_mps": controller.Target()},
	})
	d.log.Info("Dispatch started", "campaign_id", campaignID, "name", campaign.Name, "target_mps", controller.Target())

	batchIndex := 0
	for {
		// Batch boundary: observe cancellation and pausing
		current, err := d.loadCampaign(ctx, campaignID)
		if err != nil || current.Status != models.CampaignStatusSending {
			d.log.Info("Dispatch stopping at batch boundary", "campaign_id", campaignID)
			d.publishStats(ctx, campaignID)
			return
		}

		claimed, err := d.st.ClaimPending(ctx, campaignID, cfg.BatchSize)
		if err != nil {
			d.log.Error("Batch claim failed", "campaign_id", campaignID, "error", err)
			d.finalize(ctx, current, models.CampaignStatusFailed)
			return
		}
		if len(claimed) == 0 {
			d.finalize(ctx, current, "")
			d.sink.Record(trace.Event{
				TraceID:    traceID,
				CampaignID: &campaign.ID,
				Phase:      "dispatch_finish",
				OK:         true,
				BatchIndex: batchIndex,
			})
			return
		}

		d.sink.Record(trace.Event{
			TraceID:    traceID,
			CampaignID: &campaign.ID,
			Phase:      "batch_claim",
			OK:         true,
			BatchIndex: batchIndex,
			Extra:      models.JSONB{"claimed": len(claimed)},
		})

		d.runBatch(ctx, cfg, controller, campaign, ts, claimed, traceID, batchIndex)
		batchIndex++

		if err := d.st.RecountCampaign(ctx, campaignID); err != nil {
			d.log.Error("Recount failed", "campaign_id", campaignID, "error", err)
		}
		d.publishStats(ctx, campaignID)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// templateState shares one template across batch workers. A rehost updates
// it under the lock; senders only ever read isolated snapshots, so a refresh
// in one worker cannot tear the payload another worker is building.
type templateState struct {
	mu   sync.Mutex
	tmpl models.Template
}

// snapshot returns a private copy of the current template
func (s *templateState) snapshot() *models.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.tmpl
	return &snap
}

// setHeaderURL applies a rehosted header media URL
func (s *templateState) setHeaderURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.tmpl.HeaderContent = url
	s.tmpl.HeaderMediaRefreshedAt = &now
}

// runBatch prechecks the claimed rows and fans the passing ones out to
// sendConcurrency workers drawing from the rate controller.
func (d *Dispatcher) runBatch(ctx context.Context, cfg turbo.Config, controller *turbo.Controller, campaign *models.Campaign, ts *templateState, claimed []models.CampaignContact, traceID string, batchIndex int) {
	tmpl := ts.snapshot()
	jobs := make(chan *sendJob, len(claimed))
	for i := range claimed {
		contact := &claimed[i]

		res := precheck.Check(contact, tmpl, campaign.Variables)
		if !res.OK {
			if err := d.st.MarkSkipped(ctx, contact.ID, res.SkipCode, res.Reason); err != nil {
				d.log.Error("Failed to skip contact", "contact_id", contact.ID, "error", err)
			}
			d.sink.Record(trace.Event{
				TraceID:    traceID,
				CampaignID: &campaign.ID,
				Phase:      "precheck_skip",
				BatchIndex: batchIndex,
				ContactID:  contact.ID.String(),
				Phone:      contact.Phone,
				Extra:      models.JSONB{"skip_code": res.SkipCode, "reason": res.Reason},
			})
			continue
		}

		jobs <- &sendJob{contact: contact, phone: res.NormalizedPhone, vars: res.Resolved}
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < cfg.SendConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				d.sendOne(ctx, cfg, controller, campaign, ts, job, traceID, batchIndex)
			}
		}()
	}
	wg.Wait()
}

type sendJob struct {
	contact *models.CampaignContact
	phone   string
	vars    map[string]interface{}
}

// sendOne emits a single message through the rate controller and records the
// outcome on the contact row.
func (d *Dispatcher) sendOne(ctx context.Context, cfg turbo.Config, controller *turbo.Controller, campaign *models.Campaign, ts *templateState, job *sendJob, traceID string, batchIndex int) {
	if err := controller.Acquire(ctx); err != nil {
		// Shutdown mid-batch: the reaper recovers the row later
		return
	}

	start := time.Now()
	res, err := d.sendTemplate(ctx, ts.snapshot(), job)
	elapsed := time.Since(start).Milliseconds()

	if err != nil && fault.Is(err, fault.KindMediaExpired) {
		// One rehost, one retry. A second media failure escalates.
		if url, rerr := d.rehoster.Rehost(ctx, d.account, ts.snapshot(), &campaign.ID, traceID); rerr == nil {
			ts.setHeaderURL(url)
			res, err = d.sendTemplate(ctx, ts.snapshot(), job)
			if err != nil && fault.Is(err, fault.KindMediaExpired) {
				err = fault.Wrap(fault.KindPolicyRejected, "media still expired after rehost", err)
			}
		} else {
			err = fault.Wrap(fault.KindPolicyRejected, "media rehost failed", err)
		}
	}

	if err == nil {
		controller.OnOK()
		if merr := d.st.MarkSent(ctx, job.contact.ID, res.MessageID, time.Now()); merr != nil {
			d.log.Error("Failed to mark contact sent", "contact_id", job.contact.ID, "error", merr)
		}
		d.touchLastSent(ctx, campaign.ID)
		d.sink.Record(trace.Event{
			TraceID:    traceID,
			CampaignID: &campaign.ID,
			Phase:      "meta_send_ok",
			OK:         true,
			Ms:         elapsed,
			BatchIndex: batchIndex,
			ContactID:  job.contact.ID.String(),
			Phone:      job.phone,
		})
		return
	}

	kind := fault.KindOf(err)
	d.sink.Record(trace.Event{
		TraceID:    traceID,
		CampaignID: &campaign.ID,
		Phase:      "meta_send_fail",
		Ms:         elapsed,
		BatchIndex: batchIndex,
		ContactID:  job.contact.ID.String(),
		Phone:      job.phone,
		Extra:      models.JSONB{"kind": string(kind), "error": err.Error()},
	})

	if kind == fault.KindRateLimited {
		controller.OnRateLimited()
		d.sink.Record(trace.Event{
			TraceID:    traceID,
			CampaignID: &campaign.ID,
			Phase:      "rate_limited",
			BatchIndex: batchIndex,
			ContactID:  job.contact.ID.String(),
			Extra:      models.JSONB{"target_mps": controller.Target(), "attempts": job.contact.Attempts},
		})

		if job.contact.Attempts < cfg.MaxRateLimitedRequeues {
			if rerr := d.st.RequeueContact(ctx, job.contact.ID); rerr != nil {
				d.log.Error("Failed to requeue contact", "contact_id", job.contact.ID, "error", rerr)
			}
			return
		}

		d.sink.Record(trace.Event{
			TraceID:    traceID,
			CampaignID: &campaign.ID,
			Phase:      "requeue_exhausted",
			BatchIndex: batchIndex,
			ContactID:  job.contact.ID.String(),
		})
		if merr := d.st.MarkFailed(ctx, job.contact.ID, "rate_limited"); merr != nil {
			d.log.Error("Failed to fail contact", "contact_id", job.contact.ID, "error", merr)
		}
		return
	}

	if merr := d.st.MarkFailed(ctx, job.contact.ID, err.Error()); merr != nil {
		d.log.Error("Failed to fail contact", "contact_id", job.contact.ID, "error", merr)
	}
}

func (d *Dispatcher) sendTemplate(ctx context.Context, tmpl *models.Template, job *sendJob) (*whatsapp.SendResult, error) {
	components := precheck.BuildComponents(tmpl, job.vars)
	return d.client.SendTemplateMessage(ctx, d.account, job.phone, tmpl.Name, tmpl.Language, components)
}

func (d *Dispatcher) loadCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := d.db.WithContext(ctx).First(&campaign, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (d *Dispatcher) touchLastSent(ctx context.Context, campaignID uuid.UUID) {
	now := time.Now()
	if err := d.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("last_sent_at", now).Error; err != nil {
		d.log.Error("Failed to stamp last_sent_at", "campaign_id", campaignID, "error", err)
	}
}

// finalize settles the campaign's terminal state once no pending rows
// remain. forced overrides the computed outcome when non-empty.
func (d *Dispatcher) finalize(ctx context.Context, campaign *models.Campaign, forced models.CampaignStatus) {
	if err := d.st.RecountCampaign(ctx, campaign.ID); err != nil {
		d.log.Error("Final recount failed", "campaign_id", campaign.ID, "error", err)
	}

	counts, err := d.st.CountContactsByStatus(ctx, campaign.ID)
	if err != nil {
		d.log.Error("Final count failed", "campaign_id", campaign.ID, "error", err)
	}

	status := forced
	if status == "" {
		status = models.CampaignStatusCompleted
		attempted := 0
		for s, n := range counts {
			if s != models.ContactStatusSkipped && s != models.ContactStatusPending {
				attempted += n
			}
		}
		// A campaign where every attempted row failed is a failure, not a
		// completion.
		if attempted > 0 && counts[models.ContactStatusFailed] == attempted {
			status = models.CampaignStatusFailed
		}
	}

	now := time.Now()
	if err := d.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusSending).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
			"updated_at":   now,
		}).Error; err != nil {
		d.log.Error("Failed to finalize campaign", "campaign_id", campaign.ID, "error", err)
	}

	d.publishStats(ctx, campaign.ID)
	d.log.Info("Dispatch finished", "campaign_id", campaign.ID, "status", status)
}

func (d *Dispatcher) publishStats(ctx context.Context, campaignID uuid.UUID) {
	campaign, err := d.loadCampaign(ctx, campaignID)
	if err != nil {
		return
	}
	d.q.PublishStats(ctx, queue.StatsUpdate{
		CampaignID: campaign.ID,
		Status:     string(campaign.Status),
		Recipients: campaign.RecipientCount,
		Sent:       campaign.SentCount,
		Delivered:  campaign.DeliveredCount,
		Read:       campaign.ReadCount,
		Failed:     campaign.FailedCount,
		Skipped:    campaign.SkippedCount,
	})
}
