// Package trace records dispatch phase events for post-hoc campaign
// forensics. Persistence is strictly best-effort: a broken trace table must
// never fail a send.
package trace

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/store"
)

// Curated phases persisted by default. Everything else is log-only unless
// the sink is widened.
var persistedPhases = map[string]bool{
	"dispatch_start":              true,
	"dispatch_finish":             true,
	"batch_claim":                 true,
	"precheck_skip":               true,
	"meta_send_ok":                true,
	"meta_send_fail":              true,
	"rate_limited":                true,
	"requeue_exhausted":           true,
	"template_media_rehost_start": true,
	"template_media_rehost_ok":    true,
	"template_media_rehost_fail":  true,
	"template_media_rehost_skip":  true,
	"webhook_failed_details":      true,
	"cancel":                      true,
	"pause":                       true,
	"resume":                      true,
}

// Event is one phase record
type Event struct {
	TraceID    string
	CampaignID *uuid.UUID
	Step       string
	Phase      string
	OK         bool
	Ms         int64
	BatchIndex int
	ContactID  string
	Phone      string
	Extra      models.JSONB
}

// Sink writes events to the trace table and mirrors them to the log
type Sink struct {
	db  *gorm.DB
	log logf.Logger

	// persistAll widens persistence beyond the curated phase set
	persistAll bool

	// disabled flips on the first missing-table error so a missing
	// migration degrades the sink to log-only instead of spamming errors.
	disabled atomic.Bool
}

// NewSink creates a Sink. persistAll widens the persisted phase set.
func NewSink(db *gorm.DB, log logf.Logger, persistAll bool) *Sink {
	return &Sink{db: db, log: log, persistAll: persistAll}
}

// MaskPhone hides all but the last four digits of a phone number
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}

// Record persists (when eligible) and logs one phase event
func (s *Sink) Record(ev Event) {
	masked := MaskPhone(ev.Phone)
	s.log.Debug("trace",
		"trace_id", ev.TraceID,
		"phase", ev.Phase,
		"step", ev.Step,
		"ok", ev.OK,
		"ms", ev.Ms,
		"contact_id", ev.ContactID,
		"phone", masked,
	)

	if s.disabled.Load() {
		return
	}
	if !s.persistAll && !persistedPhases[ev.Phase] {
		return
	}

	row := models.TraceEvent{
		TraceID:     ev.TraceID,
		CampaignID:  ev.CampaignID,
		Step:        ev.Step,
		Phase:       ev.Phase,
		OK:          ev.OK,
		Ms:          ev.Ms,
		BatchIndex:  ev.BatchIndex,
		ContactID:   ev.ContactID,
		PhoneMasked: masked,
		Extra:       ev.Extra,
	}
	if ev.Phone == "" {
		row.PhoneMasked = ""
	}

	if err := s.db.Create(&row).Error; err != nil {
		if store.IsMissingTable(err) {
			s.disabled.Store(true)
			s.log.Warn("Trace table missing, disabling trace persistence")
			return
		}
		s.log.Error("Failed to persist trace event", "phase", ev.Phase, "error", err)
	}
}

// Timed runs fn and records the phase with its duration and outcome
func (s *Sink) Timed(ev Event, fn func() error) error {
	start := time.Now()
	err := fn()
	ev.Ms = time.Since(start).Milliseconds()
	ev.OK = err == nil
	s.Record(ev)
	return err
}
