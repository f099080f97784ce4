package models

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus represents campaign lifecycle state
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "Draft"
	CampaignStatusScheduled CampaignStatus = "Scheduled"
	CampaignStatusSending   CampaignStatus = "Sending"
	CampaignStatusPaused    CampaignStatus = "Paused"
	CampaignStatusCompleted CampaignStatus = "Completed"
	CampaignStatusCancelled CampaignStatus = "Cancelled"
	CampaignStatusFailed    CampaignStatus = "Failed"
)

// Terminal reports whether no further transition is allowed
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// ContactStatus represents per-recipient delivery state
type ContactStatus string

const (
	ContactStatusPending   ContactStatus = "pending"
	ContactStatusSending   ContactStatus = "sending"
	ContactStatusSent      ContactStatus = "sent"
	ContactStatusDelivered ContactStatus = "delivered"
	ContactStatusRead      ContactStatus = "read"
	ContactStatusFailed    ContactStatus = "failed"
	ContactStatusSkipped   ContactStatus = "skipped"
)

// ContactStatusRank orders the forward-only delivery progression. failed and
// skipped are terminal side-exits and rank above everything so that no status
// event can move a row out of them.
func ContactStatusRank(s ContactStatus) int {
	switch s {
	case ContactStatusPending:
		return 0
	case ContactStatusSending:
		return 1
	case ContactStatusSent:
		return 2
	case ContactStatusDelivered:
		return 3
	case ContactStatusRead:
		return 4
	case ContactStatusFailed, ContactStatusSkipped:
		return 5
	}
	return -1
}

// Skip codes recorded on skipped rows
const (
	SkipCodeInvalidPhone = "invalid_phone"
	SkipCodeMissingVars  = "missing"
	SkipCodeCancelled    = "cancelled"
)

// Campaign is a named outbound batch. Counters are aggregates maintained by
// the store and must be reconcilable from campaign_contacts.
type Campaign struct {
	BaseModel
	Name          string         `gorm:"not null" json:"name"`
	TemplateName  string         `gorm:"not null" json:"template_name"`
	PhoneNumberID string         `gorm:"not null" json:"phone_number_id"`
	Status        CampaignStatus `gorm:"default:Draft;index" json:"status"`

	// Variables binds template parameters to their per-contact sources:
	// a literal value, "contact.<field>" or "custom_fields.<key>".
	Variables JSONB `gorm:"type:jsonb" json:"variables,omitempty"`

	RecipientCount int `json:"recipients"`
	SentCount      int `json:"sent"`
	DeliveredCount int `json:"delivered"`
	ReadCount      int `json:"read"`
	FailedCount    int `json:"failed"`
	SkippedCount   int `json:"skipped"`

	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FirstDispatchAt *time.Time `json:"first_dispatch_at,omitempty"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// CampaignContact is one recipient row of a campaign
type CampaignContact struct {
	BaseModel
	CampaignID uuid.UUID     `gorm:"type:uuid;not null;index" json:"campaign_id"`
	ContactID  string        `json:"contact_id"`
	Phone      string        `gorm:"size:50;not null" json:"phone"`
	Name       string        `json:"name"`
	Email      string        `json:"email"`
	Status     ContactStatus `gorm:"default:pending;index" json:"status"`

	// MessageID is assigned by the provider on send and correlates
	// delivered/read webhooks back to this row.
	MessageID string `gorm:"index" json:"message_id,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	SkippedAt   *time.Time `json:"skipped_at,omitempty"`

	SkipCode   string `json:"skip_code,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	// Attempts counts rate-limited requeues and reaper recoveries.
	Attempts int `json:"attempts"`

	CustomFields JSONB `gorm:"type:jsonb" json:"custom_fields,omitempty"`
}
