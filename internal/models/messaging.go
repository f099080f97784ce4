package models

import (
	"time"

	"github.com/google/uuid"
)

// Template parameter formats
const (
	ParameterFormatPositional = "positional"
	ParameterFormatNamed      = "named"
)

// Template header types
const (
	HeaderTypeText     = "TEXT"
	HeaderTypeImage    = "IMAGE"
	HeaderTypeVideo    = "VIDEO"
	HeaderTypeDocument = "DOCUMENT"
)

// Template is a provider-registered message template
type Template struct {
	BaseModel
	Name            string `gorm:"not null;uniqueIndex:idx_templates_name_lang" json:"name"`
	Language        string `gorm:"not null;uniqueIndex:idx_templates_name_lang" json:"language"`
	Category        string `json:"category"`
	ParameterFormat string `gorm:"default:positional" json:"parameter_format"`

	HeaderType    string `json:"header_type"`
	HeaderContent string `json:"header_content"`
	BodyContent   string `json:"body_content"`
	FooterContent string `json:"footer_content"`
	Buttons       JSONB  `gorm:"type:jsonb" json:"buttons,omitempty"`

	// HeaderMediaHandle is the provider media id the header URL was minted
	// from; the rehost path re-fetches a fresh URL through it.
	HeaderMediaHandle      string     `json:"header_media_handle,omitempty"`
	HeaderMediaRefreshedAt *time.Time `json:"header_media_refreshed_at,omitempty"`
}

// HasMediaHeader reports whether the header carries rehostable media
func (t *Template) HasMediaHeader() bool {
	switch t.HeaderType {
	case HeaderTypeImage, HeaderTypeVideo, HeaderTypeDocument:
		return true
	}
	return false
}

// FlowSubmission stores an interactive-form response keyed by the provider
// message id, optionally linked to a campaign and contact.
type FlowSubmission struct {
	BaseModel
	MessageID     string     `gorm:"not null;uniqueIndex" json:"message_id"`
	Phone         string     `gorm:"size:50" json:"phone"`
	CampaignID    *uuid.UUID `gorm:"type:uuid" json:"campaign_id,omitempty"`
	ContactID     string     `json:"contact_id,omitempty"`
	RawPayload    JSONB      `gorm:"type:jsonb" json:"raw_payload"`
	MappedPayload JSONB      `gorm:"type:jsonb" json:"mapped_payload"`
}

// StatusEvent deduplicates webhook status signals on (message_id, status)
type StatusEvent struct {
	BaseModel
	MessageID      string    `gorm:"not null;uniqueIndex:idx_status_events_msg_status" json:"message_id"`
	Status         string    `gorm:"not null;uniqueIndex:idx_status_events_msg_status" json:"status"`
	EventTS        time.Time `json:"event_ts"`
	LastReceivedAt time.Time `json:"last_received_at"`
}

// TraceEvent is an append-only phase record. Persistence is best-effort.
type TraceEvent struct {
	BaseModel
	TraceID     string     `gorm:"index" json:"trace_id"`
	CampaignID  *uuid.UUID `gorm:"type:uuid;index" json:"campaign_id,omitempty"`
	Step        string     `json:"step"`
	Phase       string     `json:"phase"`
	OK          bool       `json:"ok"`
	Ms          int64      `json:"ms"`
	BatchIndex  int        `json:"batch_index"`
	ContactID   string     `json:"contact_id,omitempty"`
	PhoneMasked string     `json:"phone_masked,omitempty"`
	Extra       JSONB      `gorm:"type:jsonb" json:"extra,omitempty"`
}

// TableName keeps the historical table name
func (TraceEvent) TableName() string { return "campaign_trace_events" }

// Setting is a process-wide key/value row with a JSON value
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     []byte    `gorm:"type:jsonb" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the short table name
func (Setting) TableName() string { return "settings" }
