package models

import (
	"time"

	"github.com/google/uuid"
)

// Workflow visibility
const (
	WorkflowVisibilityPrivate = "private"
	WorkflowVisibilityPublic  = "public"
)

// Workflow version status
const (
	VersionStatusDraft     = "draft"
	VersionStatusPublished = "published"
)

// WorkflowRunStatus represents the lifecycle state of a run
type WorkflowRunStatus string

const (
	RunStatusQueued  WorkflowRunStatus = "queued"
	RunStatusRunning WorkflowRunStatus = "running"
	RunStatusWaiting WorkflowRunStatus = "waiting"
	RunStatusSuccess WorkflowRunStatus = "success"
	RunStatusFailed  WorkflowRunStatus = "failed"
	RunStatusSkipped WorkflowRunStatus = "skipped"
	RunStatusError   WorkflowRunStatus = "error"
)

// Trigger types
const (
	TriggerTypeWebhook  = "Webhook"
	TriggerTypeKeywords = "Keywords"
	TriggerTypeManual   = "Manual"
	TriggerTypeResume   = "Resume"
)

// Conversation status
const (
	ConversationStatusWaiting   = "waiting"
	ConversationStatusCompleted = "completed"
)

// Workflow is an authored node-and-edge graph. Published versions are
// immutable; editing always creates a new draft version.
type Workflow struct {
	BaseModel
	Name            string     `gorm:"not null" json:"name"`
	Description     string     `json:"description"`
	Visibility      string     `gorm:"default:private" json:"visibility"`
	ActiveVersionID *uuid.UUID `gorm:"type:uuid" json:"active_version_id,omitempty"`
}

// WorkflowVersion holds one immutable snapshot of a workflow graph
type WorkflowVersion struct {
	BaseModel
	WorkflowID uuid.UUID `gorm:"type:uuid;not null;index" json:"workflow_id"`
	Number     int       `gorm:"not null" json:"number"`
	Status     string    `gorm:"default:draft" json:"status"`
	Graph      JSONB     `gorm:"type:jsonb" json:"graph"`
}

// WorkflowRun is one execution of a workflow version
type WorkflowRun struct {
	BaseModel
	WorkflowID  uuid.UUID         `gorm:"type:uuid;not null;index" json:"workflow_id"`
	VersionID   uuid.UUID         `gorm:"type:uuid;not null" json:"version_id"`
	Status      WorkflowRunStatus `gorm:"default:queued;index" json:"status"`
	TriggerType string            `json:"trigger_type"`
	Input       JSONB             `gorm:"type:jsonb" json:"input"`
	Output      JSONB             `gorm:"type:jsonb" json:"output"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// WorkflowRunLog is one node attempt within a run. Append-only.
type WorkflowRunLog struct {
	BaseModel
	RunID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"run_id"`
	NodeID      string     `gorm:"not null" json:"node_id"`
	NodeName    string     `json:"node_name"`
	NodeType    string     `json:"node_type"`
	Status      string     `gorm:"default:running" json:"status"`
	Input       JSONB      `gorm:"type:jsonb" json:"input"`
	Output      JSONB      `gorm:"type:jsonb" json:"output"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowConversation is the suspension record of a paused run. At most one
// waiting conversation may exist per (workflow_id, phone).
type WorkflowConversation struct {
	BaseModel
	WorkflowID   uuid.UUID `gorm:"type:uuid;not null;index:idx_conversations_workflow_phone" json:"workflow_id"`
	RunID        uuid.UUID `gorm:"type:uuid;not null" json:"run_id"`
	Phone        string    `gorm:"size:50;not null;index:idx_conversations_workflow_phone" json:"phone"`
	Status       string    `gorm:"default:waiting;index" json:"status"`
	ResumeNodeID string    `gorm:"not null" json:"resume_node_id"`
	VariableKey  string    `gorm:"not null" json:"variable_key"`
	Variables    JSONB     `gorm:"type:jsonb" json:"variables"`
}
