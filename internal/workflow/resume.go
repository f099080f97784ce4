package workflow

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/trace"
)

// Resume error codes surfaced to API callers
const (
	ErrConversationNotFound    = "conversation_not_found"
	ErrConversationMismatch    = "conversation_workflow_mismatch"
	ErrConversationMissingNode = "conversation_missing_resume_node"
	ErrInvalidWorkflow         = "invalid_workflow"
	ErrMissingInboundMessage   = "missing_inbound_message"
)

// ResumeRequest carries a reply back into a paused conversation
type ResumeRequest struct {
	WorkflowID     uuid.UUID
	ConversationID uuid.UUID
	From           string
	To             string
	Message        string
}

// Resume continues a paused conversation: the inbound message is injected at
// the conversation's variable key and a fresh run starts from its resume
// node. The conversation is consumed whether or not the resumed run succeeds.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fault.New(fault.KindValidation, ErrMissingInboundMessage)
	}

	var conv models.WorkflowConversation
	err := e.db.WithContext(ctx).First(&conv, "id = ?", req.ConversationID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fault.New(fault.KindNotFound, ErrConversationNotFound)
		}
		return nil, fault.Wrap(fault.KindTransient, "load conversation", err)
	}
	if conv.Status != models.ConversationStatusWaiting {
		return nil, fault.New(fault.KindNotFound, ErrConversationNotFound)
	}
	if conv.WorkflowID != req.WorkflowID {
		return nil, fault.New(fault.KindConflict, ErrConversationMismatch)
	}
	if conv.ResumeNodeID == "" {
		return nil, fault.New(fault.KindValidation, ErrConversationMissingNode)
	}

	variables := make(map[string]interface{}, len(conv.Variables)+1)
	for k, v := range conv.Variables {
		variables[k] = v
	}
	variables[conv.VariableKey] = strings.TrimSpace(req.Message)

	// Free the (workflow, phone) slot before executing so the resumed run
	// may itself pause again.
	if err := e.st.CompleteConversation(ctx, conv.ID); err != nil {
		return nil, err
	}

	e.sink.Record(trace.Event{
		TraceID: conv.RunID.String(),
		Step:    conv.ResumeNodeID,
		Phase:   "resume",
		OK:      true,
		Phone:   conv.Phone,
	})

	input := models.JSONB{
		"from":    req.From,
		"to":      req.To,
		"message": req.Message,
	}
	if input.String("from") == "" {
		input["from"] = conv.Phone
	}

	return e.Execute(ctx, RunRequest{
		WorkflowID:       req.WorkflowID,
		TriggerType:      models.TriggerTypeResume,
		Input:            input,
		StartNodeIDs:     []string{conv.ResumeNodeID},
		InitialVariables: variables,
	})
}
