package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/workflow"
)

// WorkflowRequest represents workflow create/update request
type WorkflowRequest struct {
	Name        string       `json:"name" validate:"required"`
	Description string       `json:"description"`
	Visibility  string       `json:"visibility"`
	Graph       models.JSONB `json:"graph"`
}

// workflowID parses the {id} path segment
func workflowID(r *fastglue.Request) (uuid.UUID, error) {
	raw, _ := r.RequestCtx.UserValue("id").(string)
	return uuid.Parse(raw)
}

// ListWorkflows lists workflows
func (a *App) ListWorkflows(r *fastglue.Request) error {
	var workflows []models.Workflow
	if err := a.DB.Order("created_at DESC").Find(&workflows).Error; err != nil {
		a.Log.Error("Failed to list workflows", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list workflows", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

// CreateWorkflow creates a workflow with its first draft version
func (a *App) CreateWorkflow(r *fastglue.Request) error {
	var req WorkflowRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if req.Name == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "name is required", nil, "")
	}

	if req.Graph != nil {
		graph, err := workflow.ParseGraph(req.Graph)
		if err != nil {
			return a.sendFault(r, err)
		}
		if err := graph.Validate(a.Engine.KnownAction); err != nil {
			return a.sendFault(r, err)
		}
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = models.WorkflowVisibilityPrivate
	}

	wf := models.Workflow{
		Name:        req.Name,
		Description: req.Description,
		Visibility:  visibility,
	}
	if err := a.DB.Create(&wf).Error; err != nil {
		a.Log.Error("Failed to create workflow", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create workflow", nil, "")
	}

	version := models.WorkflowVersion{
		WorkflowID: wf.ID,
		Number:     1,
		Status:     models.VersionStatusDraft,
		Graph:      req.Graph,
	}
	if err := a.DB.Create(&version).Error; err != nil {
		a.Log.Error("Failed to create workflow version", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create workflow version", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{
		"workflow": wf,
		"version":  version,
	})
}

// GetWorkflow returns one workflow with its versions
func (a *App) GetWorkflow(r *fastglue.Request) error {
	id, err := workflowID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid workflow ID", nil, "")
	}

	var wf models.Workflow
	if err := a.DB.First(&wf, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Workflow not found", nil, "")
	}

	var versions []models.WorkflowVersion
	a.DB.Where("workflow_id = ?", id).Order("number DESC").Find(&versions)

	return r.SendEnvelope(map[string]interface{}{
		"workflow": wf,
		"versions": versions,
	})
}

// UpdateWorkflow stores a new draft version of the graph. Published versions
// are immutable; every edit lands on a fresh draft.
func (a *App) UpdateWorkflow(r *fastglue.Request) error {
	id, err := workflowID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid workflow ID", nil, "")
	}

	var wf models.Workflow
	if err := a.DB.First(&wf, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Workflow not found", nil, "")
	}

	var req WorkflowRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if req.Visibility != "" {
		updates["visibility"] = req.Visibility
	}
	if err := a.DB.Model(&wf).Updates(updates).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update workflow", nil, "")
	}

	var version *models.WorkflowVersion
	if req.Graph != nil {
		graph, err := workflow.ParseGraph(req.Graph)
		if err != nil {
			return a.sendFault(r, err)
		}
		if err := graph.Validate(a.Engine.KnownAction); err != nil {
			return a.sendFault(r, err)
		}

		var latest models.WorkflowVersion
		number := 1
		if err := a.DB.Where("workflow_id = ?", id).Order("number DESC").First(&latest).Error; err == nil {
			number = latest.Number + 1
		}
		version = &models.WorkflowVersion{
			WorkflowID: id,
			Number:     number,
			Status:     models.VersionStatusDraft,
			Graph:      req.Graph,
		}
		if err := a.DB.Create(version).Error; err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create draft version", nil, "")
		}
	}

	return r.SendEnvelope(map[string]interface{}{
		"workflow": wf,
		"version":  version,
	})
}

// PublishVersion publishes a draft version and makes it active
func (a *App) PublishVersion(r *fastglue.Request) error {
	id, err := workflowID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid workflow ID", nil, "")
	}
	versionRaw, _ := r.RequestCtx.UserValue("version_id").(string)
	versionID, err := uuid.Parse(versionRaw)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid version ID", nil, "")
	}

	var version models.WorkflowVersion
	if err := a.DB.First(&version, "id = ? AND workflow_id = ?", versionID, id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Version not found", nil, "")
	}

	graph, err := workflow.ParseGraph(version.Graph)
	if err != nil {
		return a.sendFault(r, err)
	}
	if err := graph.Validate(a.Engine.KnownAction); err != nil {
		return a.sendFault(r, err)
	}

	now := time.Now()
	if err := a.DB.Model(&version).Updates(map[string]interface{}{
		"status":     models.VersionStatusPublished,
		"updated_at": now,
	}).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to publish version", nil, "")
	}
	if err := a.DB.Model(&models.Workflow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"active_version_id": versionID,
		"updated_at":        now,
	}).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to activate version", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{"published": version.ID})
}

// RunWorkflow triggers a workflow execution
func (a *App) RunWorkflow(r *fastglue.Request) error {
	var req struct {
		WorkflowID       uuid.UUID              `json:"workflowId"`
		TriggerType      string                 `json:"triggerType"`
		Input            models.JSONB           `json:"input"`
		StartNodeIDs     []string               `json:"startNodeIds"`
		InitialVariables map[string]interface{} `json:"initialVariables"`
	}
	if err := r.Decode(&req, "json"); err != nil || req.WorkflowID == uuid.Nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "workflowId is required", nil, "")
	}
	if req.TriggerType == "" {
		req.TriggerType = models.TriggerTypeManual
	}

	result, err := a.Engine.Execute(r.RequestCtx, workflow.RunRequest{
		WorkflowID:       req.WorkflowID,
		TriggerType:      req.TriggerType,
		Input:            req.Input,
		StartNodeIDs:     req.StartNodeIDs,
		InitialVariables: req.InitialVariables,
	})
	if err != nil && result == nil {
		return a.sendFault(r, err)
	}
	return r.SendEnvelope(result)
}

// ResumeWorkflow continues a paused conversation with an inbound reply
func (a *App) ResumeWorkflow(r *fastglue.Request) error {
	id, err := workflowID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid workflow ID", nil, "")
	}

	var req struct {
		ConversationID uuid.UUID `json:"conversationId"`
		Input          struct {
			From    string `json:"from"`
			To      string `json:"to"`
			Message string `json:"message"`
		} `json:"input"`
	}
	if err := r.Decode(&req, "json"); err != nil || req.ConversationID == uuid.Nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "conversationId is required", nil, "")
	}

	result, err := a.Engine.Resume(r.RequestCtx, workflow.ResumeRequest{
		WorkflowID:     id,
		ConversationID: req.ConversationID,
		From:           req.Input.From,
		To:             req.Input.To,
		Message:        req.Input.Message,
	})
	if err != nil && result == nil {
		return a.sendFault(r, err)
	}
	return r.SendEnvelope(result)
}

// ListRuns lists the runs of a workflow
func (a *App) ListRuns(r *fastglue.Request) error {
	id, err := workflowID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid workflow ID", nil, "")
	}

	var runs []models.WorkflowRun
	if err := a.DB.Where("workflow_id = ?", id).Order("created_at DESC").Limit(200).Find(&runs).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list runs", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{"runs": runs, "total": len(runs)})
}

// ListRunLogs lists the node attempts of a run
func (a *App) ListRunLogs(r *fastglue.Request) error {
	raw, _ := r.RequestCtx.UserValue("run_id").(string)
	runID, err := uuid.Parse(raw)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid run ID", nil, "")
	}

	var logs []models.WorkflowRunLog
	if err := a.DB.Where("run_id = ?", runID).Order("created_at ASC").Find(&logs).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list run logs", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{"logs": logs, "total": len(logs)})
}

// ListConversations lists a workflow's paused and completed conversations
func (a *App) ListConversations(r *fastglue.Request) error {
	id, err := workflowID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid workflow ID", nil, "")
	}

	var conversations []models.WorkflowConversation
	query := a.DB.Where("workflow_id = ?", id).Order("created_at DESC")
	if status := string(r.RequestCtx.QueryArgs().Peek("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&conversations).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list conversations", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{"conversations": conversations, "total": len(conversations)})
}
