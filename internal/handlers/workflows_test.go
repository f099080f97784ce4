package handlers

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/workflow"
	"github.com/rathodworks/whatsflow/test/testutil"
)

func sendMessageGraph() models.JSONB {
	return models.JSONB{
		"nodes": []map[string]interface{}{
			{"id": "t1", "kind": "trigger", "triggerType": models.TriggerTypeManual},
			{"id": "m1", "kind": "action", "actionType": workflow.ActionSendMessage, "config": map[string]interface{}{
				"message": "Hi {{name}}!",
			}},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "m1"},
		},
	}
}

func publishedWorkflow(t *testing.T, db *gorm.DB, graph models.JSONB) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{Name: "welcome"}
	require.NoError(t, db.Create(wf).Error)

	version := &models.WorkflowVersion{
		WorkflowID: wf.ID,
		Number:     1,
		Status:     models.VersionStatusPublished,
		Graph:      graph,
	}
	require.NoError(t, db.Create(version).Error)

	wf.ActiveVersionID = &version.ID
	require.NoError(t, db.Save(wf).Error)
	return wf
}

func TestCreateWorkflow(t *testing.T) {
	app, _ := newTestApp(t)

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"name":  "welcome",
		"graph": sendMessageGraph(),
	})
	require.NoError(t, app.CreateWorkflow(req))

	var data struct {
		Workflow models.Workflow        `json:"workflow"`
		Version  models.WorkflowVersion `json:"version"`
	}
	testutil.ParseEnvelopeResponse(t, req, &data)
	assert.Equal(t, "welcome", data.Workflow.Name)
	assert.Equal(t, models.WorkflowVisibilityPrivate, data.Workflow.Visibility)
	assert.Equal(t, 1, data.Version.Number)
	assert.Equal(t, models.VersionStatusDraft, data.Version.Status)
}

func TestCreateWorkflow_InvalidGraph(t *testing.T) {
	app, _ := newTestApp(t)

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"name": "broken",
		"graph": models.JSONB{
			"nodes": []map[string]interface{}{
				{"id": "t1", "kind": "trigger"},
				{"id": "t2", "kind": "trigger"},
			},
		},
	})
	require.NoError(t, app.CreateWorkflow(req))
	assert.Equal(t, fasthttp.StatusBadRequest, testutil.GetResponseStatusCode(req))
}

func TestUpdateWorkflow_NewDraftVersion(t *testing.T) {
	app, _ := newTestApp(t)
	wf := publishedWorkflow(t, app.DB, sendMessageGraph())

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"graph": sendMessageGraph(),
	})
	testutil.SetPathParam(req, "id", wf.ID.String())
	require.NoError(t, app.UpdateWorkflow(req))

	var data struct {
		Version models.WorkflowVersion `json:"version"`
	}
	testutil.ParseEnvelopeResponse(t, req, &data)
	assert.Equal(t, 2, data.Version.Number, "published versions are immutable; edits land on a new draft")
	assert.Equal(t, models.VersionStatusDraft, data.Version.Status)
}

func TestPublishVersion(t *testing.T) {
	app, _ := newTestApp(t)

	wf := &models.Workflow{Name: "welcome"}
	require.NoError(t, app.DB.Create(wf).Error)
	version := &models.WorkflowVersion{
		WorkflowID: wf.ID,
		Number:     1,
		Status:     models.VersionStatusDraft,
		Graph:      sendMessageGraph(),
	}
	require.NoError(t, app.DB.Create(version).Error)

	req := testutil.NewJSONRequest(t, nil)
	testutil.SetPathParam(req, "id", wf.ID.String())
	testutil.SetPathParam(req, "version_id", version.ID.String())
	require.NoError(t, app.PublishVersion(req))

	var got models.Workflow
	require.NoError(t, app.DB.First(&got, "id = ?", wf.ID).Error)
	require.NotNil(t, got.ActiveVersionID)
	assert.Equal(t, version.ID, *got.ActiveVersionID)

	var gotVersion models.WorkflowVersion
	require.NoError(t, app.DB.First(&gotVersion, "id = ?", version.ID).Error)
	assert.Equal(t, models.VersionStatusPublished, gotVersion.Status)
}

func TestRunWorkflow(t *testing.T) {
	app, stub := newTestApp(t)
	wf := publishedWorkflow(t, app.DB, sendMessageGraph())

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"workflowId": wf.ID,
		"input":      map[string]interface{}{"from": "+14155551234", "name": "Ana"},
	})
	require.NoError(t, app.RunWorkflow(req))

	var result workflow.RunResult
	testutil.ParseEnvelopeResponse(t, req, &result)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.NotEqual(t, uuid.Nil, result.RunID)
	assert.Equal(t, 1, stub.sendCount())
}

func TestRunWorkflow_MissingID(t *testing.T) {
	app, _ := newTestApp(t)

	req := testutil.NewJSONRequest(t, map[string]interface{}{})
	require.NoError(t, app.RunWorkflow(req))
	assert.Equal(t, fasthttp.StatusBadRequest, testutil.GetResponseStatusCode(req))
}

func TestRunWorkflow_StartNodeOverrides(t *testing.T) {
	app, stub := newTestApp(t)
	wf := publishedWorkflow(t, app.DB, sendMessageGraph())

	// Start directly at the send node with the variable supplied up front
	// instead of resolved from the input.
	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"workflowId":       wf.ID,
		"input":            map[string]interface{}{"from": "+14155551234"},
		"startNodeIds":     []string{"m1"},
		"initialVariables": map[string]interface{}{"name": "Bia"},
	})
	require.NoError(t, app.RunWorkflow(req))

	var result workflow.RunResult
	testutil.ParseEnvelopeResponse(t, req, &result)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, stub.sendCount())
}

func askQuestionGraph() models.JSONB {
	return models.JSONB{
		"nodes": []map[string]interface{}{
			{"id": "t1", "kind": "trigger", "triggerType": models.TriggerTypeManual},
			{"id": "q1", "kind": "action", "actionType": workflow.ActionAskQuestion, "config": map[string]interface{}{
				"question":    "What is your name?",
				"variableKey": "customer_name",
			}},
			{"id": "m1", "kind": "action", "actionType": workflow.ActionSendMessage, "config": map[string]interface{}{
				"message": "Olá, {{customer_name}}.",
			}},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "q1"},
			{"source": "q1", "target": "m1"},
		},
	}
}

func TestResumeWorkflow(t *testing.T) {
	app, stub := newTestApp(t)
	wf := publishedWorkflow(t, app.DB, askQuestionGraph())

	run := testutil.NewJSONRequest(t, map[string]interface{}{
		"workflowId": wf.ID,
		"input":      map[string]interface{}{"from": "+14155551234"},
	})
	require.NoError(t, app.RunWorkflow(run))

	var paused workflow.RunResult
	testutil.ParseEnvelopeResponse(t, run, &paused)
	require.True(t, paused.Paused)

	var conv models.WorkflowConversation
	require.NoError(t, app.DB.First(&conv, "workflow_id = ?", wf.ID).Error)

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"conversationId": conv.ID,
		"input": map[string]interface{}{
			"from":    "+14155551234",
			"to":      "555",
			"message": "Ana",
		},
	})
	testutil.SetPathParam(req, "id", wf.ID.String())
	require.NoError(t, app.ResumeWorkflow(req))

	var result workflow.RunResult
	testutil.ParseEnvelopeResponse(t, req, &result)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, 2, stub.sendCount(), "the question plus the follow-up message")
}

func TestResumeWorkflow_NotFound(t *testing.T) {
	app, _ := newTestApp(t)
	wf := publishedWorkflow(t, app.DB, sendMessageGraph())

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"conversationId": uuid.New(),
		"input": map[string]interface{}{
			"from":    "+14155551234",
			"message": "Ana",
		},
	})
	testutil.SetPathParam(req, "id", wf.ID.String())
	require.NoError(t, app.ResumeWorkflow(req))
	assert.Equal(t, fasthttp.StatusNotFound, testutil.GetResponseStatusCode(req))
}

func TestListRuns(t *testing.T) {
	app, _ := newTestApp(t)
	wf := publishedWorkflow(t, app.DB, sendMessageGraph())

	run := testutil.NewJSONRequest(t, map[string]interface{}{
		"workflowId": wf.ID,
		"input":      map[string]interface{}{"from": "+14155551234", "name": "Ana"},
	})
	require.NoError(t, app.RunWorkflow(run))

	req := testutil.NewGETRequest(t)
	testutil.SetPathParam(req, "id", wf.ID.String())
	require.NoError(t, app.ListRuns(req))

	var data struct {
		Runs  []models.WorkflowRun `json:"runs"`
		Total int                  `json:"total"`
	}
	testutil.ParseEnvelopeResponse(t, req, &data)
	require.Equal(t, 1, data.Total)
	assert.Equal(t, models.RunStatusSuccess, data.Runs[0].Status)
	assert.Equal(t, models.TriggerTypeManual, data.Runs[0].TriggerType)
}
