package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
	"github.com/rathodworks/whatsflow/test/testutil"
)

// providerStub fakes the Cloud API messages endpoint
type providerStub struct {
	mu       sync.Mutex
	payloads []map[string]interface{}

	// failFirst answers the first N calls with a 500
	failFirst int
	// status, when non-zero, is returned on every call with body
	status int
	body   string
}

func (p *providerStub) handler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var payload map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	p.payloads = append(p.payloads, payload)
	n := len(p.payloads)

	if n <= p.failFirst {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if p.status != 0 {
		w.WriteHeader(p.status)
		w.Write([]byte(p.body))
		return
	}
	fmt.Fprintf(w, `{"messages":[{"id":"wamid.%d"}]}`, n)
}

func (p *providerStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *providerStub) textBody(t *testing.T, i int) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Greater(t, len(p.payloads), i)
	text, ok := p.payloads[i]["text"].(map[string]interface{})
	require.True(t, ok, "payload %d is not a text message: %v", i, p.payloads[i])
	body, _ := text["body"].(string)
	return body
}

func newTestEngine(t *testing.T, stub *providerStub) (*Engine, *gorm.DB, *store.Store) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	st := store.New(db, testutil.NopLogger())
	sink := trace.NewSink(db, testutil.NopLogger(), false)

	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	client := whatsapp.NewWithBaseURL(testutil.NopLogger(), srv.URL)
	account := &whatsapp.Account{PhoneNumberID: "555", APIVersion: "v21.0", AccessToken: "tok"}
	rehoster := precheck.NewRehoster(client, db, sink, testutil.NopLogger())

	return NewEngine(db, st, client, account, rehoster, sink, testutil.NopLogger()), db, st
}

func createWorkflow(t *testing.T, db *gorm.DB, graph models.JSONB) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{Name: "test workflow"}
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

func sendMessageGraph(triggerType string, triggerConfig models.JSONB, message string) models.JSONB {
	return models.JSONB{
		"nodes": []map[string]interface{}{
			{"id": "t1", "kind": "trigger", "triggerType": triggerType, "config": map[string]interface{}(triggerConfig)},
			{"id": "m1", "kind": "action", "actionType": ActionSendMessage, "config": map[string]interface{}{"message": message}},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "m1"},
		},
	}
}

func askQuestionGraph() models.JSONB {
	return models.JSONB{
		"nodes": []map[string]interface{}{
			{"id": "t1", "kind": "trigger", "triggerType": models.TriggerTypeManual},
			{"id": "q1", "kind": "action", "actionType": ActionAskQuestion, "config": map[string]interface{}{
				"question":    "What is your name?",
				"variableKey": "customer_name",
			}},
			{"id": "m1", "kind": "action", "actionType": ActionSendMessage, "config": map[string]interface{}{
				"message": "Olá, {{customer_name}}.",
			}},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "q1"},
			{"source": "q1", "target": "m1"},
		},
	}
}

func TestExecute_WorkflowNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t, &providerStub{})

	_, err := engine.Execute(context.Background(), RunRequest{WorkflowID: uuid.New()})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestExecute_NoExecutableVersion(t *testing.T) {
	engine, db, _ := newTestEngine(t, &providerStub{})

	wf := &models.Workflow{Name: "empty"}
	require.NoError(t, db.Create(wf).Error)

	_, err := engine.Execute(context.Background(), RunRequest{WorkflowID: wf.ID})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindValidation))
	assert.Contains(t, err.Error(), ErrInvalidWorkflow)
}

func TestExecute_SendMessage(t *testing.T) {
	stub := &providerStub{}
	engine, db, _ := newTestEngine(t, stub)
	wf := createWorkflow(t, db, sendMessageGraph(models.TriggerTypeManual, nil, "Hi {{name}}!"))

	result, err := engine.Execute(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234", "name": "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, "Hi Ana!", stub.textBody(t, 0))

	var run models.WorkflowRun
	require.NoError(t, db.First(&run, "id = ?", result.RunID).Error)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.NotNil(t, run.FinishedAt)

	var logs []models.WorkflowRunLog
	require.NoError(t, db.Find(&logs, "run_id = ?", result.RunID).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "m1", logs[0].NodeID)
	assert.Equal(t, "success", logs[0].Status)
}

func TestExecute_KeywordGate(t *testing.T) {
	stub := &providerStub{}
	engine, db, _ := newTestEngine(t, stub)
	wf := createWorkflow(t, db, sendMessageGraph(
		models.TriggerTypeKeywords,
		models.JSONB{"keywords": []interface{}{"help"}},
		"How can I help?",
	))

	// A message without the keyword skips the run without touching the provider.
	result, err := engine.Execute(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeKeywords,
		Input:       models.JSONB{"from": "+14155551234", "message": "hello there"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSkipped, result.Status)
	assert.Equal(t, "keyword_not_matched", result.Output.String("reason"))
	assert.Zero(t, stub.count())

	var run models.WorkflowRun
	require.NoError(t, db.First(&run, "id = ?", result.RunID).Error)
	assert.Equal(t, models.RunStatusSkipped, run.Status)

	// Matching is case-insensitive substring.
	result, err = engine.Execute(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeKeywords,
		Input:       models.JSONB{"from": "+14155551234", "message": "I need HELP now"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, stub.count())
}

func TestExecute_SetVariable(t *testing.T) {
	stub := &providerStub{}
	engine, db, _ := newTestEngine(t, stub)
	wf := createWorkflow(t, db, models.JSONB{
		"nodes": []map[string]interface{}{
			{"id": "t1", "kind": "trigger", "triggerType": models.TriggerTypeManual},
			{"id": "v1", "kind": "action", "actionType": ActionSetVariable, "config": map[string]interface{}{
				"key":   "greeting",
				"value": "Olá",
			}},
			{"id": "m1", "kind": "action", "actionType": ActionSendMessage, "config": map[string]interface{}{
				"message": "{{greeting}}, {{name}}.",
			}},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "v1"},
			{"source": "v1", "target": "m1"},
		},
	})

	result, err := engine.Execute(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234", "name": "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, "Olá, Ana.", stub.textBody(t, 0))
}

func TestExecute_AskQuestionPausesThenResumes(t *testing.T) {
	stub := &providerStub{}
	engine, db, _ := newTestEngine(t, stub)
	wf := createWorkflow(t, db, askQuestionGraph())
	ctx := context.Background()

	result, err := engine.Execute(ctx, RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaiting, result.Status)
	assert.True(t, result.Paused)
	assert.Equal(t, 1, stub.count(), "the question went out")

	var conv models.WorkflowConversation
	require.NoError(t, db.First(&conv, "workflow_id = ?", wf.ID).Error)
	assert.Equal(t, models.ConversationStatusWaiting, conv.Status)
	assert.Equal(t, "m1", conv.ResumeNodeID)
	assert.Equal(t, "customer_name", conv.VariableKey)
	assert.Equal(t, "+14155551234", conv.Phone)

	// The reply is trimmed and injected at the conversation's variable key.
	resumed, err := engine.Resume(ctx, ResumeRequest{
		WorkflowID:     wf.ID,
		ConversationID: conv.ID,
		From:           "+14155551234",
		Message:        "  Ana  ",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, resumed.Status)
	assert.NotEqual(t, result.RunID, resumed.RunID, "resume starts a fresh run")
	assert.Equal(t, "Olá, Ana.", stub.textBody(t, 1))

	var resumedRun models.WorkflowRun
	require.NoError(t, db.First(&resumedRun, "id = ?", resumed.RunID).Error)
	assert.Equal(t, models.TriggerTypeResume, resumedRun.TriggerType)

	require.NoError(t, db.First(&conv, "id = ?", conv.ID).Error)
	assert.Equal(t, models.ConversationStatusCompleted, conv.Status)
}

func TestResume_Errors(t *testing.T) {
	engine, db, _ := newTestEngine(t, &providerStub{})
	wf := createWorkflow(t, db, askQuestionGraph())
	ctx := context.Background()

	_, err := engine.Resume(ctx, ResumeRequest{WorkflowID: wf.ID, ConversationID: uuid.New(), Message: "   "})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindValidation))
	assert.Contains(t, err.Error(), ErrMissingInboundMessage)

	_, err = engine.Resume(ctx, ResumeRequest{WorkflowID: wf.ID, ConversationID: uuid.New(), Message: "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
	assert.Contains(t, err.Error(), ErrConversationNotFound)

	// A waiting conversation tied to a different workflow is a mismatch.
	result, err := engine.Execute(ctx, RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusWaiting, result.Status)

	var conv models.WorkflowConversation
	require.NoError(t, db.First(&conv, "workflow_id = ?", wf.ID).Error)

	_, err = engine.Resume(ctx, ResumeRequest{WorkflowID: uuid.New(), ConversationID: conv.ID, Message: "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindConflict))
	assert.Contains(t, err.Error(), ErrConversationMismatch)

	// Consuming the conversation makes a second resume a not_found.
	_, err = engine.Resume(ctx, ResumeRequest{WorkflowID: wf.ID, ConversationID: conv.ID, Message: "Ana"})
	require.NoError(t, err)

	_, err = engine.Resume(ctx, ResumeRequest{WorkflowID: wf.ID, ConversationID: conv.ID, Message: "Ana"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestExecute_PauseConflict(t *testing.T) {
	engine, db, _ := newTestEngine(t, &providerStub{})
	wf := createWorkflow(t, db, askQuestionGraph())
	ctx := context.Background()

	first, err := engine.Execute(ctx, RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusWaiting, first.Status)

	// A second run for the same phone cannot open another conversation.
	second, err := engine.Execute(ctx, RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindConversationConflict))
	assert.Equal(t, models.RunStatusFailed, second.Status)
}

func TestExecute_StepFailureMarksRunFailed(t *testing.T) {
	stub := &providerStub{status: http.StatusBadRequest, body: `{"error":{"message":"bad param","code":100}}`}
	engine, db, _ := newTestEngine(t, stub)
	wf := createWorkflow(t, db, sendMessageGraph(models.TriggerTypeManual, nil, "Hi!"))

	result, err := engine.Execute(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, "m1", result.Output.String("node_id"))

	var run models.WorkflowRun
	require.NoError(t, db.First(&run, "id = ?", result.RunID).Error)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	stub := &providerStub{failFirst: 2}
	engine, db, st := newTestEngine(t, stub)
	wf := createWorkflow(t, db, sendMessageGraph(models.TriggerTypeManual, nil, "Hi!"))
	ctx := context.Background()

	require.NoError(t, st.PutSetting(ctx, ExecConfigKey,
		ExecConfig{RetryCount: 2, RetryDelayMs: 10, TimeoutMs: 5000}))

	result, err := engine.Execute(ctx, RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, result.Status)
	assert.Equal(t, 3, stub.count(), "two failures then success")

	var logs []models.WorkflowRunLog
	require.NoError(t, db.Find(&logs, "run_id = ?", result.RunID).Error)
	assert.Len(t, logs, 3, "every attempt gets its own log row")
}

func TestExecute_HTTPRequestStep(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"balance": 42}`))
	}))
	defer api.Close()

	engine, db, _ := newTestEngine(t, &providerStub{})
	wf := createWorkflow(t, db, models.JSONB{
		"nodes": []map[string]interface{}{
			{"id": "t1", "kind": "trigger", "triggerType": models.TriggerTypeManual},
			{"id": "h1", "kind": "action", "actionType": ActionHTTPRequest, "config": map[string]interface{}{
				"url":       api.URL,
				"outputKey": "account",
			}},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "h1"},
		},
	})

	result, err := engine.Execute(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, result.Status)

	vars, ok := result.Output["variables"].(map[string]interface{})
	require.True(t, ok)
	account, ok := vars["account"].(map[string]interface{})
	require.True(t, ok)
	body, ok := account["body"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 42, body["balance"])
}
