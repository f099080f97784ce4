package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/queue"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/internal/workflow"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
	"github.com/rathodworks/whatsflow/test/testutil"
)

// providerStub answers message POSTs with success and media GETs with a
// fresh URL.
type providerStub struct {
	mu    sync.Mutex
	sends int
}

func (p *providerStub) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Write([]byte(`{"url":"https://fresh.example.com/m/1","mime_type":"image/jpeg","id":"media-1"}`))
		return
	}
	p.mu.Lock()
	p.sends++
	n := p.sends
	p.mu.Unlock()
	fmt.Fprintf(w, `{"messages":[{"id":"wamid.out%d"}]}`, n)
}

type harness struct {
	ing  *Ingestor
	db   *gorm.DB
	st   *store.Store
	q    *queue.Queue
	rdb  *redis.Client
	stub *providerStub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.SetupTestDB(t)
	st := store.New(db, testutil.NopLogger())
	sink := trace.NewSink(db, testutil.NopLogger(), false)

	stub := &providerStub{}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	client := whatsapp.NewWithBaseURL(testutil.NopLogger(), srv.URL)
	account := &whatsapp.Account{PhoneNumberID: "555", APIVersion: "v21.0", AccessToken: "tok"}
	rehoster := precheck.NewRehoster(client, db, sink, testutil.NopLogger())
	engine := workflow.NewEngine(db, st, client, account, rehoster, sink, testutil.NopLogger())

	rdb := testutil.SetupTestRedis(t)
	q := queue.New(rdb, testutil.NopLogger())

	return &harness{
		ing:  New(db, st, engine, rehoster, account, sink, q, testutil.NopLogger()),
		db:   db,
		st:   st,
		q:    q,
		rdb:  rdb,
		stub: stub,
	}
}

func (h *harness) seedSentContact(t *testing.T, tmpl *models.Template, phone, messageID string) (*models.Campaign, *models.CampaignContact) {
	t.Helper()

	require.NoError(t, h.db.Create(tmpl).Error)
	campaign := &models.Campaign{
		Name:          "spring-sale",
		TemplateName:  tmpl.Name,
		PhoneNumberID: "555",
		Status:        models.CampaignStatusSending,
	}
	require.NoError(t, h.db.Create(campaign).Error)

	now := time.Now()
	contact := &models.CampaignContact{
		CampaignID: campaign.ID,
		Phone:      phone,
		Name:       "Ana",
		Status:     models.ContactStatusSent,
		MessageID:  messageID,
		SentAt:     &now,
	}
	require.NoError(t, h.db.Create(contact).Error)
	return campaign, contact
}

func plainTemplate() *models.Template {
	return &models.Template{Name: "order_update", Language: "en", BodyContent: "Your order is ready!"}
}

func TestHandleStatuses_ProjectsOntoContact(t *testing.T) {
	h := newHarness(t)
	_, contact := h.seedSentContact(t, plainTemplate(), "+14155551234", "wamid.100")

	h.ing.HandleStatuses(context.Background(), []whatsapp.ParsedStatus{
		{MessageID: "wamid.100", Status: "delivered", Timestamp: time.Now()},
	})

	var got models.CampaignContact
	require.NoError(t, h.db.First(&got, "id = ?", contact.ID).Error)
	assert.Equal(t, models.ContactStatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestHandleStatuses_UnknownMessageGoesToReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ing.HandleStatuses(ctx, []whatsapp.ParsedStatus{
		{MessageID: "wamid.ghost", Status: "delivered", Timestamp: time.Now()},
	})

	item, err := h.q.DequeueReconcile(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "wamid.ghost", item.MessageID)
	assert.Equal(t, "delivered", item.Status)
}

func TestHandleStatuses_FailedMediaTriggersRehost(t *testing.T) {
	h := newHarness(t)
	tmpl := &models.Template{
		Name:              "promo",
		Language:          "en",
		HeaderType:        models.HeaderTypeImage,
		HeaderContent:     "https://stale.example.com/m/1",
		HeaderMediaHandle: "media-1",
		BodyContent:       "Big sale!",
	}
	campaign, _ := h.seedSentContact(t, tmpl, "+14155551234", "wamid.100")

	h.ing.HandleStatuses(context.Background(), []whatsapp.ParsedStatus{
		{
			MessageID: "wamid.100",
			Status:    "failed",
			Timestamp: time.Now(),
			ErrorCode: 131052,
			ErrorMsg:  "Media download error",
		},
	})

	var got models.Template
	require.NoError(t, h.db.First(&got, "id = ?", tmpl.ID).Error)
	assert.Equal(t, "https://fresh.example.com/m/1", got.HeaderContent)

	var phases []string
	require.NoError(t, h.db.Model(&models.TraceEvent{}).
		Where("campaign_id = ?", campaign.ID).Pluck("phase", &phases).Error)
	assert.Contains(t, phases, "webhook_failed_details")
	assert.Contains(t, phases, "template_media_rehost_ok")
}

func createAskWorkflow(t *testing.T, db *gorm.DB) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{Name: "intake"}
	require.NoError(t, db.Create(wf).Error)

	version := &models.WorkflowVersion{
		WorkflowID: wf.ID,
		Number:     1,
		Status:     models.VersionStatusPublished,
		Graph: models.JSONB{
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
		},
	}
	require.NoError(t, db.Create(version).Error)

	wf.ActiveVersionID = &version.ID
	require.NoError(t, db.Save(wf).Error)
	return wf
}

func TestHandleInbound_ResumesWaitingConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := createAskWorkflow(t, h.db)

	engine := h.ing.engine
	result, err := engine.Execute(ctx, workflow.RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: models.TriggerTypeManual,
		Input:       models.JSONB{"from": "+14155551234"},
	})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusWaiting, result.Status)

	// The sender arrives without the plus, as Meta delivers it.
	h.ing.HandleInbound(ctx, []whatsapp.ParsedMessage{
		{From: "14155551234", ID: "wamid.in1", Type: "text", Text: "Ana", Timestamp: time.Now()},
	})

	var conv models.WorkflowConversation
	require.NoError(t, h.db.First(&conv, "workflow_id = ?", wf.ID).Error)
	assert.Equal(t, models.ConversationStatusCompleted, conv.Status)

	var runs []models.WorkflowRun
	require.NoError(t, h.db.Find(&runs, "workflow_id = ?", wf.ID).Error)
	assert.Len(t, runs, 2, "the resume started a fresh run")
}

func TestHandleInbound_StoresFlowSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	campaign, _ := h.seedSentContact(t, plainTemplate(), "+14155551234", "wamid.100")

	h.ing.HandleInbound(ctx, []whatsapp.ParsedMessage{{
		From:             "14155551234",
		ID:               "wamid.flow1",
		Type:             "interactive",
		Timestamp:        time.Now(),
		FlowResponseJSON: `{"email":"ana@example.com"}`,
		FlowName:         "signup_flow",
	}})

	var submission models.FlowSubmission
	require.NoError(t, h.db.First(&submission, "message_id = ?", "wamid.flow1").Error)
	assert.Equal(t, "+14155551234", submission.Phone)
	assert.Equal(t, "ana@example.com", submission.MappedPayload.String("email"))
	require.NotNil(t, submission.CampaignID)
	assert.Equal(t, campaign.ID, *submission.CampaignID)

	// Redelivery upserts instead of erroring.
	h.ing.HandleInbound(ctx, []whatsapp.ParsedMessage{{
		From:             "14155551234",
		ID:               "wamid.flow1",
		Type:             "interactive",
		Timestamp:        time.Now(),
		FlowResponseJSON: `{"email":"ana@new.example.com"}`,
	}})

	var n int64
	require.NoError(t, h.db.Model(&models.FlowSubmission{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestHandleInbound_QueuesUnmatchedReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ing.HandleInbound(ctx, []whatsapp.ParsedMessage{
		{From: "14155551234", ID: "wamid.in1", Type: "text", Text: "hello", Timestamp: time.Now()},
	})

	vals, err := h.rdb.LRange(ctx, "whatsflow:inbound", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, vals, 1)

	var msg queue.InboundMessage
	require.NoError(t, json.Unmarshal([]byte(vals[0]), &msg))
	assert.Equal(t, "wamid.in1", msg.MessageID)
	assert.Equal(t, "+14155551234", msg.From)
	assert.Equal(t, "hello", msg.Text)
}

func TestHandleInbound_UnusableSenderDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ing.HandleInbound(ctx, []whatsapp.ParsedMessage{
		{From: "garbage", ID: "wamid.in1", Type: "text", Text: "hello", Timestamp: time.Now()},
	})

	n, err := h.rdb.LLen(ctx, "whatsflow:inbound").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, contact := h.seedSentContact(t, plainTemplate(), "+14155551234", "wamid.100")

	h.ing.reconcileOne(ctx, &queue.ReconcileItem{
		MessageID: "wamid.100",
		Status:    "read",
		EventTS:   time.Now(),
	})

	var got models.CampaignContact
	require.NoError(t, h.db.First(&got, "id = ?", contact.ID).Error)
	assert.Equal(t, models.ContactStatusRead, got.Status)
}

func TestReconcileOne_DropsAfterBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ing.reconcileOne(ctx, &queue.ReconcileItem{
		MessageID: "wamid.ghost",
		Status:    "delivered",
		EventTS:   time.Now(),
		Attempts:  4,
	})

	// The exhausted item is dropped, not requeued.
	item, err := h.q.DequeueReconcile(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, item)
}
