// Package ingest projects provider webhooks onto local state: status events
// onto campaign recipient rows, inbound replies onto waiting conversations,
// flow submissions and the downstream inbound queue.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zerodha/logf"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/queue"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/internal/workflow"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// Ingestor applies webhook payloads
type Ingestor struct {
	db       *gorm.DB
	st       *store.Store
	engine   *workflow.Engine
	rehoster *precheck.Rehoster
	account  *whatsapp.Account
	sink     *trace.Sink
	q        *queue.Queue
	log      logf.Logger
}

// New creates an Ingestor
func New(db *gorm.DB, st *store.Store, engine *workflow.Engine, rehoster *precheck.Rehoster, account *whatsapp.Account, sink *trace.Sink, q *queue.Queue, log logf.Logger) *Ingestor {
	return &Ingestor{
		db:       db,
		st:       st,
		engine:   engine,
		rehoster: rehoster,
		account:  account,
		sink:     sink,
		q:        q,
		log:      log,
	}
}

// HandleStatuses projects delivery signals onto recipient rows. Events whose
// contact row is not yet visible go to the reconciliation queue.
func (i *Ingestor) HandleStatuses(ctx context.Context, statuses []whatsapp.ParsedStatus) {
	for _, status := range statuses {
		i.handleStatus(ctx, status)
	}
}

func (i *Ingestor) handleStatus(ctx context.Context, status whatsapp.ParsedStatus) {
	applied, err := i.st.ApplyStatusEvent(ctx, status.MessageID, status.Status, status.Timestamp, status.ErrorMsg)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			// Send commit may still be in flight; retry off the hot path
			if qerr := i.q.EnqueueReconcile(ctx, queue.ReconcileItem{
				MessageID:  status.MessageID,
				Status:     status.Status,
				EventTS:    status.Timestamp,
				FailReason: status.ErrorMsg,
			}); qerr != nil {
				i.log.Error("Failed to enqueue status for reconciliation", "message_id", status.MessageID, "error", qerr)
			}
			return
		}
		if fault.Is(err, fault.KindValidation) {
			i.log.Debug("Ignoring unknown status signal", "message_id", status.MessageID, "status", status.Status)
			return
		}
		i.log.Error("Failed to apply status event", "message_id", status.MessageID, "status", status.Status, "error", err)
		return
	}
	if !applied {
		return
	}

	if status.Status == "failed" && status.ErrorCode != 0 {
		i.handleFailedStatus(ctx, status)
	}
}

// handleFailedStatus inspects failure events for stale header media and
// triggers a rehost so the remaining rows of the campaign recover.
func (i *Ingestor) handleFailedStatus(ctx context.Context, status whatsapp.ParsedStatus) {
	kind := whatsapp.ClassifyStatusError(status.ErrorCode, status.ErrorMsg)
	if kind != fault.KindMediaExpired {
		return
	}

	var contact models.CampaignContact
	if err := i.db.WithContext(ctx).First(&contact, "message_id = ?", status.MessageID).Error; err != nil {
		return
	}
	var campaign models.Campaign
	if err := i.db.WithContext(ctx).First(&campaign, "id = ?", contact.CampaignID).Error; err != nil {
		return
	}
	var tmpl models.Template
	if err := i.db.WithContext(ctx).First(&tmpl, "name = ?", campaign.TemplateName).Error; err != nil {
		return
	}
	if !tmpl.HasMediaHeader() {
		return
	}

	i.sink.Record(trace.Event{
		TraceID:    status.MessageID,
		CampaignID: &campaign.ID,
		Phase:      "webhook_failed_details",
		ContactID:  contact.ID.String(),
		Phone:      contact.Phone,
		Extra: models.JSONB{
			"error_code": status.ErrorCode,
			"error":      status.ErrorMsg,
			"kind":       string(kind),
		},
	})

	if _, err := i.rehoster.Rehost(ctx, i.account, &tmpl, &campaign.ID, status.MessageID); err != nil {
		i.log.Warn("Webhook-triggered rehost failed", "template", tmpl.Name, "error", err)
	}
}

// HandleInbound routes replies: waiting conversations resume their workflow,
// flow form submissions are stored, everything else goes downstream.
func (i *Ingestor) HandleInbound(ctx context.Context, messages []whatsapp.ParsedMessage) {
	for _, msg := range messages {
		i.handleInbound(ctx, msg)
	}
}

func (i *Ingestor) handleInbound(ctx context.Context, msg whatsapp.ParsedMessage) {
	phone, ok := precheck.NormalizePhone(msg.From)
	if !ok {
		i.log.Warn("Inbound message with unusable sender", "from", msg.From, "message_id", msg.ID)
		return
	}

	conv, err := i.st.FindWaitingConversation(ctx, phone)
	if err == nil {
		result, rerr := i.engine.Resume(ctx, workflow.ResumeRequest{
			WorkflowID:     conv.WorkflowID,
			ConversationID: conv.ID,
			From:           phone,
			Message:        msg.Text,
		})
		if rerr != nil {
			i.log.Error("Conversation resume failed", "conversation_id", conv.ID, "error", rerr)
			return
		}
		i.log.Info("Conversation resumed", "conversation_id", conv.ID, "run_id", result.RunID, "status", result.Status)
		return
	}
	if !fault.Is(err, fault.KindNotFound) {
		i.log.Error("Conversation lookup failed", "phone", trace.MaskPhone(phone), "error", err)
		return
	}

	if msg.FlowResponseJSON != "" {
		i.storeFlowSubmission(ctx, phone, msg)
		return
	}

	i.q.EnqueueInbound(ctx, queue.InboundMessage{
		MessageID:   msg.ID,
		From:        phone,
		Name:        msg.ContactName,
		Type:        msg.Type,
		Text:        msg.Text,
		ReceivedAt:  msg.Timestamp,
		PhoneNumber: msg.PhoneNumberID,
	})
}

// storeFlowSubmission upserts a form response keyed by message id, linking
// it to the sender's most recent campaign row when one exists.
func (i *Ingestor) storeFlowSubmission(ctx context.Context, phone string, msg whatsapp.ParsedMessage) {
	var mapped models.JSONB
	if err := json.Unmarshal([]byte(msg.FlowResponseJSON), &mapped); err != nil {
		i.log.Warn("Unparseable flow response", "message_id", msg.ID, "error", err)
		mapped = nil
	}

	submission := models.FlowSubmission{
		MessageID: msg.ID,
		Phone:     phone,
		RawPayload: models.JSONB{
			"flow_name":     msg.FlowName,
			"response_json": msg.FlowResponseJSON,
			"received_at":   msg.Timestamp.Format(time.RFC3339),
		},
		MappedPayload: mapped,
	}

	var contact models.CampaignContact
	if err := i.db.WithContext(ctx).
		Where("phone = ?", phone).
		Order("created_at DESC").
		First(&contact).Error; err == nil {
		submission.CampaignID = &contact.CampaignID
		submission.ContactID = contact.ContactID
	}

	err := i.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"raw_payload", "mapped_payload", "updated_at"}),
	}).Create(&submission).Error
	if err != nil {
		i.log.Error("Failed to store flow submission", "message_id", msg.ID, "error", err)
	}
}
