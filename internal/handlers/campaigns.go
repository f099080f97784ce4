package handlers

import (
	"encoding/csv"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
)

// CampaignRequest represents campaign create/update request
type CampaignRequest struct {
	Name          string       `json:"name" validate:"required"`
	TemplateName  string       `json:"template_name" validate:"required"`
	PhoneNumberID string       `json:"phone_number_id"`
	Variables     models.JSONB `json:"variables"`
	ScheduledAt   *time.Time   `json:"scheduled_at"`
}

// RecipientRequest represents one contact in a recipients import
type RecipientRequest struct {
	ContactID    string       `json:"contact_id"`
	Phone        string       `json:"phone" validate:"required"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	CustomFields models.JSONB `json:"custom_fields"`
}

// campaignID parses the {id} path segment
func campaignID(r *fastglue.Request) (uuid.UUID, error) {
	raw, _ := r.RequestCtx.UserValue("id").(string)
	return uuid.Parse(raw)
}

// ListCampaigns implements campaign listing
func (a *App) ListCampaigns(r *fastglue.Request) error {
	status := string(r.RequestCtx.QueryArgs().Peek("status"))

	var campaigns []models.Campaign
	query := a.DB.Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&campaigns).Error; err != nil {
		a.Log.Error("Failed to list campaigns", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list campaigns", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{
		"campaigns": campaigns,
		"total":     len(campaigns),
	})
}

// CreateCampaign creates a draft campaign
func (a *App) CreateCampaign(r *fastglue.Request) error {
	var req CampaignRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if req.Name == "" || req.TemplateName == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "name and template_name are required", nil, "")
	}

	var count int64
	if err := a.DB.Model(&models.Template{}).Where("name = ?", req.TemplateName).Count(&count).Error; err != nil || count == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Template not found", nil, "")
	}

	phoneNumberID := req.PhoneNumberID
	if phoneNumberID == "" {
		phoneNumberID = a.Config.WhatsApp.PhoneNumberID
	}

	campaign := models.Campaign{
		Name:          req.Name,
		TemplateName:  req.TemplateName,
		PhoneNumberID: phoneNumberID,
		Status:        models.CampaignStatusDraft,
		Variables:     req.Variables,
		ScheduledAt:   req.ScheduledAt,
	}
	if req.ScheduledAt != nil {
		campaign.Status = models.CampaignStatusScheduled
	}

	if err := a.DB.Create(&campaign).Error; err != nil {
		a.Log.Error("Failed to create campaign", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create campaign", nil, "")
	}
	return r.SendEnvelope(campaign)
}

// GetCampaign returns one campaign
func (a *App) GetCampaign(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.First(&campaign, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}
	return r.SendEnvelope(campaign)
}

// UpdateCampaign updates a draft campaign
func (a *App) UpdateCampaign(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.First(&campaign, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusScheduled {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Can only update draft campaigns", nil, "")
	}

	var req CampaignRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.TemplateName != "" {
		updates["template_name"] = req.TemplateName
	}
	if req.Variables != nil {
		updates["variables"] = req.Variables
	}
	if req.ScheduledAt != nil {
		updates["scheduled_at"] = req.ScheduledAt
		updates["status"] = models.CampaignStatusScheduled
	}

	if err := a.DB.Model(&campaign).Updates(updates).Error; err != nil {
		a.Log.Error("Failed to update campaign", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update campaign", nil, "")
	}
	return r.SendEnvelope(campaign)
}

// ImportRecipients bulk-adds contacts to a draft or scheduled campaign
func (a *App) ImportRecipients(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.First(&campaign, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusScheduled {
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Recipients can only be imported before sending", nil, "")
	}

	var req struct {
		Recipients []RecipientRequest `json:"recipients"`
	}
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if len(req.Recipients) == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "No recipients provided", nil, "")
	}

	contacts := make([]models.CampaignContact, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		contacts = append(contacts, models.CampaignContact{
			CampaignID:   id,
			ContactID:    rec.ContactID,
			Phone:        rec.Phone,
			Name:         rec.Name,
			Email:        rec.Email,
			Status:       models.ContactStatusPending,
			CustomFields: rec.CustomFields,
		})
	}
	if err := a.DB.CreateInBatches(contacts, 200).Error; err != nil {
		a.Log.Error("Failed to import recipients", "campaign_id", id, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to import recipients", nil, "")
	}

	var total int64
	a.DB.Model(&models.CampaignContact{}).Where("campaign_id = ?", id).Count(&total)
	a.DB.Model(&models.Campaign{}).Where("id = ?", id).Update("recipient_count", total)

	return r.SendEnvelope(map[string]interface{}{
		"imported": len(contacts),
		"total":    total,
	})
}

// ListRecipients returns the contact rows of a campaign
func (a *App) ListRecipients(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var contacts []models.CampaignContact
	query := a.DB.Where("campaign_id = ?", id).Order("created_at ASC")
	if status := string(r.RequestCtx.QueryArgs().Peek("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&contacts).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list recipients", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{
		"recipients": contacts,
		"total":      len(contacts),
	})
}

// StartCampaign moves a campaign into Sending
func (a *App) StartCampaign(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}
	if err := a.Dispatcher.Start(r.RequestCtx, id); err != nil {
		return a.sendFault(r, err)
	}
	return r.SendEnvelope(map[string]string{"status": "sending"})
}

// PauseCampaign stops dispatch at the next batch boundary
func (a *App) PauseCampaign(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}
	if err := a.Dispatcher.Pause(r.RequestCtx, id); err != nil {
		return a.sendFault(r, err)
	}
	return r.SendEnvelope(map[string]string{"status": "paused"})
}

// CancelCampaign terminates a campaign. Idempotent on repeat cancels.
func (a *App) CancelCampaign(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	already, err := a.Dispatcher.Cancel(r.RequestCtx, id)
	if err != nil {
		return a.sendFault(r, err)
	}
	if already {
		return r.SendEnvelope(map[string]string{"status": "already_cancelled"})
	}
	return r.SendEnvelope(map[string]string{"status": "cancelled"})
}

// CampaignProgress returns live counters
func (a *App) CampaignProgress(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.First(&campaign, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{
		"status":     campaign.Status,
		"recipients": campaign.RecipientCount,
		"sent":       campaign.SentCount,
		"delivered":  campaign.DeliveredCount,
		"read":       campaign.ReadCount,
		"failed":     campaign.FailedCount,
		"skipped":    campaign.SkippedCount,
	})
}

// PrecheckCampaign dry-runs the precheck for an inline contact list. The
// endpoint is stateless: nothing is persisted, so a campaign can be vetted
// before it even exists.
func (a *App) PrecheckCampaign(r *fastglue.Request) error {
	var req struct {
		TemplateName      string             `json:"templateName"`
		Contacts          []RecipientRequest `json:"contacts"`
		TemplateVariables models.JSONB       `json:"templateVariables"`
	}
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if req.TemplateName == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "templateName is required", nil, "")
	}

	var tmpl models.Template
	if err := a.DB.First(&tmpl, "name = ?", req.TemplateName).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Template not found", nil, "")
	}

	type contactResult struct {
		ContactID string `json:"contact_id,omitempty"`
		Phone     string `json:"phone"`
		precheck.Result
	}

	results := make([]contactResult, 0, len(req.Contacts))
	valid := 0
	for _, rec := range req.Contacts {
		contact := models.CampaignContact{
			ContactID:    rec.ContactID,
			Phone:        rec.Phone,
			Name:         rec.Name,
			Email:        rec.Email,
			CustomFields: rec.CustomFields,
		}
		res := precheck.Check(&contact, &tmpl, req.TemplateVariables)
		if res.OK {
			valid++
		}
		results = append(results, contactResult{
			ContactID: rec.ContactID,
			Phone:     rec.Phone,
			Result:    res,
		})
	}

	return r.SendEnvelope(map[string]interface{}{
		"ok": valid == len(req.Contacts),
		"totals": map[string]int{
			"total":   len(req.Contacts),
			"valid":   valid,
			"skipped": len(req.Contacts) - valid,
		},
		"results": results,
	})
}

// reportHeader is the fixed column set of the campaign report. Downstream
// report tooling matches on these names and positions, so the set is frozen.
var reportHeader = []string{
	"contact_id", "name", "phone", "email", "status",
	"message_id", "sent_at", "delivered_at", "read_at", "error",
}

// CampaignReportCSV streams the per-recipient report as UTF-8 CSV with a BOM
func (a *App) CampaignReportCSV(r *fastglue.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid campaign ID", nil, "")
	}

	var campaign models.Campaign
	if err := a.DB.First(&campaign, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}

	var contacts []models.CampaignContact
	if err := a.DB.Where("campaign_id = ?", id).Order("created_at ASC").Find(&contacts).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to load recipients", nil, "")
	}

	r.RequestCtx.SetContentType("text/csv; charset=utf-8")
	r.RequestCtx.Response.Header.Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="campaign-%s-report.csv"`, id))

	// BOM so spreadsheet tools pick up UTF-8
	r.RequestCtx.Response.BodyWriter().Write([]byte{0xEF, 0xBB, 0xBF})

	w := csv.NewWriter(r.RequestCtx.Response.BodyWriter())
	if err := w.Write(reportHeader); err != nil {
		return err
	}

	formatTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}

	for _, c := range contacts {
		record := []string{
			c.ContactID,
			c.Name,
			c.Phone,
			c.Email,
			string(c.Status),
			c.MessageID,
			formatTime(c.SentAt),
			formatTime(c.DeliveredAt),
			formatTime(c.ReadAt),
			c.Error,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
