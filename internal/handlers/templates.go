package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
)

// TemplateRequest represents template create/update request
type TemplateRequest struct {
	Name              string       `json:"name" validate:"required"`
	Language          string       `json:"language"`
	Category          string       `json:"category"`
	ParameterFormat   string       `json:"parameter_format"`
	HeaderType        string       `json:"header_type"`
	HeaderContent     string       `json:"header_content"`
	BodyContent       string       `json:"body_content"`
	FooterContent     string       `json:"footer_content"`
	Buttons           models.JSONB `json:"buttons"`
	HeaderMediaHandle string       `json:"header_media_handle"`
}

// ListTemplates lists templates
func (a *App) ListTemplates(r *fastglue.Request) error {
	var templates []models.Template
	if err := a.DB.Order("name ASC").Find(&templates).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list templates", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{
		"templates": templates,
		"total":     len(templates),
	})
}

// CreateTemplate registers a template
func (a *App) CreateTemplate(r *fastglue.Request) error {
	var req TemplateRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if req.Name == "" || req.BodyContent == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "name and body_content are required", nil, "")
	}

	language := req.Language
	if language == "" {
		language = "en"
	}
	format := req.ParameterFormat
	if format == "" {
		format = models.ParameterFormatPositional
	}

	tmpl := models.Template{
		Name:              req.Name,
		Language:          language,
		Category:          req.Category,
		ParameterFormat:   format,
		HeaderType:        req.HeaderType,
		HeaderContent:     req.HeaderContent,
		BodyContent:       req.BodyContent,
		FooterContent:     req.FooterContent,
		Buttons:           req.Buttons,
		HeaderMediaHandle: req.HeaderMediaHandle,
	}
	if err := a.DB.Create(&tmpl).Error; err != nil {
		a.Log.Error("Failed to create template", "name", req.Name, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Template already exists", nil, "")
	}

	return r.SendEnvelope(tmpl)
}

// GetTemplate returns one template with its required parameters
func (a *App) GetTemplate(r *fastglue.Request) error {
	raw, _ := r.RequestCtx.UserValue("id").(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid template ID", nil, "")
	}

	var tmpl models.Template
	if err := a.DB.First(&tmpl, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Template not found", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{
		"template":        tmpl,
		"required_params": precheck.RequiredParams(&tmpl),
	})
}

// UpdateTemplate updates a template's components
func (a *App) UpdateTemplate(r *fastglue.Request) error {
	raw, _ := r.RequestCtx.UserValue("id").(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid template ID", nil, "")
	}

	var tmpl models.Template
	if err := a.DB.First(&tmpl, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Template not found", nil, "")
	}

	var req TemplateRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Category != "" {
		updates["category"] = req.Category
	}
	if req.ParameterFormat != "" {
		updates["parameter_format"] = req.ParameterFormat
	}
	if req.HeaderType != "" {
		updates["header_type"] = req.HeaderType
	}
	if req.HeaderContent != "" {
		updates["header_content"] = req.HeaderContent
	}
	if req.BodyContent != "" {
		updates["body_content"] = req.BodyContent
	}
	if req.FooterContent != "" {
		updates["footer_content"] = req.FooterContent
	}
	if req.Buttons != nil {
		updates["buttons"] = req.Buttons
	}
	if req.HeaderMediaHandle != "" {
		updates["header_media_handle"] = req.HeaderMediaHandle
	}

	if err := a.DB.Model(&tmpl).Updates(updates).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update template", nil, "")
	}
	return r.SendEnvelope(tmpl)
}
