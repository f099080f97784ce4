package whatsapp

import (
	"context"
	"encoding/json"

	"github.com/rathodworks/whatsflow/internal/fault"
)

// SendTextMessage sends a plain text message to a phone number
func (c *Client) SendTextMessage(ctx context.Context, account *Account, phoneNumber, text string) (*SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phoneNumber,
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        text,
		},
	}
	return c.sendMessage(ctx, account, payload)
}

// ListRow is one selectable row of an interactive list message
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// SendListMessage sends an interactive list message
func (c *Client) SendListMessage(ctx context.Context, account *Account, phoneNumber, bodyText, buttonText string, rows []ListRow) (*SendResult, error) {
	if len(rows) == 0 {
		return nil, fault.New(fault.KindValidation, "at least one list row is required")
	}
	if len(rows) > 10 {
		return nil, fault.New(fault.KindValidation, "maximum 10 list rows allowed")
	}

	items := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		title := row.Title
		if len(title) > 24 {
			title = title[:24]
		}
		item := map[string]interface{}{
			"id":    row.ID,
			"title": title,
		}
		if row.Description != "" {
			item["description"] = row.Description
		}
		items = append(items, item)
	}

	if buttonText == "" {
		buttonText = "Select an option"
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phoneNumber,
		"type":              "interactive",
		"interactive": map[string]interface{}{
			"type": "list",
			"body": map[string]interface{}{"text": bodyText},
			"action": map[string]interface{}{
				"button": buttonText,
				"sections": []map[string]interface{}{
					{"title": "Options", "rows": items},
				},
			},
		},
	}
	return c.sendMessage(ctx, account, payload)
}

// SendTemplateMessage sends a template message with full component control
func (c *Client) SendTemplateMessage(ctx context.Context, account *Account, phoneNumber, templateName, languageCode string, components []map[string]interface{}) (*SendResult, error) {
	template := map[string]interface{}{
		"name": templateName,
		"language": map[string]interface{}{
			"code": languageCode,
		},
	}
	if len(components) > 0 {
		template["components"] = components
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                phoneNumber,
		"type":              "template",
		"template":          template,
	}
	return c.sendMessage(ctx, account, payload)
}

// Send delivers a prebuilt provider payload. Callers that assemble payloads
// themselves (the dispatcher) come through here.
func (c *Client) Send(ctx context.Context, account *Account, payload map[string]interface{}) (*SendResult, error) {
	return c.sendMessage(ctx, account, payload)
}

func (c *Client) sendMessage(ctx context.Context, account *Account, payload map[string]interface{}) (*SendResult, error) {
	url := c.buildMessagesURL(account)
	c.Log.Debug("Sending message", "to", payload["to"], "type", payload["type"])

	respBody, err := c.doRequest(ctx, "POST", url, payload, account.AccessToken)
	if err != nil {
		return nil, err
	}

	var resp MetaAPIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "failed to parse response", err)
	}
	if len(resp.Messages) == 0 {
		return nil, fault.New(fault.KindPermanent, "no message ID in response")
	}

	return &SendResult{MessageID: resp.Messages[0].ID, Raw: respBody}, nil
}
