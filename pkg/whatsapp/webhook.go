package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// VerifyWebhook verifies the webhook challenge from Meta
func VerifyWebhook(mode, token, challenge, expectedToken string) (string, error) {
	if mode != "subscribe" {
		return "", fmt.Errorf("invalid mode: %s", mode)
	}
	if expectedToken == "" || token != expectedToken {
		return "", fmt.Errorf("token mismatch")
	}
	return challenge, nil
}

// ParseWebhook parses the incoming webhook payload from Meta
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return &payload, nil
}

// ExtractMessages extracts all inbound messages from a webhook payload
func (p *WebhookPayload) ExtractMessages() []ParsedMessage {
	var messages []ParsedMessage

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			phoneNumberID := change.Value.Metadata.PhoneNumberID

			for _, msg := range change.Value.Messages {
				parsed := ParsedMessage{
					From:          msg.From,
					ID:            msg.ID,
					Type:          msg.Type,
					PhoneNumberID: phoneNumberID,
				}

				for _, contact := range change.Value.Contacts {
					if contact.WaID == msg.From {
						parsed.ContactName = contact.Profile.Name
						break
					}
				}

				if ts, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					parsed.Timestamp = time.Unix(ts, 0)
				}

				switch msg.Type {
				case "text":
					if msg.Text != nil {
						parsed.Text = msg.Text.Body
					}
				case "interactive":
					if msg.Interactive != nil {
						switch msg.Interactive.Type {
						case "button_reply":
							if msg.Interactive.ButtonReply != nil {
								parsed.ButtonReplyID = msg.Interactive.ButtonReply.ID
								parsed.Text = msg.Interactive.ButtonReply.Title
							}
						case "list_reply":
							if msg.Interactive.ListReply != nil {
								parsed.ListReplyID = msg.Interactive.ListReply.ID
								parsed.Text = msg.Interactive.ListReply.Title
							}
						case "nfm_reply":
							if msg.Interactive.NFMReply != nil {
								parsed.Text = msg.Interactive.NFMReply.Body
								parsed.FlowResponseJSON = msg.Interactive.NFMReply.ResponseJSON
								parsed.FlowName = msg.Interactive.NFMReply.Name
							}
						}
					}
				}

				messages = append(messages, parsed)
			}
		}
	}

	return messages
}

// ExtractStatuses extracts all status updates from a webhook payload
func (p *WebhookPayload) ExtractStatuses() []ParsedStatus {
	var statuses []ParsedStatus

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				parsed := ParsedStatus{
					MessageID:   status.ID,
					Status:      status.Status,
					RecipientID: status.RecipientID,
				}

				if ts, err := strconv.ParseInt(status.Timestamp, 10, 64); err == nil {
					parsed.Timestamp = time.Unix(ts, 0)
				}

				if len(status.Errors) > 0 {
					parsed.ErrorCode = status.Errors[0].Code
					parsed.ErrorTitle = status.Errors[0].Title
					parsed.ErrorMsg = status.Errors[0].Message
				}

				statuses = append(statuses, parsed)
			}
		}
	}

	return statuses
}

// GetPhoneNumberID returns the receiving sender id from the payload
func (p *WebhookPayload) GetPhoneNumberID() string {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Value.Metadata.PhoneNumberID != "" {
				return change.Value.Metadata.PhoneNumberID
			}
		}
	}
	return ""
}
