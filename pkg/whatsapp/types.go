package whatsapp

import "time"

// Account carries WhatsApp Business sender credentials
type Account struct {
	PhoneNumberID string
	BusinessID    string
	APIVersion    string
	AccessToken   string
}

// SendResult is the normalized outcome of a send call
type SendResult struct {
	MessageID string
	Raw       []byte
}

// MediaInfo is a freshly minted media URL and its expiry
type MediaInfo struct {
	URL       string
	MimeType  string
	SHA256    string
	FileSize  int64
	ExpiresAt time.Time
}

// MetaAPIResponse represents a successful messages response from Meta
type MetaAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MetaAPIError represents an error response from Meta
type MetaAPIError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorUserMsg string `json:"error_user_msg"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// WebhookPayload represents the incoming webhook from Meta
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry is an entry in the webhook payload
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is a change in the webhook entry
type WebhookChange struct {
	Value WebhookValue `json:"value"`
	Field string       `json:"field"`
}

// WebhookValue is the value of a webhook change
type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
	Statuses         []WebhookStatus  `json:"statuses,omitempty"`
}

// WebhookMetadata identifies the receiving sender
type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// WebhookContact is a contact in a webhook
type WebhookContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// WebhookMessage is an inbound message
type WebhookMessage struct {
	From        string              `json:"from"`
	ID          string              `json:"id"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *WebhookText        `json:"text,omitempty"`
	Interactive *WebhookInteractive `json:"interactive,omitempty"`
}

// WebhookText is text content in a message
type WebhookText struct {
	Body string `json:"body"`
}

// WebhookInteractive is an interactive message response
type WebhookInteractive struct {
	Type        string              `json:"type"`
	ButtonReply *WebhookButtonReply `json:"button_reply,omitempty"`
	ListReply   *WebhookListReply   `json:"list_reply,omitempty"`
	NFMReply    *WebhookNFMReply    `json:"nfm_reply,omitempty"`
}

// WebhookButtonReply is a button reply
type WebhookButtonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// WebhookListReply is a list selection reply
type WebhookListReply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// WebhookNFMReply is a flow (interactive form) reply
type WebhookNFMReply struct {
	ResponseJSON string `json:"response_json"`
	Body         string `json:"body"`
	Name         string `json:"name"`
}

// WebhookStatus is a message status update
type WebhookStatus struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Timestamp   string               `json:"timestamp"`
	RecipientID string               `json:"recipient_id"`
	Errors      []WebhookStatusError `json:"errors,omitempty"`
}

// WebhookStatusError is an error attached to a status update
type WebhookStatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ParsedMessage is a normalized inbound message
type ParsedMessage struct {
	From             string
	ID               string
	Timestamp        time.Time
	Type             string
	Text             string
	ButtonReplyID    string
	ListReplyID      string
	FlowResponseJSON string
	FlowName         string
	ContactName      string
	PhoneNumberID    string
}

// ParsedStatus is a normalized status update
type ParsedStatus struct {
	MessageID   string
	Status      string
	Timestamp   time.Time
	RecipientID string
	ErrorCode   int
	ErrorTitle  string
	ErrorMsg    string
}
