// Package whatsapp is the normalized client for the WhatsApp Cloud API.
// It is the sole interpreter of provider error shapes: every error it
// returns carries a fault.Kind, and higher layers branch only on that.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/zerodha/logf"
)

const (
	// DefaultTimeout bounds every provider call
	DefaultTimeout = 8 * time.Second
	// DefaultBaseURL for the Meta Graph API
	DefaultBaseURL = "https://graph.facebook.com"
)

// Client is the WhatsApp Cloud API client
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Log        logf.Logger
}

// New creates a new WhatsApp client
func New(log logf.Logger) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		BaseURL:    DefaultBaseURL,
		Log:        log,
	}
}

// NewWithBaseURL creates a client against a custom API origin (used in tests)
func NewWithBaseURL(log logf.Logger, baseURL string) *Client {
	c := New(log)
	c.BaseURL = baseURL
	return c
}

// doRequest performs one HTTP round trip and classifies failures
func (c *Client) doRequest(ctx context.Context, method, url string, body interface{}, accessToken string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.KindPermanent, "failed to marshal request body", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "failed to create request", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable
		return nil, fault.Wrap(fault.KindTransient, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr MetaAPIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			kind := Classify(resp.StatusCode, &apiErr)
			return nil, fault.Newf(kind, "API error %d: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fault.Newf(Classify(resp.StatusCode, nil), "API returned status %d", resp.StatusCode)
	}

	return respBody, nil
}

// buildMessagesURL builds the messages endpoint URL
func (c *Client) buildMessagesURL(account *Account) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.BaseURL, account.APIVersion, account.PhoneNumberID)
}

// buildMediaURL builds the media metadata endpoint URL
func (c *Client) buildMediaURL(account *Account, mediaID string) string {
	return fmt.Sprintf("%s/%s/%s", c.BaseURL, account.APIVersion, mediaID)
}
