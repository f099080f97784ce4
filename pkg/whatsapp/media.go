package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rathodworks/whatsflow/internal/fault"
)

// mediaURLLifetime is how long Meta keeps a minted media URL valid
const mediaURLLifetime = 5 * time.Minute

type mediaResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// FetchMedia mints a fresh URL for a media handle. force is accepted for
// parity with callers that bypass any upstream caching layer; the Graph API
// always returns a freshly signed URL.
func (c *Client) FetchMedia(ctx context.Context, account *Account, mediaID string, force bool) (*MediaInfo, error) {
	if mediaID == "" {
		return nil, fault.New(fault.KindValidation, "media id is required")
	}

	url := c.buildMediaURL(account, mediaID)
	c.Log.Debug("Fetching media URL", "media_id", mediaID, "force", force)

	respBody, err := c.doRequest(ctx, "GET", url, nil, account.AccessToken)
	if err != nil {
		return nil, err
	}

	var resp mediaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "failed to parse media response", err)
	}
	if resp.URL == "" {
		return nil, fault.New(fault.KindMediaExpired, "no URL in media response")
	}

	return &MediaInfo{
		URL:       resp.URL,
		MimeType:  resp.MimeType,
		SHA256:    resp.SHA256,
		FileSize:  resp.FileSize,
		ExpiresAt: time.Now().Add(mediaURLLifetime),
	}, nil
}

type phoneNumberResponse struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
	ID                 string `json:"id"`
}

// Probe checks sender credentials by reading the phone number resource and
// returns its display phone number.
func (c *Client) Probe(ctx context.Context, account *Account) (string, error) {
	url := fmt.Sprintf("%s/%s/%s", c.BaseURL, account.APIVersion, account.PhoneNumberID)

	respBody, err := c.doRequest(ctx, "GET", url, nil, account.AccessToken)
	if err != nil {
		return "", err
	}

	var resp phoneNumberResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fault.Wrap(fault.KindPermanent, "failed to parse phone number response", err)
	}
	return resp.DisplayPhoneNumber, nil
}
