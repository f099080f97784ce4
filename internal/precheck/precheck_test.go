package precheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rathodworks/whatsflow/internal/models"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  string
		valid bool
	}{
		{"already e164", "+14155551234", "+14155551234", true},
		{"formatted", "+1 (415) 555-1234", "+14155551234", true},
		{"dots", "+1.415.555.1234", "+14155551234", true},
		{"double zero prefix", "0014155551234", "+14155551234", true},
		{"bare digits", "14155551234", "+14155551234", true},
		{"too short", "+1234567", "", false},
		{"too long", "+1234567890123456", "", false},
		{"letters", "+1415CALLNOW", "", false},
		{"plus in middle", "14+155551234", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePhone(tt.raw)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func textTemplate() *models.Template {
	return &models.Template{
		Name:          "order_update",
		Language:      "en",
		HeaderType:    models.HeaderTypeText,
		HeaderContent: "Order {{order_id}}",
		BodyContent:   "Hello {{name}}, your order {{order_id}} is {{status}}.",
	}
}

func TestRequiredParams_HeaderAndBody(t *testing.T) {
	params := RequiredParams(textTemplate())
	assert.Equal(t, []string{"order_id", "name", "status"}, params)
}

func TestRequiredParams_MediaHeaderExcluded(t *testing.T) {
	tmpl := textTemplate()
	tmpl.HeaderType = models.HeaderTypeImage
	tmpl.HeaderContent = "https://cdn.example.com/banner.jpg"

	params := RequiredParams(tmpl)
	assert.Equal(t, []string{"name", "order_id", "status"}, params)
}

func TestCheck_InvalidPhone(t *testing.T) {
	contact := &models.CampaignContact{Phone: "not-a-phone", Name: "Ana"}
	res := Check(contact, textTemplate(), nil)

	assert.False(t, res.OK)
	assert.Equal(t, models.SkipCodeInvalidPhone, res.SkipCode)
	assert.Contains(t, res.Reason, "not-a-phone")
}

func TestCheck_ResolvesBindings(t *testing.T) {
	contact := &models.CampaignContact{
		Phone: "+14155551234",
		Name:  "Ana",
		CustomFields: models.JSONB{
			"order_id": "ORD-42",
			"status":   "shipped",
		},
	}
	bindings := models.JSONB{
		"name":     "contact.name",
		"order_id": "custom_fields.order_id",
	}

	res := Check(contact, textTemplate(), bindings)
	require.True(t, res.OK, "reason: %s", res.Reason)
	assert.Equal(t, "+14155551234", res.NormalizedPhone)
	assert.Equal(t, "Ana", res.Resolved["name"])
	assert.Equal(t, "ORD-42", res.Resolved["order_id"])
	// status has no binding and falls back to the custom field of the same name
	assert.Equal(t, "shipped", res.Resolved["status"])
}

func TestCheck_LiteralBinding(t *testing.T) {
	contact := &models.CampaignContact{
		Phone:        "+14155551234",
		CustomFields: models.JSONB{"order_id": "ORD-42", "status": "shipped"},
	}
	bindings := models.JSONB{"name": "Valued Customer"}

	res := Check(contact, textTemplate(), bindings)
	require.True(t, res.OK)
	assert.Equal(t, "Valued Customer", res.Resolved["name"])
}

func TestCheck_MissingVariables(t *testing.T) {
	contact := &models.CampaignContact{
		Phone:        "+14155551234",
		Name:         "Ana",
		CustomFields: models.JSONB{"order_id": "ORD-42"},
	}

	res := Check(contact, textTemplate(), models.JSONB{"name": "contact.name"})
	assert.False(t, res.OK)
	assert.Equal(t, models.SkipCodeMissingVars, res.SkipCode)
	assert.Equal(t, []string{"status"}, res.Missing)
	assert.Contains(t, res.Reason, "status")
}

func TestCheck_EmptyContactFieldIsMissing(t *testing.T) {
	contact := &models.CampaignContact{
		Phone:        "+14155551234",
		Name:         "",
		CustomFields: models.JSONB{"order_id": "ORD-42", "status": "shipped"},
	}

	res := Check(contact, textTemplate(), models.JSONB{"name": "contact.name"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Missing, "name")
}

func TestCheck_NoParamsTemplate(t *testing.T) {
	tmpl := &models.Template{Name: "hello", Language: "en", BodyContent: "Hello there!"}
	contact := &models.CampaignContact{Phone: "+14155551234"}

	res := Check(contact, tmpl, nil)
	assert.True(t, res.OK)
	assert.Empty(t, res.Missing)
}
