// Package precheck validates a recipient against a template before any
// provider call: phone normalization and variable binding resolution. A
// failed precheck maps directly onto the contact row's skipped state.
package precheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/templateutil"
)

// e164Pattern is the accepted shape of a normalized phone number
var e164Pattern = regexp.MustCompile(`^\+\d{8,15}$`)

// Result is the outcome of prechecking one contact
type Result struct {
	OK              bool     `json:"ok"`
	NormalizedPhone string   `json:"normalized_phone,omitempty"`
	SkipCode        string   `json:"skip_code,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Missing         []string `json:"missing,omitempty"`

	// Resolved holds the per-contact variable values for payload building
	Resolved map[string]interface{} `json:"-"`
}

// NormalizePhone coerces a raw phone string to E.164. Formatting characters
// are stripped, a 00 international prefix becomes +, and a bare digit string
// is assumed to already carry its country code.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting noise
		default:
			return "", false
		}
	}

	phone := b.String()
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	if !e164Pattern.MatchString(phone) {
		return "", false
	}
	return phone, true
}

// RequiredParams lists the variables a template demands, derived from its
// header and body placeholders.
func RequiredParams(tmpl *models.Template) []string {
	seen := make(map[string]bool)
	var names []string
	for _, content := range []string{tmpl.HeaderContent, tmpl.BodyContent} {
		if tmpl.HasMediaHeader() && content == tmpl.HeaderContent {
			continue
		}
		for _, n := range templateutil.ExtParamNames(content) {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}

// resolveBinding resolves one binding spec against a contact. Specs of the
// form contact.<field> and custom_fields.<key> are indirections; anything
// else is a literal.
func resolveBinding(spec interface{}, contact *models.CampaignContact) (string, bool) {
	s, isString := spec.(string)
	if !isString {
		if spec == nil {
			return "", false
		}
		return fmt.Sprintf("%v", spec), true
	}

	switch {
	case strings.HasPrefix(s, "contact."):
		field := strings.TrimPrefix(s, "contact.")
		var val string
		switch field {
		case "name":
			val = contact.Name
		case "phone":
			val = contact.Phone
		case "email":
			val = contact.Email
		case "contact_id":
			val = contact.ContactID
		}
		return val, val != ""
	case strings.HasPrefix(s, "custom_fields."):
		key := strings.TrimPrefix(s, "custom_fields.")
		val := contact.CustomFields.String(key)
		return val, val != ""
	default:
		return s, s != ""
	}
}

// Check validates a contact against a template and the campaign's variable
// bindings. bindings maps parameter names to binding specs; a parameter with
// no binding falls back to the contact's custom field of the same name.
func Check(contact *models.CampaignContact, tmpl *models.Template, bindings models.JSONB) Result {
	phone, ok := NormalizePhone(contact.Phone)
	if !ok {
		return Result{
			SkipCode: models.SkipCodeInvalidPhone,
			Reason:   fmt.Sprintf("phone %q is not a valid E.164 number", contact.Phone),
		}
	}

	resolved := make(map[string]interface{})
	var missing []string
	for _, name := range RequiredParams(tmpl) {
		spec, bound := bindings[name]
		if !bound {
			spec = "custom_fields." + name
		}
		val, ok := resolveBinding(spec, contact)
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved[name] = val
	}

	if len(missing) > 0 {
		return Result{
			SkipCode: models.SkipCodeMissingVars,
			Reason:   fmt.Sprintf("unresolved template variables: %s", strings.Join(missing, ", ")),
			Missing:  missing,
		}
	}

	return Result{OK: true, NormalizedPhone: phone, Resolved: resolved}
}
