package whatsapp

import (
	"strings"

	"github.com/rathodworks/whatsflow/internal/fault"
)

// Meta error codes that map onto the closed taxonomy. These are the only
// places provider error shapes are interpreted.
const (
	codeTooManyCalls      = 4      // application-level throttle
	codeRateLimitHit      = 80007  // WABA rate limit
	codeThroughputReached = 130429 // per-sender messages-per-second exceeded
	codeSpamRate          = 131048 // spam rate limit, treated as throttle
	codeMediaDownloadFail = 131052
	codeMediaUploadFail   = 131053
	codeTemporarilyBlocked = 368
	codeAccountLocked     = 131031
	codeTemplatePaused    = 132015
	codeTemplateDisabled  = 132016
	codeRecipientInvalid  = 131026
	codeParamInvalid      = 100
	codeAccessTokenError  = 190
)

// Classify maps an HTTP status plus a parsed Meta error body onto a
// fault.Kind. apiErr may be nil when the body was not parseable.
func Classify(httpStatus int, apiErr *MetaAPIError) fault.Kind {
	if apiErr != nil {
		switch apiErr.Error.Code {
		case codeTooManyCalls, codeRateLimitHit, codeThroughputReached, codeSpamRate:
			return fault.KindRateLimited
		case codeMediaDownloadFail, codeMediaUploadFail:
			return fault.KindMediaExpired
		case codeTemporarilyBlocked, codeAccountLocked, codeTemplatePaused, codeTemplateDisabled:
			return fault.KindPolicyRejected
		case codeAccessTokenError:
			return fault.KindAuth
		case codeRecipientInvalid, codeParamInvalid:
			return fault.KindPermanent
		}
		if apiErr.Error.Type == "OAuthException" {
			return fault.KindAuth
		}
		// Stale header-media weblinks surface as 403s that name the URL
		if httpStatus == 403 && mentionsMedia(apiErr.Error.Message+" "+apiErr.Error.ErrorData.Details) {
			return fault.KindMediaExpired
		}
	}

	switch {
	case httpStatus == 401:
		return fault.KindAuth
	case httpStatus == 429:
		return fault.KindRateLimited
	case httpStatus >= 500:
		return fault.KindTransient
	}
	return fault.KindPermanent
}

// ClassifyStatusError maps an error carried on a failed webhook status
// notification onto a kind, for the ingestor's failure handling.
func ClassifyStatusError(code int, message string) fault.Kind {
	var apiErr MetaAPIError
	apiErr.Error.Code = code
	apiErr.Error.Message = message
	return Classify(0, &apiErr)
}

func mentionsMedia(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "media") || strings.Contains(s, "url") || strings.Contains(s, "weblink")
}
