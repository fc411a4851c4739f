package provider

import (
	"net/http"

	pkgerrors "github.com/kevin07696/refund-reconciler/pkg/errors"
)

// ResponseCodeInfo describes how a provider refund code is handled
type ResponseCodeInfo struct {
	Code        string
	Description string
	Category    pkgerrors.ErrorCategory
	UserMessage string
	IsRetriable bool
}

var refundResponseCodes = map[string]ResponseCodeInfo{
	"payment_not_found": {
		Code:        "payment_not_found",
		Description: "Provider has no payment with this id",
		Category:    pkgerrors.CategoryUnknownPayment,
		UserMessage: "payment is unknown to the provider",
	},
	"already_refunded": {
		Code:        "already_refunded",
		Description: "Payment was already fully refunded at the provider",
		Category:    pkgerrors.CategoryAlreadyRefunded,
		UserMessage: "payment already fully refunded at the provider",
	},
	"amount_exceeds_capture": {
		Code:        "amount_exceeds_capture",
		Description: "Refund exceeds the provider's refundable amount",
		Category:    pkgerrors.CategoryInvalidRequest,
		UserMessage: "refund amount exceeds what the provider allows",
	},
	"refund_declined": {
		Code:        "refund_declined",
		Description: "Provider declined the refund",
		Category:    pkgerrors.CategoryDeclined,
		UserMessage: "refund declined by the provider",
	},
	"invalid_request": {
		Code:        "invalid_request",
		Description: "Provider rejected the request as malformed",
		Category:    pkgerrors.CategoryInvalidRequest,
		UserMessage: "refund request rejected as invalid by the provider",
	},
	"idempotency_key_reused": {
		Code:        "idempotency_key_reused",
		Description: "Idempotency key was used with different parameters",
		Category:    pkgerrors.CategoryInvalidRequest,
		UserMessage: "idempotency key already used for a different refund at the provider",
	},
	"idempotency_in_progress": {
		Code:        "idempotency_in_progress",
		Description: "A request with this idempotency key is still processing",
		Category:    pkgerrors.CategoryInProgress,
		UserMessage: "refund is still being processed by the provider",
		IsRetriable: true,
	},
	"unauthorized": {
		Code:        "unauthorized",
		Description: "Credential rejected",
		Category:    pkgerrors.CategoryAuthentication,
		UserMessage: "payment provider rejected the credentials",
	},
	"rate_limited": {
		Code:        "rate_limited",
		Description: "Too many requests",
		Category:    pkgerrors.CategoryRateLimited,
		UserMessage: "payment provider is throttling requests",
		IsRetriable: true,
	},
	"provider_error": {
		Code:        "provider_error",
		Description: "Provider-side failure",
		Category:    pkgerrors.CategorySystemError,
		UserMessage: "payment provider is temporarily unavailable",
		IsRetriable: true,
	},
	"refund_pending": {
		Code:        "refund_pending",
		Description: "Provider accepted the refund but has not settled it",
		Category:    pkgerrors.CategoryInProgress,
		UserMessage: "refund is still being processed by the provider",
		IsRetriable: true,
	},
	"invalid_response": {
		Code:        "invalid_response",
		Description: "Provider response could not be parsed",
		Category:    pkgerrors.CategorySystemError,
		UserMessage: "payment provider returned an unreadable response",
		IsRetriable: true,
	},
}

// GetResponseCode returns the handling for a provider code. Unknown codes are
// treated as a permanent decline.
func GetResponseCode(code string) ResponseCodeInfo {
	if info, ok := refundResponseCodes[code]; ok {
		return info
	}
	return ResponseCodeInfo{
		Code:        code,
		Description: "Unrecognised provider code",
		Category:    pkgerrors.CategoryDeclined,
		UserMessage: "refund declined by the provider",
	}
}

// codeForStatus picks a fallback code when the provider body carries none.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "provider_error"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "unauthorized"
	case status == http.StatusNotFound:
		return "payment_not_found"
	case status == http.StatusConflict:
		return "idempotency_key_reused"
	default:
		return "invalid_request"
	}
}

// ToGatewayError converts the code into a classified gateway error.
// HTTP 429 and 5xx are transient whatever code the body carries.
func (r ResponseCodeInfo) ToGatewayError(httpStatus int, gatewayMessage string) *pkgerrors.GatewayError {
	ge := pkgerrors.NewGatewayError(r.Code, r.UserMessage, r.Category, r.IsRetriable)
	ge.GatewayMessage = gatewayMessage
	ge.HTTPStatus = httpStatus
	if httpStatus == http.StatusTooManyRequests || httpStatus >= 500 {
		ge.IsRetriable = true
	}
	return ge
}
