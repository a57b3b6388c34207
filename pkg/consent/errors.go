package consent

import "github.com/kenhuangus/agent-payment-platform/pkg/errorir"

// Denial reason codes, in the order Authorize checks them.
const (
	ReasonNotFound            = "consent_not_found"
	ReasonRevoked             = "consent_revoked"
	ReasonAgentMismatch       = "agent_mismatch"
	ReasonRailNotPermitted    = "rail_not_permitted"
	ReasonCounterparty        = "counterparty_not_allowed"
	ReasonCurrencyUnsupported = "currency_unsupported"
	ReasonSingleTxnLimit      = "single_txn_limit_exceeded"
	ReasonDailyLimit          = "daily_limit_exceeded"
	ReasonHourlyRate          = "hourly_rate_exceeded"
)

var (
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errorir.New(errorir.CodeNotFound, "consent_not_found", "")
	// ErrConflict is returned by Create when the id exists.
	ErrConflict = errorir.New(errorir.CodeConflict, "consent_exists", "")
	// ErrInvalidConsent is returned by Create for malformed consents.
	ErrInvalidConsent = errorir.New(errorir.CodeInvalidConsent, "", "")
	// ErrDenied matches every denial; compare reasons with errorir.As.
	ErrDenied = errorir.New(errorir.CodeDenied, "", "")
	// ErrDailyLimit and ErrHourlyRate are returned by usage windows.
	ErrDailyLimit = errorir.New(errorir.CodeDenied, ReasonDailyLimit, "")
	ErrHourlyRate = errorir.New(errorir.CodeDenied, ReasonHourlyRate, "")
)

func denied(reason, format string, args ...any) error {
	return errorir.Newf(errorir.CodeDenied, reason, format, args...)
}

func invalid(reason, format string, args ...any) error {
	return errorir.Newf(errorir.CodeInvalidConsent, reason, format, args...)
}

// DenialReason returns the reason code of a denial, or "" when err is not one.
func DenialReason(err error) string {
	e, ok := errorir.As(err)
	if !ok || e.Code != errorir.CodeDenied {
		return ""
	}
	return e.Reason
}
