// Package errorir defines the canonical error representation shared by the
// payment core: a machine-readable code, a reason code, human-readable detail
// and a retry classification.
package errorir

import (
	"errors"
	"fmt"
	"net/http"
)

// Classification tells a caller what it may do with a failed operation.
const (
	ClassificationRetryable            = "RETRYABLE"
	ClassificationNonRetryable         = "NON_RETRYABLE"
	ClassificationIdempotentSafe       = "IDEMPOTENT_SAFE"
	ClassificationCompensationRequired = "COMPENSATION_REQUIRED"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeConflict       Code = "CONFLICT"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidConsent Code = "INVALID_CONSENT"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeInvalidLine    Code = "INVALID_LINE"
	CodeUnbalanced     Code = "UNBALANCED"
	CodeDenied         Code = "DENIED"
	CodeRejected       Code = "REJECTED"
	CodeNoEligibleRail Code = "NO_ELIGIBLE_RAIL"
	CodeDuplicateEntry Code = "DUPLICATE_ENTRY"
	CodeEntryMismatch  Code = "ENTRY_MISMATCH"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeRailTransient  Code = "RAIL_TRANSIENT"
	CodeRailPermanent  Code = "RAIL_PERMANENT"
	CodeTimeout        Code = "TIMEOUT"
	CodeCancelled      Code = "CANCELLED"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeInternal       Code = "INTERNAL"
)

var defaultClassification = map[Code]string{
	CodeConflict:       ClassificationNonRetryable,
	CodeNotFound:       ClassificationNonRetryable,
	CodeInvalidConsent: ClassificationNonRetryable,
	CodeInvalidRequest: ClassificationNonRetryable,
	CodeInvalidLine:    ClassificationNonRetryable,
	CodeUnbalanced:     ClassificationNonRetryable,
	CodeDenied:         ClassificationNonRetryable,
	CodeRejected:       ClassificationNonRetryable,
	CodeNoEligibleRail: ClassificationNonRetryable,
	CodeDuplicateEntry: ClassificationIdempotentSafe,
	CodeEntryMismatch:  ClassificationNonRetryable,
	CodeInvalidState:   ClassificationNonRetryable,
	CodeRailTransient:  ClassificationRetryable,
	CodeRailPermanent:  ClassificationCompensationRequired,
	CodeTimeout:        ClassificationRetryable,
	CodeCancelled:      ClassificationCompensationRequired,
	CodeUnauthorized:   ClassificationNonRetryable,
	CodeInternal:       ClassificationNonRetryable,
}

// Error is the canonical error value. Two Errors match under errors.Is when
// their codes match and the target's reason is empty or equal.
type Error struct {
	Code           Code   `json:"code"`
	Reason         string `json:"reason,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Classification string `json:"classification"`
	Cause          error  `json:"-"`
}

// New builds an Error with the default classification for code.
func New(code Code, reason, detail string) *Error {
	return &Error{
		Code:           code,
		Reason:         reason,
		Detail:         detail,
		Classification: Classify(code),
	}
}

// Newf is New with a formatted detail.
func Newf(code Code, reason, format string, args ...any) *Error {
	return New(code, reason, fmt.Sprintf(format, args...))
}

// Wrap attaches cause to a new Error.
func Wrap(cause error, code Code, reason, detail string) *Error {
	e := New(code, reason, detail)
	e.Cause = cause
	return e
}

// Classify returns the default classification of code.
func Classify(code Code) string {
	if c, ok := defaultClassification[code]; ok {
		return c
	}
	return ClassificationNonRetryable
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports code (and, when set on target, reason) equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// WithDetail returns a copy of e carrying detail. Used to decorate sentinels.
func (e *Error) WithDetail(format string, args ...any) *Error {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's code, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsRetryable reports whether err may be retried as-is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Classification == ClassificationRetryable
	}
	return false
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeConflict, CodeEntryMismatch, CodeInvalidState:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidConsent, CodeInvalidLine, CodeUnbalanced, CodeInvalidRequest:
		return http.StatusUnprocessableEntity
	case CodeDenied, CodeRejected, CodeNoEligibleRail:
		return http.StatusForbidden
	case CodeDuplicateEntry:
		return http.StatusOK
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRailTransient, CodeTimeout:
		return http.StatusServiceUnavailable
	case CodeRailPermanent:
		return http.StatusBadGateway
	case CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
