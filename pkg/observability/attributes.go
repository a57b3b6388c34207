package observability

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

// Payment semantic convention attributes.
var (
	AttrWorkflowID = attribute.Key("paycore.workflow.id")
	AttrConsentID  = attribute.Key("paycore.consent.id")
	AttrRail       = attribute.Key("paycore.rail")
	AttrStep       = attribute.Key("paycore.step")
	AttrRoute      = attribute.Key("http.route")
	AttrErrorCode  = attribute.Key("paycore.error.code")
)

// HTTPStatusError carries a response status into TrackOperation's error path.
type HTTPStatusError struct {
	Status int
	Code   string
}

func (e *HTTPStatusError) Error() string { return e.Code }

func errorCode(err error) string {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return string(errorir.CodeOf(err))
}
