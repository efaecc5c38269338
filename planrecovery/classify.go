package planrecovery

import "github.com/contenox/planengine/planerr"

// ErrorType is the failure taxonomy recovery decisions are made on.
type ErrorType = planerr.ErrorType

const (
	ErrorRateLimit          = planerr.ErrorRateLimit
	ErrorTimeout            = planerr.ErrorTimeout
	ErrorNetwork            = planerr.ErrorNetwork
	ErrorServiceUnavailable = planerr.ErrorServiceUnavailable
	ErrorAuthentication     = planerr.ErrorAuthentication
	ErrorPermission         = planerr.ErrorPermission
	ErrorValidation         = planerr.ErrorValidation
	ErrorNotFound           = planerr.ErrorNotFound
	ErrorConflict           = planerr.ErrorConflict
	ErrorUnknown            = planerr.ErrorUnknown
)

// ClassifyError maps a tool error message onto an ErrorType.
func ClassifyError(msg string) ErrorType {
	return planerr.ClassifyError(msg)
}

// ClassifyFailure prefers the structured kind a tool engine reported and
// falls back to the message.
func ClassifyFailure(kind string, msg string) ErrorType {
	return planerr.ClassifyFailure(kind, msg)
}
