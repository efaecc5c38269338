package planerr

import (
	"regexp"
	"strings"
)

// ErrorType classifies why a tool call failed.
type ErrorType string

const (
	ErrorRateLimit          ErrorType = "rate_limit"
	ErrorTimeout            ErrorType = "timeout"
	ErrorNetwork            ErrorType = "network_error"
	ErrorServiceUnavailable ErrorType = "service_unavailable"
	ErrorAuthentication     ErrorType = "authentication"
	ErrorPermission         ErrorType = "permission"
	ErrorValidation         ErrorType = "validation"
	ErrorNotFound           ErrorType = "not_found"
	ErrorConflict           ErrorType = "conflict"
	ErrorUnknown            ErrorType = "unknown"
)

// IsTransient reports whether the same call may succeed if repeated.
func (t ErrorType) IsTransient() bool {
	switch t {
	case ErrorRateLimit, ErrorTimeout, ErrorNetwork, ErrorServiceUnavailable:
		return true
	}
	return false
}

// patterns are tried in order; the first match wins. Status codes only match
// as whole words so ids such as "task-4290" are not read as a 429.
var patterns = []struct {
	typ ErrorType
	re  *regexp.Regexp
}{
	{ErrorRateLimit, regexp.MustCompile(`rate.?limit|too many requests|quota exceeded|throttl|\b429\b`)},
	{ErrorTimeout, regexp.MustCompile(`timed? ?out|timeout|deadline exceeded|\b408\b|\b504\b`)},
	{ErrorServiceUnavailable, regexp.MustCompile(`service unavailable|temporarily unavailable|bad gateway|overloaded|maintenance|\b502\b|\b503\b`)},
	{ErrorNetwork, regexp.MustCompile(`connection (refused|reset|closed)|network|econn|enotfound|no such host|dns|broken pipe|unexpected eof|socket`)},
	{ErrorAuthentication, regexp.MustCompile(`unauthori[sz]ed|unauthenticated|authentication|invalid (api )?key|invalid token|token expired|expired token|credentials|\b401\b`)},
	{ErrorPermission, regexp.MustCompile(`permission|forbidden|access denied|not allowed|insufficient (scope|privileges)|\b403\b`)},
	{ErrorNotFound, regexp.MustCompile(`not found|does not exist|no such|unknown (id|resource)|\b404\b`)},
	{ErrorConflict, regexp.MustCompile(`conflict|already exists|duplicate|version mismatch|\b409\b`)},
	{ErrorValidation, regexp.MustCompile(`invalid|validation|required|malformed|must be|out of range|parse error|bad request|\b400\b|\b422\b`)},
}

// ClassifyError maps a tool error message onto an ErrorType.
func ClassifyError(msg string) ErrorType {
	lower := strings.ToLower(msg)
	if strings.TrimSpace(lower) == "" {
		return ErrorUnknown
	}
	for _, p := range patterns {
		if p.re.MatchString(lower) {
			return p.typ
		}
	}
	return ErrorUnknown
}

// ClassifyFailure prefers the structured kind a tool engine reported and
// falls back to the message.
func ClassifyFailure(kind string, msg string) ErrorType {
	switch t := ErrorType(strings.ToLower(strings.TrimSpace(kind))); t {
	case ErrorRateLimit, ErrorTimeout, ErrorNetwork, ErrorServiceUnavailable,
		ErrorAuthentication, ErrorPermission, ErrorValidation, ErrorNotFound, ErrorConflict:
		return t
	}
	return ClassifyError(msg)
}
