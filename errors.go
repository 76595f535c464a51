package authgate

import (
	"errors"
	"net/http"

	"github.com/it-era/authgate/ratelimit"
	"github.com/it-era/authgate/session"
	"github.com/it-era/authgate/token"
)

var (
	ErrInvalidCredentials = errors.New("authgate: invalid credentials")
	ErrMissingToken       = errors.New("authgate: missing bearer token")
	ErrNotSessionOwner    = errors.New("authgate: session belongs to another user")
	ErrMalformedRequest   = errors.New("authgate: malformed request")
)

// apiError is the wire shape of every error response. Raw internals never
// reach the client; the code is the machine-readable taxonomy entry.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// httpStatusFor maps internal failures onto the response status: 401 for
// credential problems, 403 for locked or foreign sessions, 429 for
// admission denials, 400 for bad input, 500 otherwise.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotSessionOwner), errors.Is(err, session.ErrLocked):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return http.StatusUnauthorized
	}

	if code, ok := token.CodeOf(err); ok {
		if code == token.CodeSuspiciousActivity {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	}

	return http.StatusInternalServerError
}

// errorCodeFor returns the taxonomy code accompanying an error response.
func errorCodeFor(err error) string {
	if code, ok := token.CodeOf(err); ok {
		return string(code)
	}

	switch {
	case errors.Is(err, ErrMalformedRequest):
		return "MALFORMED_REQUEST"
	case errors.Is(err, ErrMissingToken):
		return "MISSING_TOKEN"
	case errors.Is(err, ErrInvalidCredentials):
		return "INVALID_CREDENTIALS"
	case errors.Is(err, ErrNotSessionOwner):
		return "SESSION_OWNERSHIP"
	case errors.Is(err, session.ErrNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, session.ErrLocked):
		return "SESSION_LOCKED"
	}
	return "INTERNAL_ERROR"
}

// clientMessageFor keeps outbound messages generic.
func clientMessageFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusUnauthorized:
		return "authentication failed"
	case http.StatusForbidden:
		return "access denied"
	case http.StatusNotFound:
		return "not found"
	case http.StatusMethodNotAllowed:
		return "method not allowed"
	case http.StatusTooManyRequests:
		return "too many requests"
	default:
		return "internal error"
	}
}

// denialCode maps a rate-limit denial reason to its taxonomy code.
func denialCode(result *ratelimit.Result) string {
	if result.Reason != "" {
		return result.Reason
	}
	return ratelimit.ReasonRateLimit
}
