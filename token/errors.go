package token

import "errors"

// ErrorCode is the stable machine-readable reason a credential was
// rejected. Codes never carry raw internals and are safe to return to
// clients.
type ErrorCode string

const (
	CodeInvalidFormat      ErrorCode = "INVALID_TOKEN_FORMAT"
	CodeInvalidStructure   ErrorCode = "INVALID_TOKEN_STRUCTURE"
	CodeBlacklisted        ErrorCode = "TOKEN_BLACKLISTED"
	CodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	CodeExpired            ErrorCode = "TOKEN_EXPIRED"
	CodeSecurityValidation ErrorCode = "SECURITY_VALIDATION_FAILED"
	CodeSuspiciousActivity ErrorCode = "SUSPICIOUS_ACTIVITY"
	CodeVerification       ErrorCode = "VERIFICATION_ERROR"
	CodeUserInactive       ErrorCode = "USER_INACTIVE"
)

// Error is the typed failure returned by the public Service contract.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the ErrorCode from an error returned by this package.
// The second result is false for foreign errors.
func CodeOf(err error) (ErrorCode, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}
