package core

// Error codes reported back to the originating socket as typed error events.
const (
	ErrCodeUnauthenticated         = "UNAUTHENTICATED"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeUserOffline             = "USER_OFFLINE"
	ErrCodeCallInProgress          = "CALL_IN_PROGRESS"
	ErrCodeAgeVerificationRequired = "AGE_VERIFICATION_REQUIRED"
	ErrCodeSlowMode                = "SLOWMODE"
	ErrCodePermissionDenied        = "PERMISSION_DENIED"
	ErrCodeInvalidArgument         = "INVALID_ARGUMENT"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL"
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// NewError builds a CoreError with the given code.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// AsCoreError coerces any error into a CoreError, defaulting to INTERNAL.
func AsCoreError(err error) *CoreError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CoreError); ok {
		return ce
	}
	return &CoreError{Code: ErrCodeInternal, Message: err.Error()}
}
