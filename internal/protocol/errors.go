package protocol

import "fmt"

// Error codes that appear on the wire. Clients switch on the code, the
// message is advisory only.
const (
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeRoomFull          = "ROOM_FULL"
	CodeAlreadyInRoom     = "ALREADY_IN_ROOM"
	CodeNotInRoom         = "NOT_IN_ROOM"
	CodeAlreadyInVoice    = "ALREADY_IN_VOICE"
	CodeNotInVoice        = "NOT_IN_VOICE"
	CodeGuestCannotChat   = "GUEST_CANNOT_CHAT"
	CodeForbidden         = "FORBIDDEN"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeInvalidPassword   = "INVALID_PASSWORD"
	CodeInvalidSignal     = "INVALID_SIGNAL"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeConflictExceeded  = "CONFLICT_EXCEEDED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Error is the wire-visible error envelope. Engines return *Error for
// failures the offending client should see; anything else is treated as
// internal and mapped to INTERNAL_ERROR at the gateway boundary.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a wire error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsWireError maps any error to the envelope sent to the client. Unknown
// errors are collapsed to INTERNAL_ERROR so internal details never leak.
func AsWireError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}
}
