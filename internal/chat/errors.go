package chat

import "errors"

// ErrNotReady is returned when a send is attempted while the session phase
// is not READY.
var ErrNotReady = errors.New("chat client not ready")

// Code identifies a delivery or session failure class. Codes are surfaced to
// API consumers unchanged, so they are stable strings.
type Code string

const (
	CodeClientNotReady    Code = "CLIENT_NOT_READY"
	CodeInvalidPhone      Code = "INVALID_PHONE"
	CodeMissingPhone      Code = "MISSING_PHONE"
	CodeSendFailed        Code = "SEND_FAILED"
	CodeSendError         Code = "SEND_ERROR"
	CodeStudentNotFound   Code = "STUDENT_NOT_FOUND"
	CodeNotificationError Code = "NOTIFICATION_ERROR"
	CodeAuthFailure       Code = "AUTH_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
	CodeTransportError    Code = "TRANSPORT_ERROR"
)
