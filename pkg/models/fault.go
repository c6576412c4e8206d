package models

import "fmt"

// Fault is the machine-stable error shape surfaced on the event stream
// and stored with failed workers. Code is stable; Message is for humans.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Fault codes. These are the only codes that cross the API boundary.
const (
	CodeAdmissionDenied       = "admission_denied"
	CodeConfigIncomplete      = "config_incomplete"
	CodeContextTooLarge       = "context_too_large"
	CodeWorkerError           = "worker_error"
	CodeStageDegraded         = "stage_degraded"
	CodeStageFailed           = "stage_failed"
	CodeStopped               = "stopped"
	CodePersistenceDivergence = "persistence_divergence"

	// Gateway-level causes carried inside worker_error faults.
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodeServerError = "server_error"
	CodeBadRequest  = "bad_request"
	CodeCancelled   = "cancelled"
)

func (f Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFault builds a Fault with a formatted message.
func NewFault(code, format string, args ...any) Fault {
	return Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}
