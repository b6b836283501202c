package settle

import (
	"errors"
	"fmt"

	"github.com/x402-foundation/x402/settle/types"
)

// SettlementError is a handshake or request error with a machine-readable
// code.
type SettlementError struct {
	Code    types.ErrorCode        `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewSettlementError creates a new settlement error
func NewSettlementError(code types.ErrorCode, message string, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrMissingExport   = errors.New("settle: sealedExport is required")
	ErrMissingExportID = errors.New("settle: sealedExport.exportId is required")
	ErrSenderMismatch  = errors.New("settle: sender does not match the payment proof")

	// ErrOutcomeUnknown is returned by OutcomeStore.Wait when an export has
	// neither a run in flight nor a recorded outcome.
	ErrOutcomeUnknown = errors.New("settle: no outcome recorded for export")
)

// FailureCode maps a pipeline failure to its error code.
func FailureCode(f *types.SettlementFailure) types.ErrorCode {
	if f == nil {
		return ""
	}
	if f.IsPolicyBreach {
		return types.ErrCodePolicyBreach
	}
	switch f.FailedStage {
	case types.FailedAuth:
		return types.ErrCodeAuthFailed
	case types.FailedSign:
		return types.ErrCodeSignFailed
	case types.FailedBroadcast:
		return types.ErrCodeBroadcastFailed
	default:
		return types.ErrCodeValidationFailed
	}
}
