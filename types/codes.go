package types

// ErrorCode is a machine-readable failure code carried in challenges and
// error responses.
type ErrorCode string

const (
	ErrCodeMalformedProof         ErrorCode = "malformed_proof"
	ErrCodeInvalidSignature       ErrorCode = "invalid_signature"
	ErrCodeGroupIntegrityMismatch ErrorCode = "group_integrity_mismatch"
	ErrCodeReplayDetected         ErrorCode = "replay_detected"
	ErrCodeValidationFailed       ErrorCode = "validation_failed"
	ErrCodeAuthFailed             ErrorCode = "auth_failed"
	ErrCodeSignFailed             ErrorCode = "sign_failed"
	ErrCodeBroadcastFailed        ErrorCode = "broadcast_failed"
	ErrCodePolicyBreach           ErrorCode = "policy_breach"
	ErrCodeBatchSizeExceeded      ErrorCode = "batch_size_exceeded"
	ErrCodeSealMismatch           ErrorCode = "seal_mismatch"
	ErrCodeInvalidRequest         ErrorCode = "invalid_request"
	ErrCodeIdempotencyUnavailable ErrorCode = "idempotency_unavailable"
)
