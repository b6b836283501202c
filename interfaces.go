package settle

import (
	"context"

	"github.com/x402-foundation/x402/settle/types"
)

// ============================================================================
// Collaborators
// ============================================================================

// SigningAuthority authenticates callers and signs unsigned groups on their
// behalf. Keys never enter this process's settlement path; only the
// authority holds them.
type SigningAuthority interface {
	// Authenticate returns a token proving callerID may sign.
	Authenticate(ctx context.Context, callerID string) (string, error)
	// Sign returns one signed transaction per unsigned transaction, in order.
	Sign(ctx context.Context, group [][]byte, token string) ([][]byte, error)
}

// Receipt describes a confirmed submission.
type Receipt struct {
	TxnID          string
	ConfirmedRound uint64
}

// Broadcaster submits a signed group and waits a bounded number of rounds
// for confirmation.
type Broadcaster interface {
	Submit(ctx context.Context, signed [][]byte) (Receipt, error)
}

// Validator checks an export before signing.
type Validator interface {
	Validate(ctx context.Context, export *types.SealedExport) types.ValidationResult
}

// SealVerifier confirms an export has not been altered since it was built.
type SealVerifier interface {
	Verify(export types.SealedExport) error
}

// ============================================================================
// Export idempotency
// ============================================================================

// ClaimStatus is the result of claiming an export for execution.
type ClaimStatus int

const (
	// ClaimAcquired means the caller owns the run and must Complete it.
	ClaimAcquired ClaimStatus = iota
	// ClaimCached means a terminal outcome is already recorded.
	ClaimCached
	// ClaimInFlight means another caller is running the export now.
	ClaimInFlight
)

// OutcomeStore records the terminal outcome of each export so that it runs
// through the pipeline at most once. Implementations must be safe for
// concurrent use, and Claim must be atomic across every process sharing the
// store.
type OutcomeStore interface {
	// Claim marks exportID in flight unless it already is, or already has
	// an outcome. The outcome is returned only with ClaimCached.
	Claim(ctx context.Context, exportID string) (ClaimStatus, *types.SettlementOutcome, error)

	// Wait blocks until the in-flight run of exportID completes.
	Wait(ctx context.Context, exportID string) (*types.SettlementOutcome, error)

	// Complete records the outcome and releases waiters.
	Complete(ctx context.Context, exportID string, outcome types.SettlementOutcome) error
}
