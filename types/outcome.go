package types

import "time"

// Stage names a pipeline state.
type Stage string

const (
	StageValidating     Stage = "validating"
	StageAuthenticating Stage = "authenticating"
	StageSigning        Stage = "signing"
	StageBroadcasting   Stage = "broadcasting"
	StageConfirmed      Stage = "confirmed"
	StageFailed         Stage = "failed"
)

// FailedStage is reported in a settlement failure.
type FailedStage string

const (
	FailedValidation FailedStage = "validation"
	FailedAuth       FailedStage = "auth"
	FailedSign       FailedStage = "sign"
	FailedBroadcast  FailedStage = "broadcast"
)

// OracleSnapshot records the price data a validation ran against.
type OracleSnapshot struct {
	Pair          string    `json:"pair"`
	Price         uint64    `json:"price"`
	Timestamp     time.Time `json:"timestamp"`
	DeviationBips int64     `json:"deviationBips"`
}

// RuleFlags holds the pass/fail state of each gatekeeper rule.
type RuleFlags struct {
	Toll        bool `json:"toll"`
	Signer      bool `json:"signer"`
	OraclePrice bool `json:"oraclePrice"`
	OracleFresh bool `json:"oracleFresh"`
}

// ValidationResult is always complete. Every rule is evaluated and every
// violation listed.
type ValidationResult struct {
	Valid          bool            `json:"valid"`
	Rules          RuleFlags       `json:"rules"`
	Errors         []string        `json:"errors"`
	OracleSnapshot *OracleSnapshot `json:"oracleSnapshot,omitempty"`
}

type SettlementSuccess struct {
	TxnID          string    `json:"txnId"`
	ConfirmedRound uint64    `json:"confirmedRound"`
	GroupID        string    `json:"groupId"`
	TxnCount       int       `json:"txnCount"`
	SettledAt      time.Time `json:"settledAt"`
}

type SettlementFailure struct {
	FailedStage    FailedStage `json:"failedStage"`
	Reason         string      `json:"reason"`
	IsPolicyBreach bool        `json:"isPolicyBreach"`
}

// SettlementOutcome holds exactly one of Success or Failure.
type SettlementOutcome struct {
	ExportID string             `json:"exportId"`
	CallerID string             `json:"callerId"`
	Success  *SettlementSuccess `json:"success,omitempty"`
	Failure  *SettlementFailure `json:"failure,omitempty"`
	Oracle   *OracleSnapshot    `json:"oracle,omitempty"`
	// Replayed is set when the outcome was recorded by an earlier submission
	// of the same export.
	Replayed bool `json:"replayed,omitempty"`
}

// Confirmed reports whether the outcome is a success.
func (o SettlementOutcome) Confirmed() bool {
	return o.Success != nil
}

// AuditEvent is emitted once per terminal outcome.
type AuditEvent struct {
	ExportID  string            `json:"exportId"`
	CallerID  string            `json:"callerId"`
	Network   string            `json:"network"`
	BatchSize int               `json:"batchSize"`
	Outcome   SettlementOutcome `json:"outcome"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}
