package settle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/types"
)

// StageTimeouts bound each pipeline stage.
type StageTimeouts struct {
	Validate     time.Duration
	Authenticate time.Duration
	Sign         time.Duration
	Broadcast    time.Duration
}

// DefaultStageTimeouts leaves room for a broadcaster that waits ten rounds.
var DefaultStageTimeouts = StageTimeouts{
	Validate:     10 * time.Second,
	Authenticate: 10 * time.Second,
	Sign:         15 * time.Second,
	Broadcast:    60 * time.Second,
}

// policyBreachPattern matches errors raised when the ledger's own spending
// policy program refuses a transaction.
var policyBreachPattern = regexp.MustCompile(`(?i)(logic eval error|rejected by logic|approval ?program|spending policy|policy (check|violation)|assert failed)`)

// IsPolicyBreach reports whether err text looks like an on-chain policy
// rejection.
func IsPolicyBreach(err error) bool {
	return err != nil && policyBreachPattern.MatchString(err.Error())
}

// Pipeline carries a sealed export through Validating, Authenticating,
// Signing and Broadcasting. Each stage runs once, in order, and the first
// failure is terminal.
type Pipeline struct {
	validator   Validator
	seals       SealVerifier
	authority   SigningAuthority
	broadcaster Broadcaster
	timeouts    StageTimeouts
	now         func() time.Time
	logger      zerolog.Logger

	mu           sync.RWMutex
	settledHooks []SettledHook
	failedHooks  []FailedHook
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithSealVerifier rejects exports whose seal does not verify
func WithSealVerifier(v SealVerifier) PipelineOption {
	return func(p *Pipeline) {
		p.seals = v
	}
}

// WithStageTimeouts overrides DefaultStageTimeouts
func WithStageTimeouts(t StageTimeouts) PipelineOption {
	return func(p *Pipeline) {
		p.timeouts = t
	}
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

func WithPipelineLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// NewPipeline creates a settlement pipeline
func NewPipeline(validator Validator, authority SigningAuthority, broadcaster Broadcaster, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		validator:   validator,
		authority:   authority,
		broadcaster: broadcaster,
		timeouts:    DefaultStageTimeouts,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run is the state of one execution.
type run struct {
	export   *types.SealedExport
	callerID string
	stage    types.Stage
	oracle   *types.OracleSnapshot
	started  time.Time
	logger   zerolog.Logger
}

// Execute runs export to a terminal state. It keeps going after ctx is
// cancelled; each stage is bounded by its own timeout instead.
func (p *Pipeline) Execute(ctx context.Context, export *types.SealedExport, callerID string) types.SettlementOutcome {
	ctx = context.WithoutCancel(ctx)
	r := &run{
		export:   export,
		callerID: callerID,
		stage:    types.StageValidating,
		started:  p.now(),
		logger:   p.logger.With().
			Str("export_id", export.ExportID).
			Str("caller_id", callerID).
			Logger(),
	}

	outcome := p.advance(ctx, r)
	outcome.ExportID = export.ExportID
	outcome.CallerID = callerID
	outcome.Oracle = r.oracle

	p.emit(types.AuditEvent{
		ExportID:  export.ExportID,
		CallerID:  callerID,
		Network:   export.Routing.Network,
		BatchSize: export.BatchSize,
		Outcome:   outcome,
		Duration:  p.now().Sub(r.started),
		Timestamp: p.now(),
	})
	return outcome
}

func (p *Pipeline) advance(ctx context.Context, r *run) types.SettlementOutcome {
	// Validating
	if reason, ok := p.validate(ctx, r); !ok {
		return p.fail(r, types.FailedValidation, reason, false)
	}

	// Authenticating
	r.stage = types.StageAuthenticating
	token, err := p.authenticate(ctx, r.callerID)
	if err != nil {
		return p.fail(r, types.FailedAuth, err.Error(), false)
	}

	// Signing
	r.stage = types.StageSigning
	signed, err := p.sign(ctx, r.export.AtomicGroup.Transactions, token)
	if err != nil {
		return p.fail(r, types.FailedSign, err.Error(), IsPolicyBreach(err))
	}

	// Broadcasting
	r.stage = types.StageBroadcasting
	receipt, err := p.broadcast(ctx, signed)
	if err != nil {
		return p.fail(r, types.FailedBroadcast, err.Error(), IsPolicyBreach(err))
	}

	r.stage = types.StageConfirmed
	gid, _ := chain.DigestFromBytes(r.export.AtomicGroup.GroupID)
	r.logger.Info().
		Str("txn_id", receipt.TxnID).
		Uint64("confirmed_round", receipt.ConfirmedRound).
		Msg("settlement confirmed")
	return types.SettlementOutcome{
		Success: &types.SettlementSuccess{
			TxnID:          receipt.TxnID,
			ConfirmedRound: receipt.ConfirmedRound,
			GroupID:        gid.String(),
			TxnCount:       r.export.AtomicGroup.TxnCount,
			SettledAt:      p.now().UTC(),
		},
	}
}

// VerifySeal checks export against the configured seal verifier. Without
// one every export passes.
func (p *Pipeline) VerifySeal(export types.SealedExport) error {
	if p.seals == nil {
		return nil
	}
	return p.seals.Verify(export)
}

func (p *Pipeline) validate(ctx context.Context, r *run) (string, bool) {
	if err := p.VerifySeal(*r.export); err != nil {
		return fmt.Sprintf("%s: %v", types.ErrCodeSealMismatch, err), false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Validate)
	defer cancel()

	result := p.validator.Validate(ctx, r.export)
	r.oracle = result.OracleSnapshot
	if !result.Valid {
		if len(result.Errors) == 0 {
			return "validation failed", false
		}
		return strings.Join(result.Errors, "; "), false
	}
	return "", true
}

func (p *Pipeline) authenticate(ctx context.Context, callerID string) (string, error) {
	if callerID == "" {
		return "", errors.New("callerId is required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Authenticate)
	defer cancel()

	token, err := p.authority.Authenticate(ctx, callerID)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("signing authority returned an empty token")
	}
	return token, nil
}

func (p *Pipeline) sign(ctx context.Context, group [][]byte, token string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Sign)
	defer cancel()

	signed, err := p.authority.Sign(ctx, group, token)
	if err != nil {
		return nil, err
	}
	if len(signed) != len(group) {
		return nil, fmt.Errorf("signing authority returned %d transactions for a group of %d", len(signed), len(group))
	}
	return signed, nil
}

func (p *Pipeline) broadcast(ctx context.Context, signed [][]byte) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Broadcast)
	defer cancel()

	receipt, err := p.broadcaster.Submit(ctx, signed)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.TxnID == "" {
		return Receipt{}, errors.New("broadcaster returned no transaction id")
	}
	return receipt, nil
}

func (p *Pipeline) fail(r *run, stage types.FailedStage, reason string, breach bool) types.SettlementOutcome {
	r.stage = types.StageFailed
	event := r.logger.Warn()
	if breach {
		event = r.logger.Error()
	}
	event.Str("stage", string(stage)).
		Bool("policy_breach", breach).
		Str("reason", reason).
		Msg("settlement failed")
	return types.SettlementOutcome{
		Failure: &types.SettlementFailure{
			FailedStage:    stage,
			Reason:         reason,
			IsPolicyBreach: breach,
		},
	}
}
