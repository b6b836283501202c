package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/builder"
	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/paygate"
	"github.com/x402-foundation/x402/settle/price"
	"github.com/x402-foundation/x402/settle/types"
)

// Instructions accompany every sealed export.
const Instructions = "This export contains only unsigned transactions. Submit it unchanged " +
	"with your callerId to POST /v1/settlements; the signing authority signs and broadcasts " +
	"the whole group atomically. The export can be executed once."

// PaymentGate runs the 402 handshake.
type PaymentGate interface {
	Evaluate(ctx context.Context, header string) paygate.Decision
	Challenge(errMsg string) *types.PaymentTerms
}

// ExportBuilder builds sealed exports.
type ExportBuilder interface {
	BuildBatch(ctx context.Context, sender chain.Address, intents []types.TradeIntent) (*types.SealedExport, error)
	// BridgeEnabled reports whether intents with a destination chain can
	// be built.
	BridgeEnabled() bool
}

// ActionRequest is the body of a construct-action request.
type ActionRequest struct {
	Sender               string              `json:"sender"`
	Amount               *uint64             `json:"amount,omitempty"`
	DestinationChain     *string             `json:"destinationChain,omitempty"`
	DestinationRecipient *string             `json:"destinationRecipient,omitempty"`
	Intents              []types.TradeIntent `json:"intents,omitempty"`
}

// TradeIntents returns the request as a list of intents. slippageBips, when
// set, fills in every intent that has no tolerance of its own.
func (r ActionRequest) TradeIntents(slippageBips *uint64) []types.TradeIntent {
	var intents []types.TradeIntent
	if len(r.Intents) > 0 {
		intents = append(intents, r.Intents...)
	} else {
		intents = []types.TradeIntent{{
			Amount:               r.Amount,
			DestinationChain:     r.DestinationChain,
			DestinationRecipient: r.DestinationRecipient,
		}}
	}
	for i := range intents {
		if intents[i].SlippageBips == nil {
			intents[i].SlippageBips = slippageBips
		}
	}
	return intents
}

// Service is the settlement engine: handshake, build and execute.
type Service struct {
	gate     PaymentGate
	builder  ExportBuilder
	pipeline *Pipeline
	outcomes OutcomeStore
	logger   zerolog.Logger
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithOutcomeStore sets the idempotency store (default: in-memory, 24h)
func WithOutcomeStore(store OutcomeStore) ServiceOption {
	return func(s *Service) {
		s.outcomes = store
	}
}

func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a settlement service
func NewService(gate PaymentGate, b ExportBuilder, pipeline *Pipeline, opts ...ServiceOption) *Service {
	s := &Service{
		gate:     gate,
		builder:  b,
		pipeline: pipeline,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.outcomes == nil {
		s.outcomes = NewOutcomeCache(DefaultOutcomeTTL)
	}
	return s
}

// Terms returns the payment terms without an error.
func (s *Service) Terms() *types.PaymentTerms {
	return s.gate.Challenge("")
}

// Authorize runs the payment handshake for header.
func (s *Service) Authorize(ctx context.Context, header string) paygate.Decision {
	return s.gate.Evaluate(ctx, header)
}

// ValidateActionRequest checks the business fields of a request. It runs
// before the payment proof is looked at, so a request the builder would
// refuse never consumes a nonce.
func (s *Service) ValidateActionRequest(req ActionRequest, slippageBips *uint64) error {
	intents := req.TradeIntents(slippageBips)
	if len(intents) > builder.MaxBatchSize {
		return NewSettlementError(types.ErrCodeBatchSizeExceeded,
			fmt.Sprintf("batch of %d intents exceeds the limit of %d", len(intents), builder.MaxBatchSize),
			map[string]interface{}{"field": "intents", "limit": builder.MaxBatchSize})
	}
	if req.Sender == "" {
		return invalidField("sender", "sender is required")
	}
	if _, err := chain.ParseAddress(req.Sender); err != nil {
		return invalidField("sender", "sender is not a valid address")
	}
	for i, intent := range intents {
		if intent.Amount != nil && *intent.Amount == 0 {
			return invalidField(fmt.Sprintf("intents[%d].amount", i), "amount must be positive")
		}
		if intent.SlippageBips != nil {
			if err := price.ValidateBips(*intent.SlippageBips); err != nil {
				return invalidField(fmt.Sprintf("intents[%d].slippageBips", i), "slippage must be between 0 and 10000 bips")
			}
		}
		if intent.DestinationChain != nil && *intent.DestinationChain != "" {
			if _, ok := builder.BridgeChainID(*intent.DestinationChain); !ok {
				return invalidField(fmt.Sprintf("intents[%d].destinationChain", i), "unsupported destination chain")
			}
			if !s.builder.BridgeEnabled() {
				return invalidField(fmt.Sprintf("intents[%d].destinationChain", i), "cross-chain actions are not enabled")
			}
			var recipient string
			if intent.DestinationRecipient != nil {
				recipient = *intent.DestinationRecipient
			}
			if err := builder.ValidRecipient(recipient); err != nil {
				return invalidField(fmt.Sprintf("intents[%d].destinationRecipient", i), "destination recipient is missing or invalid")
			}
		}
	}
	return nil
}

func invalidField(field, msg string) *SettlementError {
	return NewSettlementError(types.ErrCodeInvalidRequest, msg, map[string]interface{}{"field": field})
}

// BuildAction builds the sealed export for a request whose payment proof
// has been verified.
func (s *Service) BuildAction(ctx context.Context, verified *types.VerifiedContext, req ActionRequest, slippageBips *uint64) (*types.SealedExport, error) {
	if err := s.ValidateActionRequest(req, slippageBips); err != nil {
		return nil, err
	}
	if req.Sender != verified.SenderAddress {
		return nil, NewSettlementError(types.ErrCodeInvalidRequest, ErrSenderMismatch.Error(),
			map[string]interface{}{"field": "sender"})
	}
	sender, err := chain.ParseAddress(verified.SenderAddress)
	if err != nil {
		return nil, invalidField("sender", "sender is not a valid address")
	}

	export, err := s.builder.BuildBatch(ctx, sender, req.TradeIntents(slippageBips))
	switch {
	case err == nil:
		s.logger.Info().
			Str("export_id", export.ExportID).
			Str("sender", verified.SenderAddress).
			Int("batch_size", export.BatchSize).
			Msg("export sealed")
		return export, nil
	case errors.Is(err, builder.ErrBatchSizeExceeded):
		return nil, NewSettlementError(types.ErrCodeBatchSizeExceeded, err.Error(), nil)
	case errors.Is(err, builder.ErrEmptyBatch),
		errors.Is(err, builder.ErrInvalidAmount),
		errors.Is(err, builder.ErrUnsupportedChain),
		errors.Is(err, builder.ErrInvalidRecipient),
		errors.Is(err, builder.ErrBridgeUnconfigured),
		errors.Is(err, price.ErrInvalidBips),
		errors.Is(err, price.ErrOverflow):
		return nil, NewSettlementError(types.ErrCodeInvalidRequest, err.Error(), nil)
	default:
		return nil, fmt.Errorf("failed to build export: %w", err)
	}
}

// Execute runs export through the pipeline at most once. A repeated
// submission receives the recorded outcome, marked Replayed, without any
// collaborator being called again.
func (s *Service) Execute(ctx context.Context, export *types.SealedExport, callerID string) (types.SettlementOutcome, error) {
	if export == nil {
		return types.SettlementOutcome{}, NewSettlementError(types.ErrCodeInvalidRequest, ErrMissingExport.Error(), nil)
	}
	if export.ExportID == "" {
		return types.SettlementOutcome{}, NewSettlementError(types.ErrCodeInvalidRequest, ErrMissingExportID.Error(), nil)
	}

	// An export whose seal fails never claims its id, so an edited copy
	// cannot record an outcome the original would later be served.
	if err := s.pipeline.VerifySeal(*export); err != nil {
		return s.pipeline.Execute(ctx, export, callerID), nil
	}

	key := outcomeKey(export)
	status, cached, err := s.outcomes.Claim(ctx, key)
	if err != nil {
		s.logger.Error().Err(err).Str("export_id", export.ExportID).Msg("outcome store unavailable")
		return types.SettlementOutcome{
			ExportID: export.ExportID,
			CallerID: callerID,
			Failure: &types.SettlementFailure{
				FailedStage: types.FailedValidation,
				Reason:      fmt.Sprintf("%s: %v", types.ErrCodeIdempotencyUnavailable, err),
			},
		}, nil
	}

	switch status {
	case ClaimCached:
		cached.Replayed = true
		return *cached, nil
	case ClaimInFlight:
		outcome, err := s.outcomes.Wait(ctx, key)
		if err != nil {
			return types.SettlementOutcome{}, err
		}
		outcome.Replayed = true
		return *outcome, nil
	}

	outcome := s.pipeline.Execute(ctx, export, callerID)
	if err := s.outcomes.Complete(context.WithoutCancel(ctx), key, outcome); err != nil {
		s.logger.Error().Err(err).Str("export_id", export.ExportID).Msg("failed to record outcome")
	}
	return outcome, nil
}

// outcomeKey identifies an export in the outcome store. The seal is part of
// the key so that two exports sharing an id but not their content never
// share an outcome.
func outcomeKey(export *types.SealedExport) string {
	if export.Seal == "" {
		return export.ExportID
	}
	return export.ExportID + ":" + export.Seal
}
