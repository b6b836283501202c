// Package builder constructs unsigned atomic transaction groups for paid
// actions and wraps them in sealed exports.
//
// The package deals only in unsigned transactions and addresses. It has no
// access to signing keys, and TestImportBoundary keeps it that way.
package builder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/price"
	"github.com/x402-foundation/x402/settle/types"
)

// MaxBatchSize is the largest number of intents in one export. It equals the
// ledger's atomic group limit.
const MaxBatchSize = chain.MaxGroupSize

var (
	ErrEmptyBatch         = errors.New("builder: batch has no intents")
	ErrBatchSizeExceeded  = errors.New("builder: batch size exceeded")
	ErrInvalidAmount      = errors.New("builder: amount must be positive")
	ErrUnsupportedChain   = errors.New("builder: unsupported destination chain")
	ErrInvalidRecipient   = errors.New("builder: invalid destination recipient")
	ErrBridgeUnconfigured = errors.New("builder: bridge application not configured")
)

// ParamsSource supplies suggested network parameters.
type ParamsSource interface {
	SuggestedParams(ctx context.Context) (chain.SuggestedParams, error)
}

// Sealer stamps a finished export.
type Sealer interface {
	Seal(export *types.SealedExport) error
}

// Config holds the protocol settings the builder needs.
type Config struct {
	PaymentAssetID      uint64
	Treasury            chain.Address
	Network             string
	DefaultTollAmount   uint64
	DefaultSlippageBips uint64
	BridgeAppID         uint64
}

// Validate checks the builder configuration
func (c Config) Validate() error {
	if c.PaymentAssetID == 0 {
		return fmt.Errorf("builder: payment asset id is required")
	}
	if c.Treasury.IsZero() {
		return fmt.Errorf("builder: treasury address is required")
	}
	if c.DefaultTollAmount == 0 {
		return fmt.Errorf("builder: default toll amount is required")
	}
	return price.ValidateBips(c.DefaultSlippageBips)
}

// Builder produces sealed exports.
type Builder struct {
	cfg    Config
	params ParamsSource
	sealer Sealer
	now    func() time.Time
	newID  func() uuid.UUID
	logger zerolog.Logger
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Builder) {
		b.logger = l
	}
}

// New creates a Builder.
func New(cfg Config, params ParamsSource, sealer Sealer, opts ...Option) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if params == nil || sealer == nil {
		return nil, fmt.Errorf("builder: params source and sealer are required")
	}
	b := &Builder{
		cfg:    cfg,
		params: params,
		sealer: sealer,
		now:    time.Now,
		newID:  uuid.New,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// resolved is an intent with defaults applied and inputs checked.
type resolved struct {
	amount       uint64
	bips         uint64
	minAmountOut uint64
	destChain    string
	recipient    string
}

func (b *Builder) resolve(intent types.TradeIntent) (resolved, error) {
	r := resolved{
		amount: b.cfg.DefaultTollAmount,
		bips:   b.cfg.DefaultSlippageBips,
	}
	if intent.Amount != nil {
		r.amount = *intent.Amount
	}
	if intent.SlippageBips != nil {
		r.bips = *intent.SlippageBips
	}
	if intent.DestinationChain != nil {
		r.destChain = *intent.DestinationChain
	}
	if intent.DestinationRecipient != nil {
		r.recipient = *intent.DestinationRecipient
	}

	if r.amount == 0 {
		return r, ErrInvalidAmount
	}
	if r.destChain != "" {
		if _, ok := BridgeChainID(r.destChain); !ok {
			return r, fmt.Errorf("%w: %s", ErrUnsupportedChain, r.destChain)
		}
	}
	minOut, err := price.MinAmountOut(r.amount, r.bips)
	if err != nil {
		return r, err
	}
	r.minAmountOut = minOut
	return r, nil
}

// BridgeEnabled reports whether cross-chain actions can be built.
func (b *Builder) BridgeEnabled() bool {
	return b.cfg.BridgeAppID != 0
}

// Build constructs a two-transaction export: the toll transfer and either a
// bridge call (when destChain is set) or an acknowledgement payment.
func (b *Builder) Build(ctx context.Context, sender chain.Address, amount uint64, destChain, destRecipient string, slippageBips uint64) (*types.SealedExport, error) {
	intent := types.TradeIntent{Amount: &amount, SlippageBips: &slippageBips}
	if destChain != "" {
		intent.DestinationChain = &destChain
		intent.DestinationRecipient = &destRecipient
	}
	r, err := b.resolve(intent)
	if err != nil {
		return nil, err
	}
	return b.build(ctx, sender, r)
}

func (b *Builder) build(ctx context.Context, sender chain.Address, r resolved) (*types.SealedExport, error) {
	if sender.IsZero() {
		return nil, fmt.Errorf("builder: sender is required")
	}
	params, err := b.params.SuggestedParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get suggested params: %w", err)
	}

	exportID := b.newID()
	toll := b.tollTransfer(sender, params, r.amount, fmt.Sprintf("x402:toll:%s", exportID))

	var action chain.Txn
	var bridge *types.BridgeDestination
	if r.destChain != "" {
		action, err = b.bridgeCall(sender, params, r, exportID)
		if err != nil {
			return nil, err
		}
		bridge = &types.BridgeDestination{Chain: r.destChain, Recipient: r.recipient}
	} else {
		action = chain.Txn{
			Type:        chain.PaymentTx,
			Sender:      sender,
			Fee:         params.FlatFee(),
			FirstValid:  params.FirstValid,
			LastValid:   params.LastValid,
			GenesisID:   params.GenesisID,
			GenesisHash: params.GenesisHash,
			Note:        []byte(fmt.Sprintf("x402:ack:%s", exportID)),
			Receiver:    sender,
		}
	}

	txns := []chain.Txn{toll, action}
	group, err := b.assemble(txns)
	if err != nil {
		return nil, err
	}

	export := &types.SealedExport{
		ExportID:    exportID.String(),
		SealedAt:    b.now().UTC().Truncate(time.Second),
		AtomicGroup: group,
		Routing: types.Routing{
			RequiredSigner:    sender.String(),
			TollReceiver:      b.cfg.Treasury.String(),
			BridgeDestination: bridge,
			Network:           b.cfg.Network,
		},
		Slippage: types.Slippage{
			ToleranceBips:  r.bips,
			ExpectedAmount: r.amount,
			MinAmountOut:   r.minAmountOut,
		},
		BatchSize: 1,
	}
	return b.seal(export)
}

// BuildBatch constructs one toll transfer per intent, all under a single
// group id. A single intent is built with Build.
func (b *Builder) BuildBatch(ctx context.Context, sender chain.Address, intents []types.TradeIntent) (*types.SealedExport, error) {
	switch {
	case len(intents) == 0:
		return nil, ErrEmptyBatch
	case len(intents) > MaxBatchSize:
		return nil, fmt.Errorf("%w: %d intents, limit %d", ErrBatchSizeExceeded, len(intents), MaxBatchSize)
	}

	resolvedIntents := make([]resolved, len(intents))
	for i, intent := range intents {
		r, err := b.resolve(intent)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		resolvedIntents[i] = r
	}
	if len(intents) == 1 {
		return b.build(ctx, sender, resolvedIntents[0])
	}

	if sender.IsZero() {
		return nil, fmt.Errorf("builder: sender is required")
	}
	params, err := b.params.SuggestedParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get suggested params: %w", err)
	}

	exportID := b.newID()
	txns := make([]chain.Txn, len(resolvedIntents))
	records := make([]types.IntentRecord, len(resolvedIntents))
	var expected, minOut uint64
	for i, r := range resolvedIntents {
		txns[i] = b.tollTransfer(sender, params, r.amount, fmt.Sprintf("x402:toll:%s:%d", exportID, i))
		records[i] = types.IntentRecord{
			DestinationChain: r.destChain,
			Amount:           r.amount,
			MinAmountOut:     r.minAmountOut,
			ToleranceBips:    r.bips,
		}
		if expected+r.amount < expected {
			return nil, price.ErrOverflow
		}
		expected += r.amount
		minOut += r.minAmountOut
	}

	group, err := b.assemble(txns)
	if err != nil {
		return nil, err
	}

	export := &types.SealedExport{
		ExportID:    exportID.String(),
		SealedAt:    b.now().UTC().Truncate(time.Second),
		AtomicGroup: group,
		Routing: types.Routing{
			RequiredSigner: sender.String(),
			TollReceiver:   b.cfg.Treasury.String(),
			Network:        b.cfg.Network,
		},
		Slippage: types.Slippage{
			ToleranceBips:  resolvedIntents[0].bips,
			ExpectedAmount: expected,
			MinAmountOut:   minOut,
		},
		BatchSize:    len(intents),
		BatchIntents: records,
	}
	return b.seal(export)
}

func (b *Builder) tollTransfer(sender chain.Address, params chain.SuggestedParams, amount uint64, note string) chain.Txn {
	return chain.Txn{
		Type:          chain.AssetTransferTx,
		Sender:        sender,
		Fee:           params.FlatFee(),
		FirstValid:    params.FirstValid,
		LastValid:     params.LastValid,
		GenesisID:     params.GenesisID,
		GenesisHash:   params.GenesisHash,
		Note:          []byte(note),
		AssetID:       b.cfg.PaymentAssetID,
		AssetAmount:   amount,
		AssetReceiver: b.cfg.Treasury,
	}
}

func (b *Builder) bridgeCall(sender chain.Address, params chain.SuggestedParams, r resolved, exportID uuid.UUID) (chain.Txn, error) {
	if b.cfg.BridgeAppID == 0 {
		return chain.Txn{}, ErrBridgeUnconfigured
	}
	chainID, _ := BridgeChainID(r.destChain)
	recipient, err := padRecipient(r.recipient)
	if err != nil {
		return chain.Txn{}, err
	}
	// The dedup nonce is taken from the export id so a rebuilt export never
	// reuses one.
	nonce := binary.BigEndian.Uint64(exportID[8:])
	args, err := bridgeCallArgs(r.amount, chainID, recipient, nonce, r.minAmountOut)
	if err != nil {
		return chain.Txn{}, err
	}
	return chain.Txn{
		Type:        chain.ApplicationCallTx,
		Sender:      sender,
		Fee:         params.FlatFee(),
		FirstValid:  params.FirstValid,
		LastValid:   params.LastValid,
		GenesisID:   params.GenesisID,
		GenesisHash: params.GenesisHash,
		Note:        []byte(fmt.Sprintf("x402:bridge:%s", exportID)),
		AppID:       b.cfg.BridgeAppID,
		AppArgs:     args,
	}, nil
}

// assemble groups, serialises and describes txns.
func (b *Builder) assemble(txns []chain.Txn) (types.AtomicGroup, error) {
	gid, err := chain.AssignGroup(txns)
	if err != nil {
		return types.AtomicGroup{}, err
	}
	raw, err := chain.EncodeGroup(txns)
	if err != nil {
		return types.AtomicGroup{}, err
	}
	manifest := make([]string, len(txns))
	for i, t := range txns {
		manifest[i] = describe(i, t)
	}
	return types.AtomicGroup{
		Transactions: raw,
		GroupID:      gid[:],
		Manifest:     manifest,
		TxnCount:     len(txns),
	}, nil
}

func (b *Builder) seal(export *types.SealedExport) (*types.SealedExport, error) {
	if err := b.sealer.Seal(export); err != nil {
		return nil, fmt.Errorf("failed to seal export: %w", err)
	}
	b.logger.Debug().
		Str("export_id", export.ExportID).
		Int("batch_size", export.BatchSize).
		Int("txn_count", export.AtomicGroup.TxnCount).
		Msg("export built")
	return export, nil
}

func describe(i int, t chain.Txn) string {
	switch t.Type {
	case chain.AssetTransferTx:
		return fmt.Sprintf("[%d] toll: transfer %d of asset %d from %s to %s", i+1, t.AssetAmount, t.AssetID, t.Sender, t.AssetReceiver)
	case chain.ApplicationCallTx:
		amount, chainID, _, _, minOut, err := decodeBridgeCall(t.AppArgs)
		if err != nil {
			return fmt.Sprintf("[%d] call: application %d from %s", i+1, t.AppID, t.Sender)
		}
		return fmt.Sprintf("[%d] bridge: application %d moves %d to chain %d, minimum out %d", i+1, t.AppID, amount, chainID, minOut)
	default:
		return fmt.Sprintf("[%d] acknowledge: pay %d from %s to %s", i+1, t.Amount, t.Sender, t.Receiver)
	}
}
