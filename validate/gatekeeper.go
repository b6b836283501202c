// Package validate re-inspects a sealed export before anything may sign it.
//
// All four rules are evaluated on every call and every violation is
// reported, so a caller can see each problem from one response:
//
//	toll          exactly batchSize payment-asset transfers to the treasury
//	signer        every transaction is sent by the required signer
//	oracle_price  minAmountOut is not below the oracle-derived floor
//	oracle_stale  oracle data, when present, is fresh enough
package validate

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/price"
	"github.com/x402-foundation/x402/settle/types"
)

const (
	DefaultOracleTimeout = 3 * time.Second
	DefaultMaxStaleness  = 120 * time.Second
)

// Config is the protocol configuration the rules check against.
type Config struct {
	PaymentAssetID uint64
	Treasury       chain.Address
	MaxStaleness   time.Duration
	OracleTimeout  time.Duration
	// StrictOracle fails the price rule when the oracle cannot be reached,
	// instead of letting it pass with a warning.
	StrictOracle bool
}

// Gatekeeper implements the validation rules.
type Gatekeeper struct {
	cfg    Config
	oracle price.Oracle
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Gatekeeper)

func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) {
		g.now = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gatekeeper) {
		g.logger = l
	}
}

// New creates a Gatekeeper. oracle may be nil, which behaves like an oracle
// that is always unreachable.
func New(cfg Config, oracle price.Oracle, opts ...Option) *Gatekeeper {
	if cfg.MaxStaleness == 0 {
		cfg.MaxStaleness = DefaultMaxStaleness
	}
	if cfg.OracleTimeout == 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	g := &Gatekeeper{
		cfg:    cfg,
		oracle: oracle,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate runs every rule against export.
func (g *Gatekeeper) Validate(ctx context.Context, export *types.SealedExport) types.ValidationResult {
	var errs []string
	addErr := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	// Rules run over whatever decoded even when the group check failed.
	txns, decodeOK := g.decode(export, addErr)

	flags := types.RuleFlags{
		Toll:   g.checkToll(export, txns, addErr),
		Signer: g.checkSigner(export, txns, addErr),
	}

	snapshot, priceOK, freshOK := g.checkOracle(ctx, export, addErr)
	flags.OraclePrice = priceOK
	flags.OracleFresh = freshOK

	valid := decodeOK && flags.Toll && flags.Signer && flags.OraclePrice && flags.OracleFresh
	if errs == nil {
		errs = []string{}
	}
	return types.ValidationResult{
		Valid:          valid,
		Rules:          flags,
		Errors:         errs,
		OracleSnapshot: snapshot,
	}
}

// decode parses the group and confirms every transaction carries the
// export's group id, and that the id hashes from those transactions.
func (g *Gatekeeper) decode(export *types.SealedExport, addErr func(string, ...any)) ([]chain.Txn, bool) {
	group := export.AtomicGroup
	if len(group.Transactions) == 0 {
		addErr("group: no transactions")
		return nil, false
	}
	if group.TxnCount != len(group.Transactions) {
		addErr("group: txnCount %d does not match %d transactions", group.TxnCount, len(group.Transactions))
	}

	ok := group.TxnCount == len(group.Transactions)
	txns := make([]chain.Txn, 0, len(group.Transactions))
	for i, raw := range group.Transactions {
		t, err := chain.DecodeTxn(raw)
		if err != nil {
			addErr("group: transaction %d: %v", i, err)
			ok = false
			continue
		}
		if !bytes.Equal(t.Group[:], group.GroupID) {
			addErr("group: transaction %d carries a different group id", i)
			ok = false
		}
		txns = append(txns, t)
	}
	if !ok {
		return txns, false
	}

	gid, err := chain.ComputeGroupID(txns)
	if err != nil || !bytes.Equal(gid[:], group.GroupID) {
		addErr("group: group id does not match its transactions")
		return txns, false
	}
	return txns, true
}

func (g *Gatekeeper) checkToll(export *types.SealedExport, txns []chain.Txn, addErr func(string, ...any)) bool {
	expected := export.BatchSize
	if expected < 1 {
		addErr("toll: batch size %d is invalid", expected)
		return false
	}
	if export.Routing.TollReceiver != g.cfg.Treasury.String() {
		addErr("toll: routing names receiver %s, not the treasury", export.Routing.TollReceiver)
	}

	verified, assetTransfers := 0, 0
	for i, t := range txns {
		if t.Type != chain.AssetTransferTx || t.AssetID != g.cfg.PaymentAssetID {
			continue
		}
		assetTransfers++
		if t.AssetReceiver != g.cfg.Treasury {
			addErr("toll: transaction %d pays %s instead of the treasury", i, t.AssetReceiver)
			continue
		}
		if t.AssetAmount == 0 {
			addErr("toll: transaction %d transfers nothing", i)
			continue
		}
		verified++
	}
	if verified != expected {
		addErr("toll: found %d valid toll transfers, expected %d", verified, expected)
	}
	return verified == expected &&
		assetTransfers == expected &&
		export.Routing.TollReceiver == g.cfg.Treasury.String()
}

func (g *Gatekeeper) checkSigner(export *types.SealedExport, txns []chain.Txn, addErr func(string, ...any)) bool {
	signer, err := chain.ParseAddress(export.Routing.RequiredSigner)
	if err != nil {
		addErr("signer: required signer is not a valid address")
		return false
	}
	ok := true
	for i, t := range txns {
		if t.Sender != signer {
			addErr("signer: transaction %d is sent by %s, not %s", i, t.Sender, signer)
			ok = false
		}
	}
	return ok
}

// checkOracle evaluates the price and freshness rules. Freshness passes
// when no oracle data was obtained.
func (g *Gatekeeper) checkOracle(ctx context.Context, export *types.SealedExport, addErr func(string, ...any)) (*types.OracleSnapshot, bool, bool) {
	quote, err := g.fetch(ctx)
	if err != nil {
		if g.cfg.StrictOracle {
			addErr("oracle_price: price unavailable: %v", err)
			return nil, false, true
		}
		g.logger.Warn().Err(err).Str("export_id", export.ExportID).Msg("price oracle unavailable, skipping price check")
		return nil, true, true
	}

	slip := export.Slippage
	priceOK := true
	snapshot := &types.OracleSnapshot{Pair: quote.Pair, Price: quote.Price, Timestamp: quote.Timestamp}

	oracleExpected, err := price.OracleExpected(slip.ExpectedAmount, quote.Price)
	if err == nil {
		snapshot.DeviationBips = price.DeviationBips(slip.ExpectedAmount, oracleExpected)
		var floor uint64
		floor, err = price.OracleFloor(oracleExpected, slip.ToleranceBips)
		if err == nil && slip.MinAmountOut < floor {
			addErr("oracle_price: minAmountOut %d is below oracle floor %d", slip.MinAmountOut, floor)
			priceOK = false
		}
	}
	if err != nil {
		addErr("oracle_price: %v", err)
		priceOK = false
	}

	freshOK := true
	if age := g.now().Sub(quote.Timestamp); age > g.cfg.MaxStaleness {
		addErr("oracle_stale: price is %s old, limit %s", age.Truncate(time.Second), g.cfg.MaxStaleness)
		freshOK = false
	}
	return snapshot, priceOK, freshOK
}

func (g *Gatekeeper) fetch(ctx context.Context) (price.Quote, error) {
	if g.oracle == nil {
		return price.Quote{}, fmt.Errorf("no price oracle configured")
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OracleTimeout)
	defer cancel()
	return g.oracle.FetchPrice(ctx)
}
