// Package paygate implements the HTTP 402 payment handshake. A request
// without a proof gets the payment terms; a request with a proof is accepted
// only if the proof is well formed, signed by its sender, internally
// consistent, and not a replay.
package paygate

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/chain/stxn"
	"github.com/x402-foundation/x402/settle/replay"
	"github.com/x402-foundation/x402/settle/types"
)

const (
	// HeaderName carries the base64 proof.
	HeaderName = "X-PAYMENT"
	// ContentType identifies the payment terms schema.
	ContentType = "application/vnd.x402.payment-terms+json"
	// ProtocolVersion is the challenge document version.
	ProtocolVersion = 1
	// DefaultChallengeTTL is how long the advertised terms stay valid.
	DefaultChallengeTTL = 5 * time.Minute
)

var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// Terms are the configured payment requirements.
type Terms struct {
	Network       string
	AssetID       uint64
	AssetSymbol   string
	AssetDecimals int
	Amount        uint64
	PayTo         chain.Address
	ChallengeTTL  time.Duration
}

// ReplayChecker consumes a (timestamp, nonce) pair.
type ReplayChecker interface {
	Check(ctx context.Context, timestamp int64, nonce string) error
}

// Decision is the outcome of evaluating a payment header. Exactly one of
// Verified, Challenge, or Rejection is set.
type Decision struct {
	Verified  *types.VerifiedContext
	Challenge *types.PaymentTerms
	Rejection *types.Rejection
	// Code is empty when verified, and for a bare challenge with no proof.
	Code types.ErrorCode
}

// Status returns the HTTP status for the decision.
func (d Decision) Status() int {
	switch {
	case d.Verified != nil:
		return http.StatusOK
	case d.Rejection != nil:
		return http.StatusUnauthorized
	default:
		return http.StatusPaymentRequired
	}
}

// Gate evaluates payment headers.
type Gate struct {
	terms  Terms
	replay ReplayChecker
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// New creates a Gate.
func New(terms Terms, replayChecker ReplayChecker, opts ...Option) *Gate {
	if terms.ChallengeTTL == 0 {
		terms.ChallengeTTL = DefaultChallengeTTL
	}
	g := &Gate{
		terms:  terms,
		replay: replayChecker,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Challenge builds the terms document. errMsg may be empty.
func (g *Gate) Challenge(errMsg string) *types.PaymentTerms {
	now := g.now().UTC()
	return &types.PaymentTerms{
		Version: ProtocolVersion,
		Status:  "payment_required",
		Network: types.TermsNetwork{
			Protocol: "x402",
			Chain:    g.terms.Network,
		},
		Payment: types.TermsPayment{
			Asset: types.TermsAsset{
				Type:     "ASA",
				ID:       g.terms.AssetID,
				Symbol:   g.terms.AssetSymbol,
				Decimals: g.terms.AssetDecimals,
			},
			Amount: strconv.FormatUint(g.terms.Amount, 10),
			PayTo:  g.terms.PayTo.String(),
		},
		Expires: now.Add(g.terms.ChallengeTTL).Format(time.RFC3339),
		Memo:    "x402-" + strconv.FormatInt(now.UnixNano(), 36),
		Error:   errMsg,
	}
}

func (g *Gate) challenge(code types.ErrorCode, detail string) Decision {
	msg := string(code)
	if detail != "" {
		msg += ": " + detail
	}
	g.logger.Info().Str("reason", string(code)).Msg("payment proof refused")
	return Decision{Challenge: g.Challenge(msg), Code: code}
}

// Evaluate runs the handshake for one request.
func (g *Gate) Evaluate(ctx context.Context, header string) Decision {
	if header == "" {
		return Decision{Challenge: g.Challenge("")}
	}

	proof, err := DecodeProof(header)
	if err != nil {
		return g.challenge(types.ErrCodeMalformedProof, err.Error())
	}

	sender, err := chain.ParseAddress(proof.SenderAddr)
	if err != nil {
		return g.challenge(types.ErrCodeMalformedProof, "senderAddr is not a valid address")
	}
	if len(proof.GroupID) != len(chain.Digest{}) {
		return g.challenge(types.ErrCodeMalformedProof, fmt.Sprintf("groupId must be %d bytes", len(chain.Digest{})))
	}

	if !stxn.VerifyBytes(sender, proof.GroupID, proof.Signature) {
		return g.challenge(types.ErrCodeInvalidSignature, "")
	}

	if detail, ok := checkGroupIntegrity(proof); !ok {
		return g.challenge(types.ErrCodeGroupIntegrityMismatch, detail)
	}

	if err := g.replay.Check(ctx, proof.Timestamp, proof.Nonce); err != nil {
		reason := replay.Reason(err)
		g.logger.Warn().Str("reason", reason).Str("sender", proof.SenderAddr).Msg("payment proof rejected")
		return Decision{
			Rejection: &types.Rejection{Error: "unauthorized", Reason: reason},
			Code:      types.ErrCodeReplayDetected,
		}
	}

	return Decision{Verified: &types.VerifiedContext{
		SenderAddress: proof.SenderAddr,
		GroupID:       proof.GroupID,
	}}
}

// DecodeProof decodes and structurally validates a payment header.
func DecodeProof(header string) (*types.PaymentProof, error) {
	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("not valid base64")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("base64 decoding failed: %v", err)
	}
	if err := validateProofJSON(raw); err != nil {
		return nil, err
	}
	proof, err := types.ToPaymentProof(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid field encoding: %v", err)
	}
	return proof, nil
}

// checkGroupIntegrity decodes every signed transaction and confirms that each
// carries the proof's group id, and that the id is the one those
// transactions hash to.
func checkGroupIntegrity(proof *types.PaymentProof) (string, bool) {
	txns := make([]chain.Txn, len(proof.Transactions))
	for i, raw := range proof.Transactions {
		signed, err := stxn.Decode(raw)
		if err != nil {
			return fmt.Sprintf("transaction %d could not be decoded", i), false
		}
		if !bytes.Equal(signed.Txn.Group[:], proof.GroupID) {
			return fmt.Sprintf("transaction %d belongs to a different group", i), false
		}
		txns[i] = signed.Txn
	}
	gid, err := chain.ComputeGroupID(txns)
	if err != nil || !bytes.Equal(gid[:], proof.GroupID) {
		return "groupId does not bind the supplied transactions", false
	}
	return "", true
}
