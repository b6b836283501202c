// Package client is the agent side of the payment handshake. It signs a toll
// group with the agent's key and packs the proof into an X-PAYMENT header.
package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/chain/stxn"
	"github.com/x402-foundation/x402/settle/types"
)

// ProofSigner produces payment proofs for a single agent key.
type ProofSigner struct {
	key   solana.PrivateKey
	now   func() time.Time
	nonce func() string
}

// ProofSignerOption configures a ProofSigner
type ProofSignerOption func(*ProofSigner)

// WithClock sets the time source for proof timestamps
func WithClock(now func() time.Time) ProofSignerOption {
	return func(p *ProofSigner) {
		p.now = now
	}
}

// WithNonceSource sets the nonce generator (default: random UUID)
func WithNonceSource(nonce func() string) ProofSignerOption {
	return func(p *ProofSigner) {
		p.nonce = nonce
	}
}

// NewProofSigner creates a signer for key
func NewProofSigner(key solana.PrivateKey, opts ...ProofSignerOption) *ProofSigner {
	p := &ProofSigner{
		key:   key,
		now:   time.Now,
		nonce: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Address returns the agent's account address
func (p *ProofSigner) Address() chain.Address {
	return chain.Address(p.key.PublicKey())
}

// Prove groups txns, signs each of them and the group id, and returns the
// proof. Every transaction must be sent by the signer's address.
func (p *ProofSigner) Prove(txns []chain.Txn) (*types.PaymentProof, error) {
	grouped := append([]chain.Txn(nil), txns...)
	gid, err := chain.AssignGroup(grouped)
	if err != nil {
		return nil, err
	}

	signed := make([][]byte, len(grouped))
	for i, txn := range grouped {
		st, err := stxn.Sign(p.key, txn)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if signed[i], err = st.Encode(); err != nil {
			return nil, err
		}
	}

	sig, err := p.key.Sign(gid[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign group id: %w", err)
	}

	return &types.PaymentProof{
		GroupID:      gid[:],
		Transactions: signed,
		SenderAddr:   p.Address().String(),
		Signature:    sig[:],
		Timestamp:    p.now().Unix(),
		Nonce:        p.nonce(),
	}, nil
}

// TollTransfer builds the single transfer that pays the advertised terms.
func (p *ProofSigner) TollTransfer(terms *types.PaymentTerms, params chain.SuggestedParams) (chain.Txn, error) {
	payTo, err := chain.ParseAddress(terms.Payment.PayTo)
	if err != nil {
		return chain.Txn{}, fmt.Errorf("invalid payTo: %w", err)
	}
	amount, err := strconv.ParseUint(terms.Payment.Amount, 10, 64)
	if err != nil {
		return chain.Txn{}, fmt.Errorf("invalid amount %q: %w", terms.Payment.Amount, err)
	}
	return chain.Txn{
		Type:          chain.AssetTransferTx,
		Sender:        p.Address(),
		Fee:           params.FlatFee(),
		FirstValid:    params.FirstValid,
		LastValid:     params.LastValid,
		GenesisID:     params.GenesisID,
		GenesisHash:   params.GenesisHash,
		Note:          []byte(terms.Memo),
		AssetID:       terms.Payment.Asset.ID,
		AssetAmount:   amount,
		AssetReceiver: payTo,
	}, nil
}

// PayTerms builds, signs and encodes a proof paying terms.
func (p *ProofSigner) PayTerms(terms *types.PaymentTerms, params chain.SuggestedParams) (string, error) {
	txn, err := p.TollTransfer(terms, params)
	if err != nil {
		return "", err
	}
	proof, err := p.Prove([]chain.Txn{txn})
	if err != nil {
		return "", err
	}
	return EncodeHeader(proof)
}

// EncodeHeader serialises a proof into the X-PAYMENT header value.
func EncodeHeader(proof *types.PaymentProof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
