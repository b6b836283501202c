package client

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/chain/stxn"
	"github.com/x402-foundation/x402/settle/types"
)

func newSigner(t *testing.T) *ProofSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return NewProofSigner(key,
		WithClock(func() time.Time { return time.Unix(1767225600, 0) }),
		WithNonceSource(func() string { return "nonce-1" }))
}

func testTerms(payTo chain.Address) *types.PaymentTerms {
	return &types.PaymentTerms{
		Version: 1,
		Status:  "payment_required",
		Payment: types.TermsPayment{
			Asset:  types.TermsAsset{Type: "asa", ID: 10458941, Symbol: "USDC", Decimals: 6},
			Amount: "100000",
			PayTo:  payTo.String(),
		},
		Memo: "x402-abc",
	}
}

func TestProveSignsGroup(t *testing.T) {
	p := newSigner(t)
	txn, err := p.TollTransfer(testTerms(chain.Address{9}), chain.SuggestedParams{MinFee: 1000, FirstValid: 10, LastValid: 1010})
	require.NoError(t, err)
	assert.Equal(t, uint64(100000), txn.AssetAmount)
	assert.Equal(t, uint64(10458941), txn.AssetID)
	assert.Equal(t, []byte("x402-abc"), txn.Note)

	proof, err := p.Prove([]chain.Txn{txn})
	require.NoError(t, err)
	assert.Equal(t, int64(1767225600), proof.Timestamp)
	assert.Equal(t, "nonce-1", proof.Nonce)
	assert.Equal(t, p.Address().String(), proof.SenderAddr)
	require.Len(t, proof.Transactions, 1)

	assert.True(t, stxn.VerifyBytes(p.Address(), proof.GroupID, proof.Signature))

	st, err := stxn.Decode(proof.Transactions[0])
	require.NoError(t, err)
	require.NoError(t, st.Verify())
	gid, err := chain.ComputeGroupID([]chain.Txn{st.Txn})
	require.NoError(t, err)
	assert.Equal(t, gid[:], proof.GroupID)
	assert.Equal(t, gid, st.Txn.Group)

	// the caller's slice is left ungrouped
	assert.True(t, txn.Group == chain.Digest{})
}

func TestProveRejectsForeignSender(t *testing.T) {
	p := newSigner(t)
	_, err := p.Prove([]chain.Txn{{Type: chain.PaymentTx, Sender: chain.Address{1}, Receiver: chain.Address{2}}})
	assert.Error(t, err)
}

func TestTollTransferInvalidTerms(t *testing.T) {
	p := newSigner(t)

	terms := testTerms(chain.Address{9})
	terms.Payment.PayTo = "???"
	_, err := p.TollTransfer(terms, chain.SuggestedParams{})
	assert.Error(t, err)

	terms = testTerms(chain.Address{9})
	terms.Payment.Amount = "1.5"
	_, err = p.TollTransfer(terms, chain.SuggestedParams{})
	assert.Error(t, err)
}

func TestPayTermsHeader(t *testing.T) {
	p := newSigner(t)
	header, err := p.PayTerms(testTerms(chain.Address{9}), chain.SuggestedParams{Fee: 1000})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, field := range []string{"groupId", "transactions", "senderAddr", "signature", "timestamp", "nonce"} {
		assert.Contains(t, decoded, field)
	}
}
