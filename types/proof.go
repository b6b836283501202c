package types

import "encoding/json"

// PaymentProof is the decoded body of the X-PAYMENT header.
// Byte fields travel as standard base64.
type PaymentProof struct {
	GroupID      []byte   `json:"groupId"`
	Transactions [][]byte `json:"transactions"`
	SenderAddr   string   `json:"senderAddr"`
	Signature    []byte   `json:"signature"`
	Timestamp    int64    `json:"timestamp"`
	Nonce        string   `json:"nonce"`
}

// VerifiedContext is attached to a request once its payment proof has been
// accepted.
type VerifiedContext struct {
	SenderAddress string `json:"senderAddress"`
	GroupID       []byte `json:"groupId"`
}

// PaymentTerms is the 402 challenge document.
type PaymentTerms struct {
	Version int          `json:"version"`
	Status  string       `json:"status"`
	Network TermsNetwork `json:"network"`
	Payment TermsPayment `json:"payment"`
	Expires string       `json:"expires"`
	Memo    string       `json:"memo"`
	Error   string       `json:"error,omitempty"`
}

type TermsNetwork struct {
	Protocol string `json:"protocol"`
	Chain    string `json:"chain"`
}

type TermsPayment struct {
	Asset  TermsAsset `json:"asset"`
	Amount string     `json:"amount"`
	PayTo  string     `json:"payTo"`
}

type TermsAsset struct {
	Type     string `json:"type"`
	ID       uint64 `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Rejection is returned instead of a challenge when a structurally valid,
// correctly signed proof fails the replay firewall.
type Rejection struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// ToPaymentProof unmarshals bytes to a payment proof
func ToPaymentProof(data []byte) (*PaymentProof, error) {
	var proof PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// ToPaymentTerms unmarshals bytes to a challenge document
func ToPaymentTerms(data []byte) (*PaymentTerms, error) {
	var terms PaymentTerms
	if err := json.Unmarshal(data, &terms); err != nil {
		return nil, err
	}
	return &terms, nil
}
