// Package stxn holds signed transactions. It is kept apart from package chain
// so that code which only builds unsigned groups never imports anything able
// to verify or carry a signature.
package stxn

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/x402-foundation/x402/settle/chain"
)

// ErrBadSignature is returned when a signature does not verify against the
// transaction sender.
var ErrBadSignature = errors.New("stxn: signature does not match sender")

// SignedTxn is an unsigned transaction plus the sender's ed25519 signature
// over its signing bytes.
type SignedTxn struct {
	Sig solana.Signature
	Txn chain.Txn
}

// Encode serialises the signed transaction in wire form.
func (s SignedTxn) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a signed transaction. It does not verify the signature.
func Decode(data []byte) (SignedTxn, error) {
	var s SignedTxn
	dec := bin.NewBorshDecoder(data)
	if err := dec.Decode(&s); err != nil {
		return SignedTxn{}, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	if dec.HasRemaining() {
		return SignedTxn{}, fmt.Errorf("failed to decode signed transaction: %d trailing bytes", dec.Remaining())
	}
	return s, nil
}

// Verify checks the signature against the transaction's sender.
func (s SignedTxn) Verify() error {
	msg, err := s.Txn.BytesToSign()
	if err != nil {
		return err
	}
	if !s.Sig.Verify(solana.PublicKey(s.Txn.Sender), msg) {
		return ErrBadSignature
	}
	return nil
}

// Sign signs txn with key. The key must control txn.Sender.
func Sign(key solana.PrivateKey, txn chain.Txn) (SignedTxn, error) {
	if chain.Address(key.PublicKey()) != txn.Sender {
		return SignedTxn{}, fmt.Errorf("key %s does not control sender %s", key.PublicKey(), txn.Sender)
	}
	msg, err := txn.BytesToSign()
	if err != nil {
		return SignedTxn{}, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return SignedTxn{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return SignedTxn{Sig: sig, Txn: txn}, nil
}

// VerifyBytes checks an ed25519 signature by addr over an arbitrary message.
func VerifyBytes(addr chain.Address, msg, sig []byte) bool {
	if len(sig) != len(solana.Signature{}) {
		return false
	}
	return solana.SignatureFromBytes(sig).Verify(solana.PublicKey(addr), msg)
}
