// Package chain models unsigned transactions for a ledger with atomic
// transaction groups. It deals only in addresses, unsigned transactions and
// their digests; nothing in this package can produce or hold a signature.
package chain

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// TxType identifies the kind of transaction.
type TxType uint8

const (
	// PaymentTx moves the native currency.
	PaymentTx TxType = iota + 1
	// AssetTransferTx moves units of an issued asset.
	AssetTransferTx
	// ApplicationCallTx invokes an on-chain application.
	ApplicationCallTx
)

func (t TxType) String() string {
	switch t {
	case PaymentTx:
		return "pay"
	case AssetTransferTx:
		return "axfer"
	case ApplicationCallTx:
		return "appl"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// MaxGroupSize is the largest number of transactions the ledger commits
// atomically.
const MaxGroupSize = 16

// Txn is an unsigned transaction. Only the fields relevant to Type are set.
type Txn struct {
	Type        TxType
	Sender      Address
	Fee         uint64
	FirstValid  uint64
	LastValid   uint64
	GenesisID   string
	GenesisHash Digest
	Group       Digest
	Note        []byte

	// PaymentTx
	Receiver Address
	Amount   uint64

	// AssetTransferTx
	AssetID       uint64
	AssetAmount   uint64
	AssetReceiver Address

	// ApplicationCallTx
	AppID   uint64
	AppArgs [][]byte
}

// SuggestedParams are the network parameters a transaction is built against.
type SuggestedParams struct {
	Fee         uint64
	MinFee      uint64
	FirstValid  uint64
	LastValid   uint64
	GenesisID   string
	GenesisHash Digest
}

// FlatFee returns the fee to put on a single transaction.
func (p SuggestedParams) FlatFee() uint64 {
	if p.Fee < p.MinFee {
		return p.MinFee
	}
	return p.Fee
}

// Encode serialises the transaction in its canonical wire form.
func (t Txn) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(t); err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTxn parses a transaction from its wire form. Trailing bytes are an
// error.
func DecodeTxn(data []byte) (Txn, error) {
	var t Txn
	dec := bin.NewBorshDecoder(data)
	if err := dec.Decode(&t); err != nil {
		return Txn{}, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if dec.HasRemaining() {
		return Txn{}, fmt.Errorf("failed to decode transaction: %d trailing bytes", dec.Remaining())
	}
	if t.Type < PaymentTx || t.Type > ApplicationCallTx {
		return Txn{}, fmt.Errorf("failed to decode transaction: unknown type %d", uint8(t.Type))
	}
	return t, nil
}

// BytesToSign returns the domain-separated message a sender signs.
func (t Txn) BytesToSign() ([]byte, error) {
	enc, err := t.Encode()
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, txnPrefix...), enc...), nil
}

// ID returns the transaction id.
func (t Txn) ID() (Digest, error) {
	enc, err := t.Encode()
	if err != nil {
		return Digest{}, err
	}
	return hashWithPrefix(txnPrefix, enc), nil
}

// ComputeGroupID derives the group id for an ordered transaction set. The
// Group field of each input is ignored, so the result is the same before and
// after AssignGroup.
func ComputeGroupID(txns []Txn) (Digest, error) {
	if len(txns) == 0 {
		return Digest{}, fmt.Errorf("cannot group zero transactions")
	}
	if len(txns) > MaxGroupSize {
		return Digest{}, fmt.Errorf("group of %d transactions exceeds limit of %d", len(txns), MaxGroupSize)
	}
	ids := make([]byte, 0, len(txns)*len(Digest{}))
	for i, t := range txns {
		t.Group = Digest{}
		id, err := t.ID()
		if err != nil {
			return Digest{}, fmt.Errorf("transaction %d: %w", i, err)
		}
		ids = append(ids, id[:]...)
	}
	return hashWithPrefix(groupPrefix, ids), nil
}

// AssignGroup computes the group id of txns and stamps it on each of them.
func AssignGroup(txns []Txn) (Digest, error) {
	gid, err := ComputeGroupID(txns)
	if err != nil {
		return Digest{}, err
	}
	for i := range txns {
		txns[i].Group = gid
	}
	return gid, nil
}

// EncodeGroup serialises every transaction of a group.
func EncodeGroup(txns []Txn) ([][]byte, error) {
	out := make([][]byte, len(txns))
	for i, t := range txns {
		enc, err := t.Encode()
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

// DecodeGroup parses every transaction of a serialised group.
func DecodeGroup(raw [][]byte) ([]Txn, error) {
	out := make([]Txn, len(raw))
	for i, b := range raw {
		t, err := DecodeTxn(b)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
