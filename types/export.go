package types

import (
	"encoding/json"
	"time"
)

// AtomicGroup is an unsigned transaction group. Transactions are in wire
// form and all carry GroupID.
type AtomicGroup struct {
	Transactions [][]byte `json:"transactions"`
	GroupID      []byte   `json:"groupId"`
	Manifest     []string `json:"manifest"`
	TxnCount     int      `json:"txnCount"`
}

// BridgeDestination names where a bridged amount should arrive.
type BridgeDestination struct {
	Chain     string `json:"chain"`
	Recipient string `json:"recipient"`
}

type Routing struct {
	RequiredSigner    string             `json:"requiredSigner"`
	TollReceiver      string             `json:"tollReceiver"`
	BridgeDestination *BridgeDestination `json:"bridgeDestination,omitempty"`
	Network           string             `json:"network"`
}

// Slippage amounts are base units of the payment asset.
type Slippage struct {
	ToleranceBips  uint64 `json:"toleranceBips"`
	ExpectedAmount uint64 `json:"expectedAmount,string"`
	MinAmountOut   uint64 `json:"minAmountOut,string"`
}

// IntentRecord is the per-intent summary carried by batch exports.
type IntentRecord struct {
	DestinationChain string `json:"destinationChain,omitempty"`
	Amount           uint64 `json:"amount,string"`
	MinAmountOut     uint64 `json:"minAmountOut,string"`
	ToleranceBips    uint64 `json:"toleranceBips"`
}

// SealedExport is the inert envelope handed back to the caller after a paid
// action request. It holds only unsigned transactions.
type SealedExport struct {
	ExportID     string         `json:"exportId"`
	SealedAt     time.Time      `json:"sealedAt"`
	AtomicGroup  AtomicGroup    `json:"atomicGroup"`
	Routing      Routing        `json:"routing"`
	Slippage     Slippage       `json:"slippage"`
	BatchSize    int            `json:"batchSize"`
	BatchIntents []IntentRecord `json:"batchIntents,omitempty"`
	Seal         string         `json:"seal,omitempty"`
}

// TradeIntent is one caller-supplied action. Nil fields take configured
// defaults.
type TradeIntent struct {
	Amount               *uint64 `json:"amount,omitempty"`
	DestinationChain     *string `json:"destinationChain,omitempty"`
	DestinationRecipient *string `json:"destinationRecipient,omitempty"`
	SlippageBips         *uint64 `json:"slippageBips,omitempty"`
}

// ToSealedExport unmarshals bytes to a sealed export
func ToSealedExport(data []byte) (*SealedExport, error) {
	var export SealedExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, err
	}
	return &export, nil
}
