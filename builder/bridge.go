package builder

import (
	"bytes"
	"fmt"
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-foundation/x402/settle/chain"
)

// bridgeABI describes the bridge application's transfer method.
var bridgeABI = []byte(`[
  {
    "type": "function",
    "name": "transferTokens",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "amount", "type": "uint64"},
      {"name": "recipientChain", "type": "uint16"},
      {"name": "recipient", "type": "bytes32"},
      {"name": "nonce", "type": "uint64"},
      {"name": "minAmountOut", "type": "uint64"}
    ],
    "outputs": []
  }
]`)

var parsedBridgeABI = mustParseABI(bridgeABI)

func mustParseABI(raw []byte) ethabi.ABI {
	parsed, err := ethabi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("builder: invalid bridge ABI: %v", err))
	}
	return parsed
}

// bridgeChainIDs maps destination names to bridge chain ids.
var bridgeChainIDs = map[string]uint16{
	"solana":    1,
	"ethereum":  2,
	"bsc":       4,
	"polygon":   5,
	"avalanche": 6,
	"algorand":  8,
	"arbitrum":  23,
	"optimism":  24,
	"base":      30,
}

// BridgeChainID returns the bridge chain id for a destination chain name.
func BridgeChainID(name string) (uint16, bool) {
	id, ok := bridgeChainIDs[strings.ToLower(name)]
	return id, ok
}

// padRecipient turns a destination address into 32 bytes. Hex addresses are
// left padded; base58 account addresses are already 32 bytes.
func padRecipient(recipient string) ([32]byte, error) {
	var out [32]byte
	switch {
	case common.IsHexAddress(recipient):
		copy(out[:], common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32))
		return out, nil
	case recipient != "":
		addr, err := chain.ParseAddress(recipient)
		if err != nil {
			return out, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
		}
		return addr, nil
	default:
		return out, ErrInvalidRecipient
	}
}

// ValidRecipient reports whether recipient can be used as a bridge
// destination.
func ValidRecipient(recipient string) error {
	_, err := padRecipient(recipient)
	return err
}

// bridgeCallArgs encodes the bridge call as [selector, abi-encoded arguments].
func bridgeCallArgs(amount uint64, chainID uint16, recipient [32]byte, nonce, minAmountOut uint64) ([][]byte, error) {
	data, err := parsedBridgeABI.Pack("transferTokens", amount, chainID, recipient, nonce, minAmountOut)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bridge call: %w", err)
	}
	return [][]byte{data[:4], data[4:]}, nil
}

// decodeBridgeCall is the inverse of bridgeCallArgs.
func decodeBridgeCall(args [][]byte) (amount uint64, chainID uint16, recipient [32]byte, nonce, minAmountOut uint64, err error) {
	if len(args) != 2 {
		err = fmt.Errorf("bridge call needs 2 args, got %d", len(args))
		return
	}
	method, err := parsedBridgeABI.MethodById(args[0])
	if err != nil {
		return
	}
	values, err := method.Inputs.Unpack(args[1])
	if err != nil {
		return
	}
	amount = values[0].(uint64)
	chainID = values[1].(uint16)
	recipient = values[2].([32]byte)
	nonce = values[3].(uint64)
	minAmountOut = values[4].(uint64)
	return
}
