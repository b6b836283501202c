package chain

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Address is the 32-byte ed25519 public key that identifies an account.
// Its text form is base58.
type Address [32]byte

// ZeroAddress is the all-zero address. It never identifies a real account.
var ZeroAddress Address

// ParseAddress decodes a base58 account address.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return ZeroAddress, fmt.Errorf("address is empty")
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return ZeroAddress, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(pk), nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return solana.PublicKey(a).String()
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
