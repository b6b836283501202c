// Package price holds the integer slippage arithmetic shared by the group
// builder and the validation gatekeeper, plus price oracle adapters.
package price

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// BipsDenominator is one hundred percent in basis points.
	BipsDenominator = 10000
	// PriceScale is the fixed-point scale of oracle prices. A price of
	// 1_000_000 means parity.
	PriceScale = 1_000_000
)

var (
	ErrInvalidBips = errors.New("price: slippage bips out of range")
	ErrOverflow    = errors.New("price: amount overflows uint64")
)

// mulDiv returns floor(a*b/c) without intermediate overflow.
func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, fmt.Errorf("price: division by zero")
	}
	r := new(big.Int).SetUint64(a)
	r.Mul(r, new(big.Int).SetUint64(b))
	r.Quo(r, new(big.Int).SetUint64(c))
	if !r.IsUint64() {
		return 0, ErrOverflow
	}
	return r.Uint64(), nil
}

// ValidateBips checks that bips is a usable tolerance.
func ValidateBips(bips uint64) error {
	if bips > BipsDenominator {
		return fmt.Errorf("%w: %d", ErrInvalidBips, bips)
	}
	return nil
}

// MinAmountOut returns floor(amount * (10000 - bips) / 10000).
func MinAmountOut(amount, bips uint64) (uint64, error) {
	if err := ValidateBips(bips); err != nil {
		return 0, err
	}
	return mulDiv(amount, BipsDenominator-bips, BipsDenominator)
}

// OracleExpected converts a declared amount at the oracle's price.
func OracleExpected(expectedAmount, price uint64) (uint64, error) {
	return mulDiv(expectedAmount, price, PriceScale)
}

// OracleFloor is the lowest acceptable minimum output for a tolerance.
func OracleFloor(oracleExpected, bips uint64) (uint64, error) {
	return MinAmountOut(oracleExpected, bips)
}

// DeviationBips returns how far declared sits from reference, in basis
// points of reference. Positive means declared is higher.
func DeviationBips(declared, reference uint64) int64 {
	if reference == 0 {
		return 0
	}
	d := new(big.Int).SetUint64(declared)
	d.Sub(d, new(big.Int).SetUint64(reference))
	d.Mul(d, big.NewInt(BipsDenominator))
	d.Quo(d, new(big.Int).SetUint64(reference))
	if !d.IsInt64() {
		if d.Sign() < 0 {
			return -1 << 63
		}
		return 1<<63 - 1
	}
	return d.Int64()
}
