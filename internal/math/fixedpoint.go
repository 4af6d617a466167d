// internal/math/fixedpoint.go
package math

import (
	"errors"
	stdmath "math"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator for every rate, premium and fee expressed in bps.
const BasisPoints int64 = 10_000

var (
	ErrOverflow  = errors.New("math: overflow")
	ErrNegative  = errors.New("math: negative result")
	ErrDivByZero = errors.New("math: division by zero")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// MulDiv computes a * b / d with a 512-bit intermediate product.
// Operands must be non-negative; the result must fit in int64.
func MulDiv(a, b, d int64, mode RoundingMode) (int64, error) {
	if d == 0 {
		return 0, ErrDivByZero
	}
	if a < 0 || b < 0 || d < 0 {
		return 0, ErrNegative
	}

	x := uint256.NewInt(uint64(a))
	y := uint256.NewInt(uint64(b))
	den := uint256.NewInt(uint64(d))

	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, den)
	if overflow {
		return 0, ErrOverflow
	}

	remainder := new(uint256.Int).MulMod(x, y, den)
	if !remainder.IsZero() {
		switch mode {
		case RoundUp:
			quotient.AddUint64(quotient, 1)
		case RoundHalfEven:
			// compare 2*rem against d
			twice := new(uint256.Int).Lsh(remainder, 1)
			cmp := twice.Cmp(den)
			if cmp > 0 || (cmp == 0 && quotient.Uint64()%2 == 1) {
				quotient.AddUint64(quotient, 1)
			}
		}
	}

	if !quotient.IsUint64() || quotient.Uint64() > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(quotient.Uint64()), nil
}

// Add returns a + b, failing instead of wrapping.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > stdmath.MaxInt64-b) || (b < 0 && a < stdmath.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a - b and rejects results below zero. Ledger quantities are never negative.
func Sub(a, b int64) (int64, error) {
	if b > a {
		return 0, ErrNegative
	}
	return a - b, nil
}

// Mul returns a * b, failing instead of wrapping.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == stdmath.MinInt64) || (b == -1 && a == stdmath.MinInt64) {
		return 0, ErrOverflow
	}
	return c, nil
}

// WeightedAverage blends two values by their weights:
// (aWeight*aValue + bWeight*bValue) / (aWeight + bWeight).
// It is always recomputed from the two tranches, never updated incrementally.
func WeightedAverage(aWeight, aValue, bWeight, bValue int64, mode RoundingMode) (int64, error) {
	if aWeight < 0 || bWeight < 0 || aValue < 0 || bValue < 0 {
		return 0, ErrNegative
	}
	total, err := Add(aWeight, bWeight)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, ErrDivByZero
	}
	if aWeight == 0 {
		return bValue, nil
	}
	if bWeight == 0 {
		return aValue, nil
	}

	num := new(uint256.Int).Mul(uint256.NewInt(uint64(aWeight)), uint256.NewInt(uint64(aValue)))
	second := new(uint256.Int).Mul(uint256.NewInt(uint64(bWeight)), uint256.NewInt(uint64(bValue)))
	if _, overflow := num.AddOverflow(num, second); overflow {
		return 0, ErrOverflow
	}

	den := uint256.NewInt(uint64(total))
	quotient, remainder := new(uint256.Int), new(uint256.Int)
	quotient.DivMod(num, den, remainder)

	if !remainder.IsZero() {
		switch mode {
		case RoundUp:
			quotient.AddUint64(quotient, 1)
		case RoundHalfEven:
			twice := new(uint256.Int).Lsh(remainder, 1)
			cmp := twice.Cmp(den)
			if cmp > 0 || (cmp == 0 && quotient.Uint64()%2 == 1) {
				quotient.AddUint64(quotient, 1)
			}
		}
	}

	if !quotient.IsUint64() || quotient.Uint64() > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(quotient.Uint64()), nil
}

// Pow10 returns 10^exp for asset decimal scaling.
func Pow10(exp int) (int64, error) {
	if exp < 0 || exp > 18 {
		return 0, ErrOverflow
	}
	v := int64(1)
	for i := 0; i < exp; i++ {
		v *= 10
	}
	return v, nil
}
