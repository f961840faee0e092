package fixed

import (
	"math/big"
	"sync"
)

// All pool quantities share one fixed-point representation: int64 scaled by
// Scale. Collateral amounts, oracle prices, USD debt values, debt shares and
// collateralization ratios all use decimal_precision=6.
const (
	DecimalPrecision = 6
	Scale            = 1_000_000
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Pooled big.Int for intermediate 128-bit products
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// Mul128 performs a * b using a big.Int to prevent overflow.
// The caller must release the result via the package's pool; use MulDiv
// unless the raw product is needed.
func Mul128(a, b int64) *big.Int {
	result := getInt()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Div128 performs numerator / denominator with the given rounding mode.
func Div128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt()
	remainder := getInt()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt(quotient)
	putInt(remainder)

	return result
}

// MulDiv computes a * b / denominator through a 128-bit intermediate,
// with banker's rounding. This is the workhorse for all proportional-share
// arithmetic: share issuance, share retirement, and debt attribution.
func MulDiv(a, b, denominator int64) int64 {
	product := Mul128(a, b)
	result := Div128(product, denominator, RoundHalfEven)
	putInt(product)
	return result
}

// Value converts a token amount and a unit price into a USD-denominated
// value at the common scale: amount * price / Scale.
func Value(amount, price int64) int64 {
	return MulDiv(amount, price, Scale)
}

// Ratio computes numerator / denominator as a fixed-point fraction:
// numerator * Scale / denominator.
func Ratio(numerator, denominator int64) int64 {
	return MulDiv(numerator, Scale, denominator)
}
