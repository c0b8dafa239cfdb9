package math

import (
	stdmath "math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int // Number of decimal places
}

var (
	// PriceConfig is the 8-decimal convention used by price feeds and peg targets.
	PriceConfig = DecimalConfig{DecimalPrecision: 8}

	// BpsScale is 100% expressed in basis points.
	BpsScale int64 = 10_000
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 returns floor(numerator / denominator) for non-negative
// operands, saturating at math.MaxInt64 when the quotient does not fit.
func DivideInt128(numerator *big.Int, denominator int64) int64 {
	quotient := getInt128()
	defer putInt128(quotient)

	quotient.Quo(numerator, big.NewInt(denominator))
	if !quotient.IsInt64() {
		return stdmath.MaxInt64
	}
	return quotient.Int64()
}

// MulDivFloor computes floor(a * b / denominator) without intermediate overflow.
// All operands must be non-negative and denominator non-zero. Results beyond
// int64 saturate at math.MaxInt64.
func MulDivFloor(a, b, denominator int64) int64 {
	product := MultiplyInt128(a, b)
	result := DivideInt128(product, denominator)
	putInt128(product)
	return result
}

// ToDecimal renders a fixed-point integer with the given precision.
func ToDecimal(value int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(value, -int32(cfg.DecimalPrecision))
}

// FormatPrice renders an 8-decimal price, e.g. 75_000_000 -> "0.75".
func FormatPrice(price int64) string {
	return ToDecimal(price, PriceConfig).String()
}

// FormatBps renders basis points as a percentage string, e.g. 2500 -> "25".
func FormatBps(bps int64) string {
	return decimal.New(bps, -2).String()
}

// RescaleDecimals converts a value with fromDecimals precision to toDecimals,
// truncating toward zero when precision is lost.
func RescaleDecimals(value *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case fromDecimals > toDecimals:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals-toDecimals)), nil)
		out.Quo(out, factor)
	case fromDecimals < toDecimals:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(toDecimals-fromDecimals)), nil)
		out.Mul(out, factor)
	}
	return out
}
