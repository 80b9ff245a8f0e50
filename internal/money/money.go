// Package money represents monetary amounts in atomic units (cents,
// satoshi, micro-USDT). All arithmetic is performed on int64 to avoid
// floating-point precision issues; amounts cross process boundaries as
// decimal strings, never as floats.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Money is an amount of one asset in that asset's smallest unit.
//
//	$10.50 USD  = Money{Asset: USD, Atomic: 1050}
//	0.0005 BTC  = Money{Asset: BTC, Atomic: 50000}
type Money struct {
	Asset  Asset
	Atomic int64
}

var (
	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrAssetMismatch occurs when operating on different assets.
	ErrAssetMismatch = errors.New("money: asset mismatch")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")
)

// New creates a Money from atomic units.
func New(asset Asset, atomic int64) Money {
	return Money{Asset: asset, Atomic: atomic}
}

// Zero returns a zero amount of the given asset.
func Zero(asset Asset) Money {
	return Money{Asset: asset}
}

// FromMajor parses a major-unit decimal string ("10.50") into atomic
// units, rounding half-up when the string carries more decimals than the
// asset.
func FromMajor(asset Asset, major string) (Money, error) {
	major = strings.TrimSpace(major)
	if major == "" {
		return Money{}, fmt.Errorf("%w: empty amount", ErrInvalidFormat)
	}

	intPart, fracPart, _ := strings.Cut(major, ".")
	if strings.Contains(fracPart, ".") {
		return Money{}, fmt.Errorf("%w: too many decimal points", ErrInvalidFormat)
	}
	if intPart == "" || intPart == "-" {
		intPart += "0"
	}

	intVal, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	decimals := int(asset.Decimals)
	var fracVal int64
	if fracPart != "" {
		for _, ch := range fracPart {
			if ch < '0' || ch > '9' {
				return Money{}, fmt.Errorf("%w: fractional part %q", ErrInvalidFormat, fracPart)
			}
		}
		if len(fracPart) > decimals {
			roundDigit := fracPart[decimals] - '0'
			fracPart = fracPart[:decimals]
			if fracPart != "" {
				fracVal, _ = strconv.ParseInt(fracPart, 10, 64)
			}
			if roundDigit >= 5 {
				fracVal++
			}
		} else {
			fracVal, _ = strconv.ParseInt(fracPart+strings.Repeat("0", decimals-len(fracPart)), 10, 64)
		}
	}

	multiplier := int64(math.Pow10(decimals))
	if intVal > 0 && intVal > math.MaxInt64/multiplier {
		return Money{}, ErrOverflow
	}
	if intVal < 0 && -intVal > math.MaxInt64/multiplier {
		return Money{}, ErrOverflow
	}

	atomic := intVal * multiplier
	if intVal < 0 || strings.HasPrefix(major, "-") {
		atomic -= fracVal
	} else {
		atomic += fracVal
	}
	return Money{Asset: asset, Atomic: atomic}, nil
}

// ToMajor renders the amount as a major-unit decimal string with the
// asset's full precision: Money{USD, 1050}.ToMajor() == "10.50".
func (m Money) ToMajor() string {
	decimals := int(m.Asset.Decimals)
	if decimals == 0 {
		return strconv.FormatInt(m.Atomic, 10)
	}

	divisor := int64(math.Pow10(decimals))
	intPart := m.Atomic / divisor
	fracPart := m.Atomic % divisor
	if fracPart < 0 {
		fracPart = -fracPart
	}

	sign := ""
	if m.Atomic < 0 && intPart == 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%0*d", sign, intPart, decimals, fracPart)
}

// Add returns the overflow-checked sum of two same-asset amounts.
func (m Money) Add(other Money) (Money, error) {
	if m.Asset.Code != other.Asset.Code {
		return Money{}, fmt.Errorf("%w: %s + %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	sum := m.Atomic + other.Atomic
	if (sum > m.Atomic) != (other.Atomic > 0) && other.Atomic != 0 {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: sum}, nil
}

// MulBasisPoints scales the amount by basis points (1/100th of a
// percent) with half-up rounding, using big.Int for the intermediate
// product. A 5%-underpayment threshold is MulBasisPoints(9500).
func (m Money) MulBasisPoints(basisPoints int64) (Money, error) {
	if basisPoints == 0 {
		return Zero(m.Asset), nil
	}

	product := new(big.Int).Mul(big.NewInt(m.Atomic), big.NewInt(basisPoints))
	if product.Sign() >= 0 {
		product.Add(product, big.NewInt(5000))
	} else {
		product.Sub(product, big.NewInt(5000))
	}
	product.Quo(product, big.NewInt(10000))

	if !product.IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: product.Int64()}, nil
}

// LessThan reports m < other. Different assets never compare true.
func (m Money) LessThan(other Money) bool {
	return m.Asset.Code == other.Asset.Code && m.Atomic < other.Atomic
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.Atomic > 0
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Atomic == 0
}

// String renders "10.50 USD" for logs.
func (m Money) String() string {
	return m.ToMajor() + " " + m.Asset.Code
}
