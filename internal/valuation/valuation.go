// Package valuation converts raw token amounts into common-unit values using
// an oracle price quote.
//
// A common-unit value carries exactly 6 decimal places. Intermediate
// products are held in a 128-bit accumulator and every multiplication,
// division and final narrowing is checked: nothing wraps or saturates.
package valuation

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/model"
)

// ErrMathOverflow is returned when an intermediate or final value does not
// fit its width, or a checked division has a zero divisor.
var ErrMathOverflow = errors.New("valuation: math overflow")

// maxPow10 is the largest power of ten representable in 128 bits.
const maxPow10 = 38

var pow10Table = func() [maxPow10 + 1]uint256.Int {
	var t [maxPow10 + 1]uint256.Int
	t[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i <= maxPow10; i++ {
		t[i].Mul(&t[i-1], ten)
	}
	return t
}()

func pow10(n uint32) (*uint256.Int, bool) {
	if n > maxPow10 {
		return nil, false
	}
	return new(uint256.Int).Set(&pow10Table[n]), true
}

// Fits128 reports whether x fits an unsigned 128-bit integer.
func Fits128(x *uint256.Int) bool {
	return x.BitLen() <= 128
}

// MulChecked128 returns x*y or false if the product exceeds 128 bits.
func MulChecked128(x, y *uint256.Int) (*uint256.Int, bool) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow || !Fits128(z) {
		return nil, false
	}
	return z, true
}

// AddChecked128 returns x+y or false if the sum exceeds 128 bits.
func AddChecked128(x, y *uint256.Int) (*uint256.Int, bool) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow || !Fits128(z) {
		return nil, false
	}
	return z, true
}

// scaleShift is the power of ten that moves amount*price (after removing
// token decimals) onto the 6-decimal common unit.
func scaleShift(q *model.PriceQuote) int64 {
	return model.ValueDecimals + int64(q.Exponent)
}

// ValueOf returns the common-unit value of amount, a quantity in native
// units of a token with tokenDecimals decimals, at price q.
//
// Example: 1_000_000 units of a 6-decimal token at price 50_00000000 with
// exponent -8 is worth 50_000000 ($50.00).
func ValueOf(amount uint64, tokenDecimals uint8, q *model.PriceQuote) (uint64, error) {
	if q.Price == 0 || amount == 0 {
		return 0, nil
	}

	base, ok := MulChecked128(uint256.NewInt(amount), uint256.NewInt(q.Price))
	if !ok {
		return 0, ErrMathOverflow
	}

	div, ok := pow10(uint32(tokenDecimals))
	if !ok {
		return 0, ErrMathOverflow
	}
	v := new(uint256.Int).Div(base, div)

	shift := scaleShift(q)
	switch {
	case shift > 0:
		f, ok := pow10(uint32(shift))
		if !ok {
			if v.IsZero() {
				break
			}
			return 0, ErrMathOverflow
		}
		if v, ok = MulChecked128(v, f); !ok {
			return 0, ErrMathOverflow
		}
	case shift < 0:
		f, ok := pow10(uint32(-shift))
		if !ok {
			// The divisor exceeds any 128-bit dividend.
			return 0, nil
		}
		v.Div(v, f)
	}

	if !v.IsUint64() {
		return 0, ErrMathOverflow
	}
	return v.Uint64(), nil
}

// AmountFor is the inverse of ValueOf: it returns the largest native amount
// whose value at price q does not exceed value. The result truncates toward
// zero. A zero price fails with ErrMathOverflow.
func AmountFor(value uint64, tokenDecimals uint8, q *model.PriceQuote) (uint64, error) {
	if q.Price == 0 {
		return 0, ErrMathOverflow
	}
	if value == 0 {
		return 0, nil
	}

	scale, ok := pow10(uint32(tokenDecimals))
	if !ok {
		return 0, ErrMathOverflow
	}
	num, ok := MulChecked128(uint256.NewInt(value), scale)
	if !ok {
		return 0, ErrMathOverflow
	}
	den := uint256.NewInt(q.Price)

	shift := scaleShift(q)
	switch {
	case shift > 0:
		f, ok := pow10(uint32(shift))
		if !ok {
			return 0, nil
		}
		if den, ok = MulChecked128(den, f); !ok {
			return 0, nil
		}
	case shift < 0:
		f, ok := pow10(uint32(-shift))
		if !ok {
			return 0, ErrMathOverflow
		}
		if num, ok = MulChecked128(num, f); !ok {
			return 0, ErrMathOverflow
		}
	}

	amt := new(uint256.Int).Div(num, den)
	if !amt.IsUint64() {
		return 0, ErrMathOverflow
	}
	return amt.Uint64(), nil
}
