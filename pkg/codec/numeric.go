package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// PostgreSQL encodes numeric values on the binary wire as a sequence of
// base-10000 digits together with a weight, sign and display scale:
//
//	uint16 ndigits, int16 weight, uint16 sign, uint16 dscale,
//	ndigits x uint16 digit
//
// The weight is the base-10000 exponent of the first digit; a weight of zero
// places the first digit directly left of the decimal point.
// https://github.com/postgres/postgres/blob/master/src/backend/utils/adt/numeric.c
const (
	numericPositive = 0x0000
	numericNegative = 0x4000
	numericNaN      = 0xC000
)

func encodeNumericText(value any) ([]byte, error) {
	v, err := asDecimal(value)
	if err != nil {
		return nil, err
	}

	return []byte(v.String()), nil
}

func decodeNumericText(src []byte) (any, error) {
	v, err := decimal.NewFromString(string(src))
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return v, nil
}

func encodeNumericBinary(value any) ([]byte, error) {
	v, err := asDecimal(value)
	if err != nil {
		return nil, err
	}

	var dscale uint16
	if v.Exponent() < 0 {
		dscale = uint16(-v.Exponent())
	}

	sign := uint16(numericPositive)
	if v.Sign() < 0 {
		sign = numericNegative
	}

	digits, weight := numericDigits(v)

	out := make([]byte, 8+2*len(digits))
	binary.BigEndian.PutUint16(out[0:], uint16(len(digits)))
	binary.BigEndian.PutUint16(out[2:], uint16(int16(weight)))
	binary.BigEndian.PutUint16(out[4:], sign)
	binary.BigEndian.PutUint16(out[6:], dscale)
	for i, digit := range digits {
		binary.BigEndian.PutUint16(out[8+2*i:], digit)
	}

	return out, nil
}

func decodeNumericBinary(src []byte) (any, error) {
	if len(src) < 8 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected numeric length: %d", len(src)))
	}

	ndigits := int(binary.BigEndian.Uint16(src[0:]))
	weight := int(int16(binary.BigEndian.Uint16(src[2:])))
	sign := binary.BigEndian.Uint16(src[4:])

	if sign == numericNaN {
		return nil, NewErrUndecodableBinary(fmt.Errorf("numeric NaN is not supported"))
	}

	if len(src) != 8+2*ndigits {
		return nil, NewErrUndecodableBinary(fmt.Errorf("numeric digit count %d does not match payload", ndigits))
	}

	if ndigits == 0 {
		return decimal.Zero, nil
	}

	// Accumulate the base-10000 digits into a single coefficient. The
	// exponent of the last digit determines the decimal exponent.
	coefficient := new(big.Int)
	base := big.NewInt(10000)
	for i := 0; i < ndigits; i++ {
		digit := binary.BigEndian.Uint16(src[8+2*i:])
		if digit > 9999 {
			return nil, NewErrUndecodableBinary(fmt.Errorf("numeric digit %d out of range", digit))
		}

		coefficient.Mul(coefficient, base)
		coefficient.Add(coefficient, big.NewInt(int64(digit)))
	}

	if sign == numericNegative {
		coefficient.Neg(coefficient)
	}

	exponent := int32(4 * (weight - ndigits + 1))
	return decimal.NewFromBigInt(coefficient, exponent), nil
}

// numericDigits splits the absolute value of the given decimal into
// base-10000 digits and the matching weight. Leading and trailing zero groups
// are stripped, matching the canonical PostgreSQL encoding.
func numericDigits(v decimal.Decimal) ([]uint16, int) {
	text := v.Abs().String()

	integral, fractional, _ := strings.Cut(text, ".")

	// Pad the integral part on the left and the fractional part on the
	// right so both align on base-10000 group boundaries.
	for len(integral)%4 != 0 {
		integral = "0" + integral
	}
	for len(fractional)%4 != 0 {
		fractional += "0"
	}

	grouped := integral + fractional
	digits := make([]uint16, 0, len(grouped)/4)
	for i := 0; i < len(grouped); i += 4 {
		var digit uint16
		for _, c := range grouped[i : i+4] {
			digit = digit*10 + uint16(c-'0')
		}

		digits = append(digits, digit)
	}

	weight := len(integral)/4 - 1

	// Strip leading zero groups, lowering the weight accordingly.
	for len(digits) > 0 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}

	// Strip trailing zero groups, they carry no information beyond dscale.
	for len(digits) > 0 && digits[len(digits)-1] == 0 {
		digits = digits[:len(digits)-1]
	}

	return digits, weight
}

func asDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		out, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, NewErrUndecodableText(err)
		}
		return out, nil
	case []byte:
		out, err := decimal.NewFromString(string(v))
		if err != nil {
			return decimal.Zero, NewErrUndecodableText(err)
		}
		return out, nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	}

	return decimal.Zero, fmt.Errorf("cannot encode %T as numeric", value)
}
