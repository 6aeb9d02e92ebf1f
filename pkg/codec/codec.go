// Package codec implements the PostgreSQL text and binary value formats for
// the wire types supported by the proxy. Every supported type OID registers
// four functions: a text encoder/decoder pair and a binary encoder/decoder
// pair. Encoders produce the exact byte representation a PostgreSQL server
// would emit and decoders accept the representation clients send inside Bind
// messages.
//
// NULL values are represented on the wire as a length of -1 and never reach
// the codec; callers handle them before dispatching.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lib/pq/oid"

	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
)

// FormatCode represents the encoding format of a given column or parameter.
type FormatCode int16

const (
	// TextFormat is the default, text format.
	TextFormat FormatCode = 0
	// BinaryFormat is an alternative, binary, encoding.
	BinaryFormat FormatCode = 1
)

func (code FormatCode) String() string {
	if code == BinaryFormat {
		return "binary"
	}

	return "text"
}

// Type holds the encode and decode functions for a single supported type OID
// together with the attributes reported inside a RowDescription.
type Type struct {
	Oid  oid.Oid
	Name string
	// Size is the fixed width of the type in bytes, or -1 for variable
	// width types (-2 for the unknown type), as reported inside
	// RowDescription.
	Size         int16
	TextEncode   func(value any) ([]byte, error)
	BinaryEncode func(value any) ([]byte, error)
	TextDecode   func(src []byte) (any, error)
	BinaryDecode func(src []byte) (any, error)
}

// Encode encodes the given value using the requested format code.
func (typed *Type) Encode(format FormatCode, value any) ([]byte, error) {
	if format == BinaryFormat {
		return typed.BinaryEncode(value)
	}

	return typed.TextEncode(value)
}

// Decode decodes the given bytes using the requested format code.
func (typed *Type) Decode(format FormatCode, src []byte) (any, error) {
	if format == BinaryFormat {
		return typed.BinaryDecode(src)
	}

	return typed.TextDecode(src)
}

var registry = map[oid.Oid]*Type{}

func register(typed *Type) {
	registry[typed.Oid] = typed
}

// Lookup returns the type registered for the given OID. Unknown OIDs fall
// back to the unknown (text passthrough) type so that values of unsupported
// types still reach the client in their text spelling.
func Lookup(id oid.Oid) *Type {
	typed, has := registry[id]
	if has {
		return typed
	}

	return registry[oid.T_unknown]
}

// Registered reports whether the given OID has an explicit codec entry.
func Registered(id oid.Oid) bool {
	_, has := registry[id]
	return has
}

// NewErrUndecodableText wraps a text-format decode failure with the SQLSTATE
// expected by clients.
func NewErrUndecodableText(err error) error {
	return psqlerr.WithCode(err, codes.InvalidTextRepresentation)
}

// NewErrUndecodableBinary wraps a binary-format decode failure with the
// SQLSTATE expected by clients.
func NewErrUndecodableBinary(err error) error {
	return psqlerr.WithCode(err, codes.InvalidBinaryRepresentation)
}

func init() {
	register(&Type{
		Oid:          oid.T_bool,
		Name:         "bool",
		Size:         1,
		TextEncode:   encodeBoolText,
		BinaryEncode: encodeBoolBinary,
		TextDecode:   decodeBoolText,
		BinaryDecode: decodeBoolBinary,
	})
	register(&Type{
		Oid:          oid.T_bytea,
		Name:         "bytea",
		Size:         -1,
		TextEncode:   encodeByteaText,
		BinaryEncode: encodeByteaBinary,
		TextDecode:   decodeByteaText,
		BinaryDecode: decodeByteaBinary,
	})
	register(&Type{
		Oid:          oid.T_int2,
		Name:         "int2",
		Size:         2,
		TextEncode:   encodeIntText,
		BinaryEncode: encodeInt2Binary,
		TextDecode:   decodeInt2Text,
		BinaryDecode: decodeInt2Binary,
	})
	register(&Type{
		Oid:          oid.T_int4,
		Name:         "int4",
		Size:         4,
		TextEncode:   encodeIntText,
		BinaryEncode: encodeInt4Binary,
		TextDecode:   decodeInt4Text,
		BinaryDecode: decodeInt4Binary,
	})
	register(&Type{
		Oid:          oid.T_int8,
		Name:         "int8",
		Size:         8,
		TextEncode:   encodeIntText,
		BinaryEncode: encodeInt8Binary,
		TextDecode:   decodeInt8Text,
		BinaryDecode: decodeInt8Binary,
	})
	register(&Type{
		Oid:          oid.T_float4,
		Name:         "float4",
		Size:         4,
		TextEncode:   encodeFloatText,
		BinaryEncode: encodeFloat4Binary,
		TextDecode:   decodeFloat4Text,
		BinaryDecode: decodeFloat4Binary,
	})
	register(&Type{
		Oid:          oid.T_float8,
		Name:         "float8",
		Size:         8,
		TextEncode:   encodeFloatText,
		BinaryEncode: encodeFloat8Binary,
		TextDecode:   decodeFloat8Text,
		BinaryDecode: decodeFloat8Binary,
	})
	register(&Type{
		Oid:          oid.T_numeric,
		Name:         "numeric",
		Size:         -1,
		TextEncode:   encodeNumericText,
		BinaryEncode: encodeNumericBinary,
		TextDecode:   decodeNumericText,
		BinaryDecode: decodeNumericBinary,
	})
	register(&Type{
		Oid:          oid.T_text,
		Name:         "text",
		Size:         -1,
		TextEncode:   encodeTextText,
		BinaryEncode: encodeTextText,
		TextDecode:   decodeTextText,
		BinaryDecode: decodeTextText,
	})
	register(&Type{
		Oid:          oid.T_varchar,
		Name:         "varchar",
		Size:         -1,
		TextEncode:   encodeTextText,
		BinaryEncode: encodeTextText,
		TextDecode:   decodeTextText,
		BinaryDecode: decodeTextText,
	})
	register(&Type{
		Oid:          oid.T_unknown,
		Name:         "unknown",
		Size:         -2,
		TextEncode:   encodeTextText,
		BinaryEncode: encodeTextText,
		TextDecode:   decodeTextText,
		BinaryDecode: decodeTextText,
	})
	register(&Type{
		Oid:          oid.T_date,
		Name:         "date",
		Size:         4,
		TextEncode:   encodeDateText,
		BinaryEncode: encodeDateBinary,
		TextDecode:   decodeDateText,
		BinaryDecode: decodeDateBinary,
	})
	register(&Type{
		Oid:          oid.T_timestamp,
		Name:         "timestamp",
		Size:         8,
		TextEncode:   encodeTimestampText,
		BinaryEncode: encodeTimestampBinary,
		TextDecode:   decodeTimestampText,
		BinaryDecode: decodeTimestampBinary,
	})
	register(&Type{
		Oid:          oid.T_timestamptz,
		Name:         "timestamptz",
		Size:         8,
		TextEncode:   encodeTimestamptzText,
		BinaryEncode: encodeTimestampBinary,
		TextDecode:   decodeTimestamptzText,
		BinaryDecode: decodeTimestamptzBinary,
	})
}

// boolean

func encodeBoolText(value any) ([]byte, error) {
	v, err := asBool(value)
	if err != nil {
		return nil, err
	}

	if v {
		return []byte{'t'}, nil
	}

	return []byte{'f'}, nil
}

func encodeBoolBinary(value any) ([]byte, error) {
	v, err := asBool(value)
	if err != nil {
		return nil, err
	}

	if v {
		return []byte{1}, nil
	}

	return []byte{0}, nil
}

func decodeBoolText(src []byte) (any, error) {
	switch strings.ToLower(string(src)) {
	case "t", "true", "y", "yes", "on", "1":
		return true, nil
	case "f", "false", "n", "no", "off", "0":
		return false, nil
	}

	return nil, NewErrUndecodableText(fmt.Errorf("invalid input syntax for type boolean: %q", src))
}

func decodeBoolBinary(src []byte) (any, error) {
	if len(src) != 1 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected boolean length: %d", len(src)))
	}

	return src[0] != 0, nil
}

func asBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case string:
		out, err := decodeBoolText([]byte(v))
		if err != nil {
			return false, err
		}
		return out.(bool), nil
	}

	return false, fmt.Errorf("cannot encode %T as boolean", value)
}

// bytea

func encodeByteaText(value any) ([]byte, error) {
	v, err := asBytes(value)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2+hex.EncodedLen(len(v)))
	out[0], out[1] = '\\', 'x'
	hex.Encode(out[2:], v)
	return out, nil
}

func encodeByteaBinary(value any) ([]byte, error) {
	return asBytes(value)
}

func decodeByteaText(src []byte) (any, error) {
	if !strings.HasPrefix(string(src), `\x`) {
		return nil, NewErrUndecodableText(fmt.Errorf("invalid input syntax for type bytea: %q", src))
	}

	out := make([]byte, hex.DecodedLen(len(src)-2))
	_, err := hex.Decode(out, src[2:])
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return out, nil
}

func decodeByteaBinary(src []byte) (any, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func asBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}

	return nil, fmt.Errorf("cannot encode %T as bytea", value)
}

// integers

func encodeIntText(value any) ([]byte, error) {
	v, err := asInt64(value)
	if err != nil {
		return nil, err
	}

	return strconv.AppendInt(nil, v, 10), nil
}

func encodeInt2Binary(value any) ([]byte, error) {
	v, err := asInt64(value)
	if err != nil {
		return nil, err
	}

	if v < math.MinInt16 || v > math.MaxInt16 {
		return nil, fmt.Errorf("value %d out of range for type int2", v)
	}

	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(int16(v)))
	return out, nil
}

func encodeInt4Binary(value any) ([]byte, error) {
	v, err := asInt64(value)
	if err != nil {
		return nil, err
	}

	if v < math.MinInt32 || v > math.MaxInt32 {
		return nil, fmt.Errorf("value %d out of range for type int4", v)
	}

	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(int32(v)))
	return out, nil
}

func encodeInt8Binary(value any) ([]byte, error) {
	v, err := asInt64(value)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(v))
	return out, nil
}

func decodeInt2Text(src []byte) (any, error) {
	v, err := strconv.ParseInt(string(src), 10, 16)
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return int16(v), nil
}

func decodeInt4Text(src []byte) (any, error) {
	v, err := strconv.ParseInt(string(src), 10, 32)
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return int32(v), nil
}

func decodeInt8Text(src []byte) (any, error) {
	v, err := strconv.ParseInt(string(src), 10, 64)
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return v, nil
}

func decodeInt2Binary(src []byte) (any, error) {
	if len(src) != 2 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected int2 length: %d", len(src)))
	}

	return int16(binary.BigEndian.Uint16(src)), nil
}

func decodeInt4Binary(src []byte) (any, error) {
	if len(src) != 4 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected int4 length: %d", len(src)))
	}

	return int32(binary.BigEndian.Uint32(src)), nil
}

func decodeInt8Binary(src []byte) (any, error) {
	if len(src) != 8 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected int8 length: %d", len(src)))
	}

	return int64(binary.BigEndian.Uint64(src)), nil
}

func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int:
		return int64(v), nil
	case string:
		out, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, NewErrUndecodableText(err)
		}
		return out, nil
	}

	return 0, fmt.Errorf("cannot encode %T as integer", value)
}

// floats

func encodeFloatText(value any) ([]byte, error) {
	v, err := asFloat64(value)
	if err != nil {
		return nil, err
	}

	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func encodeFloat4Binary(value any) ([]byte, error) {
	v, err := asFloat64(value)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, math.Float32bits(float32(v)))
	return out, nil
}

func encodeFloat8Binary(value any) ([]byte, error) {
	v, err := asFloat64(value)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, math.Float64bits(v))
	return out, nil
}

func decodeFloat4Text(src []byte) (any, error) {
	v, err := strconv.ParseFloat(string(src), 32)
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return float32(v), nil
}

func decodeFloat8Text(src []byte) (any, error) {
	v, err := strconv.ParseFloat(string(src), 64)
	if err != nil {
		return nil, NewErrUndecodableText(err)
	}

	return v, nil
}

func decodeFloat4Binary(src []byte) (any, error) {
	if len(src) != 4 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected float4 length: %d", len(src)))
	}

	return math.Float32frombits(binary.BigEndian.Uint32(src)), nil
}

func decodeFloat8Binary(src []byte) (any, error) {
	if len(src) != 8 {
		return nil, NewErrUndecodableBinary(fmt.Errorf("unexpected float8 length: %d", len(src)))
	}

	return math.Float64frombits(binary.BigEndian.Uint64(src)), nil
}

func asFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		out, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, NewErrUndecodableText(err)
		}
		return out, nil
	}

	return 0, fmt.Errorf("cannot encode %T as float", value)
}

// text

func encodeTextText(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	}

	return []byte(fmt.Sprintf("%v", value)), nil
}

func decodeTextText(src []byte) (any, error) {
	if !utf8.Valid(src) {
		err := fmt.Errorf("invalid byte sequence for encoding UTF8")
		return nil, psqlerr.WithCode(err, codes.CharacterNotInRepertoire)
	}

	return string(src), nil
}

