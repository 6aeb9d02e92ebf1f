package wire

import "github.com/pgbridge/pgbridge/pkg/codec"

// FormatCode represents the encoding format of a given column or parameter.
type FormatCode = codec.FormatCode

const (
	// TextFormat is the default, text format.
	TextFormat = codec.TextFormat
	// BinaryFormat is an alternative, binary, encoding.
	BinaryFormat = codec.BinaryFormat
)
