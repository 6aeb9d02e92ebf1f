package wire

import (
	"fmt"

	"github.com/lib/pq/oid"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/pkg/buffer"
	"github.com/pgbridge/pgbridge/pkg/codec"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// Columns represent a collection of columns
type Columns []Column

// Column represents a table column and its attributes such as name, type and
// encode formatter.
// https://www.postgresql.org/docs/current/catalog-pg-attribute.html
type Column struct {
	Table        int32  // table id
	Name         string // column name
	AttrNo       int16  // column attribute no (optional)
	Oid          oid.Oid
	Width        int16
	TypeModifier int32
}

// NewColumns maps backend column descriptions onto their wire form using the
// registered type codecs.
func NewColumns(infos []backend.ColumnInfo) Columns {
	columns := make(Columns, len(infos))
	for i, info := range infos {
		typed := codec.Lookup(info.Oid)
		columns[i] = Column{
			Name:         info.Name,
			AttrNo:       int16(i + 1),
			Oid:          typed.Oid,
			Width:        typed.Size,
			TypeModifier: -1,
		}
	}

	return columns
}

// Define writes the table RowDescription headers for the given table and the containing
// columns. The headers have to be written before any data rows could be send back
// to the client. The given formats describe the format codes announced per
// column following the Bind format code rules.
func (columns Columns) Define(writer *buffer.Writer, formats []FormatCode) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		column.Define(writer, formatOf(formats, index))
	}

	return writer.End()
}

// Write writes the given column values back to the client using the predefined
// table column types and format encoders (text/binary).
func (columns Columns) Write(writer *buffer.Writer, formats []FormatCode, values []any) error {
	if len(values) != len(columns) {
		return fmt.Errorf("unexpected columns, %d columns are defined inside the given table but %d were given", len(columns), len(values))
	}

	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		err := column.Write(writer, formatOf(formats, index), values[index])
		if err != nil {
			return err
		}
	}

	return writer.End()
}

// Define writes the column header values to the given writer.
// This method is used to define a column inside RowDescription message defining
// the column type, width, and name.
func (column Column) Define(writer *buffer.Writer, format FormatCode) {
	writer.AddString(column.Name)
	writer.AddNullTerminate()
	writer.AddInt32(column.Table)
	writer.AddInt16(column.AttrNo)
	writer.AddInt32(int32(column.Oid))
	writer.AddInt16(column.Width)
	writer.AddInt32(column.TypeModifier)
	writer.AddInt16(int16(format))
}

// Write encodes the given source value using the column type definition. The
// encoded byte buffer is added to the given write buffer as part of a DataRow
// message. Nil values are encoded as NULL with a wire length of -1.
func (column Column) Write(writer *buffer.Writer, format FormatCode, value any) error {
	if value == nil {
		writer.AddInt32(-1)
		return nil
	}

	encoded, err := codec.Lookup(column.Oid).Encode(format, value)
	if err != nil {
		return err
	}

	writer.AddInt32(int32(len(encoded)))
	writer.AddBytes(encoded)
	return nil
}

// formatOf resolves the format code of the column at the given index
// following the Bind rules: an empty list means text, a single entry applies
// to all columns, otherwise the list holds one entry per column.
func formatOf(formats []FormatCode, index int) FormatCode {
	switch {
	case len(formats) == 0:
		return TextFormat
	case len(formats) == 1:
		return formats[0]
	case index < len(formats):
		return formats[index]
	default:
		return TextFormat
	}
}
