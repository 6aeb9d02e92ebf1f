package wire

import (
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/pkg/buffer"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// errFieldType represents the error fields.
type errFieldType byte

// http://www.postgresql.org/docs/current/static/protocol-error-fields.html
const (
	errFieldSeverity   errFieldType = 'S'
	errFieldMsgPrimary errFieldType = 'M'
	errFieldSQLState   errFieldType = 'C'
	errFieldDetail     errFieldType = 'D'
	errFieldHint       errFieldType = 'H'
)

// ErrorCode writes an error message as response to a command with the given
// severity and error message. The caller remains responsible for emitting the
// ready for query message that closes the command cycle.
// https://www.postgresql.org/docs/current/static/protocol-error-fields.html
func ErrorCode(writer *buffer.Writer, err error) error {
	desc := psqlerr.Flatten(err)

	tag := types.ServerErrorResponse
	if psqlerr.Notice(desc.Severity) {
		tag = types.ServerNoticeResponse
	}

	writer.Start(tag)

	writer.AddByte(byte(errFieldSeverity))
	writer.AddString(string(desc.Severity))
	writer.AddNullTerminate()
	writer.AddByte(byte(errFieldSQLState))
	writer.AddString(string(desc.Code))
	writer.AddNullTerminate()
	writer.AddByte(byte(errFieldMsgPrimary))
	writer.AddString(desc.Message)
	writer.AddNullTerminate()

	if desc.Detail != "" {
		writer.AddByte(byte(errFieldDetail))
		writer.AddString(desc.Detail)
		writer.AddNullTerminate()
	}

	if desc.Hint != "" {
		writer.AddByte(byte(errFieldHint))
		writer.AddString(desc.Hint)
		writer.AddNullTerminate()
	}

	writer.AddNullTerminate()
	return writer.End()
}
