package buffer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/pgbridge/pgbridge/pkg/types"
)

// Writer provides a convenient way to write pgwire protocol messages
type Writer struct {
	out    *bufio.Writer
	logger *slog.Logger
	frame  bytes.Buffer
	putbuf [64]byte // buffer used to construct messages which could be written to the writer frame buffer
	err    error
}

// NewWriter constructs a new Postgres buffered message writer for the given
// io.Writer. Completed messages are staged inside an internal bufio.Writer
// and hit the underlying connection once [Writer.Flush] is called or the
// staging buffer fills up.
func NewWriter(logger *slog.Logger, writer io.Writer) *Writer {
	return &Writer{
		logger: logger,
		out:    bufio.NewWriter(writer),
	}
}

// Start resets the buffer writer and starts a new message with the given
// message type. The message type (byte) and reserved message length bytes (int32)
// are written to the underlaying bytes buffer.
func (writer *Writer) Start(t types.ServerMessage) {
	writer.Reset()
	writer.putbuf[0] = byte(t)
	writer.frame.Write(writer.putbuf[:5]) // message type + message length
}

// AddByte writes the given byte to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres client. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddByte(b byte) {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(b)
}

// AddInt16 writes the given int16 to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres client. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddInt16(i int16) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 2)
	binary.BigEndian.PutUint16(x, uint16(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddInt32 writes the given int32 to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres client. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddInt32(i int32) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 4)
	binary.BigEndian.PutUint32(x, uint32(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddInt64 writes the given int64 to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres client. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddInt64(i int64) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 8)
	binary.BigEndian.PutUint64(x, uint64(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddBytes writes the given bytes to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres client. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddBytes(b []byte) (size int) {
	if writer.err != nil {
		return size
	}

	size, writer.err = writer.frame.Write(b)
	return size
}

// AddString writes the given string to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres client. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddString(s string) (size int) {
	if writer.err != nil {
		return size
	}

	size, writer.err = writer.frame.WriteString(s)
	return size
}

// AddNullTerminate writes a null terminate symbol to the end of the given data frame
func (writer *Writer) AddNullTerminate() {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(0)
}

func (writer *Writer) Error() error {
	return writer.err
}

// Bytes returns the written bytes to the active data frame
func (writer *Writer) Bytes() []byte {
	return writer.frame.Bytes()
}

// Reset resets the data frame to be empty
func (writer *Writer) Reset() {
	writer.frame.Reset()
	writer.err = nil
}

// End stages the prepared message inside the underlaying buffered writer and
// resets the frame. The to be expected message length is appended after the
// message status byte. The staged bytes are written to the connection once
// [Writer.Flush] is called or the staging buffer fills up.
func (writer *Writer) End() error {
	defer writer.Reset()
	if writer.Error() != nil {
		return writer.Error()
	}

	bytes := writer.frame.Bytes()
	length := uint32(writer.frame.Len() - 1) // total message length minus the message type byte
	binary.BigEndian.PutUint32(bytes[1:5], length)
	_, err := writer.out.Write(bytes)

	writer.logger.Debug("-> writing message", slog.String("type", types.ServerMessage(bytes[0]).String()))
	return err
}

// WriteRaw writes the given bytes directly to the underlying connection,
// bypassing the frame and the staging buffer. This is only used for the
// single-byte SSL/GSS refusal during startup.
func (writer *Writer) WriteRaw(b []byte) error {
	if err := writer.out.Flush(); err != nil {
		return err
	}

	_, err := writer.out.Write(b)
	if err != nil {
		return err
	}

	return writer.out.Flush()
}

// Flush writes all staged messages to the underlying connection.
func (writer *Writer) Flush() error {
	return writer.out.Flush()
}

// EncodeBoolean returns a string value ("on"/"off") representing the given boolean value
func EncodeBoolean(value bool) string {
	if value {
		return "on"
	}

	return "off"
}
