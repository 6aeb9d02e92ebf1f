package buffer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/pkg/types"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	sink := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), sink)

	writer.Start(types.ServerRowDescription)
	writer.AddInt16(2)
	writer.AddString("name")
	writer.AddNullTerminate()
	writer.AddInt32(-1)
	writer.AddInt64(42)
	writer.AddBytes([]byte{0xde, 0xad})
	writer.AddByte('x')
	require.NoError(t, writer.End())
	require.NoError(t, writer.Flush())

	reader := NewReader(slogt.New(t), sink, DefaultBufferSize)
	typed, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ClientMessage(types.ServerRowDescription), typed)

	count, err := reader.GetInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(2), count)

	name, err := reader.GetString()
	require.NoError(t, err)
	assert.Equal(t, "name", name)

	signed, err := reader.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), signed)

	wide, err := reader.GetInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), wide)

	raw, err := reader.GetBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, raw)

	b, err := reader.GetBytes(1)
	require.NoError(t, err)
	assert.Equal(t, byte('x'), b[0])
	assert.Equal(t, 0, reader.Remaining())
}

func TestMessageLengthIncludesSelf(t *testing.T) {
	t.Parallel()

	sink := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), sink)

	writer.Start(types.ServerReady)
	writer.AddByte('I')
	require.NoError(t, writer.End())
	require.NoError(t, writer.Flush())

	raw := sink.Bytes()
	require.Len(t, raw, 6)
	assert.Equal(t, byte(types.ServerReady), raw[0])
	// length covers the four length bytes and the payload
	assert.Equal(t, []byte{0, 0, 0, 5}, raw[1:5])
	assert.Equal(t, byte('I'), raw[5])
}

func TestGetStringMissingTerminator(t *testing.T) {
	t.Parallel()

	reader := NewReader(slogt.New(t), &bytes.Buffer{}, DefaultBufferSize)
	reader.Msg = []byte("unterminated")

	_, err := reader.GetString()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingNulTerminator))
}

func TestGetStringInvalidUTF8(t *testing.T) {
	t.Parallel()

	reader := NewReader(slogt.New(t), &bytes.Buffer{}, DefaultBufferSize)
	reader.Msg = []byte{0xff, 0xfe, 0x00}

	_, err := reader.GetString()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidUTF8))
}

func TestGetBytesNullValue(t *testing.T) {
	t.Parallel()

	reader := NewReader(slogt.New(t), &bytes.Buffer{}, DefaultBufferSize)
	reader.Msg = []byte{0x01}

	value, err := reader.GetBytes(-1)
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, 1, reader.Remaining())
}

func TestInsufficientData(t *testing.T) {
	t.Parallel()

	reader := NewReader(slogt.New(t), &bytes.Buffer{}, DefaultBufferSize)
	reader.Msg = []byte{0x01}

	_, err := reader.GetUint32()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestMessageSizeExceeded(t *testing.T) {
	t.Parallel()

	sink := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), sink)

	writer.Start(types.ServerDataRow)
	writer.AddBytes(bytes.Repeat([]byte{'a'}, 128))
	require.NoError(t, writer.End())
	require.NoError(t, writer.Flush())

	reader := NewReader(slogt.New(t), sink, 64)
	_, _, err := reader.ReadTypedMsg()
	require.Error(t, err)

	exceeded, has := UnwrapMessageSizeExceeded(err)
	require.True(t, has)
	assert.Equal(t, 64, exceeded.Max)
	assert.Equal(t, 128, exceeded.Size)

	// the remainder of the oversized message stays readable
	require.NoError(t, reader.Slurp(exceeded.Size))
}
