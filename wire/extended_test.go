package wire

import (
	"context"
	"fmt"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/pkg/mock"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// echoBackend prepares statements which return their single int8 parameter.
func echoBackend() *fakeBackend {
	return &fakeBackend{
		prepare: func(ctx context.Context, sql string) (backend.Statement, error) {
			columns := []backend.ColumnInfo{{Name: "?column?", TypeName: "INT64", Oid: oid.T_int8}}

			return &fakeStatement{
				columns: columns,
				params:  []oid.Oid{0},
				query: func(ctx context.Context, args []any) (backend.Rows, error) {
					return &fakeRows{columns: columns, values: [][]any{{args[0]}}}, nil
				},
			}, nil
		},
	}
}

func parse(t *testing.T, client *mock.Client, name, query string, parameters []oid.Oid) {
	client.Start(types.ClientParse)
	client.AddString(name)
	client.AddNullTerminate()
	client.AddString(query)
	client.AddNullTerminate()
	client.AddInt16(int16(len(parameters)))
	for _, id := range parameters {
		client.AddInt32(int32(id))
	}
	require.NoError(t, client.End())
}

func bind(t *testing.T, client *mock.Client, portal, statement string, paramFormats []int16, params [][]byte, resultFormats []int16) {
	client.Start(types.ClientBind)
	client.AddString(portal)
	client.AddNullTerminate()
	client.AddString(statement)
	client.AddNullTerminate()
	client.AddInt16(int16(len(paramFormats)))
	for _, format := range paramFormats {
		client.AddInt16(format)
	}
	client.AddInt16(int16(len(params)))
	for _, param := range params {
		if param == nil {
			client.AddInt32(-1)
			continue
		}

		client.AddInt32(int32(len(param)))
		client.AddBytes(param)
	}
	client.AddInt16(int16(len(resultFormats)))
	for _, format := range resultFormats {
		client.AddInt16(format)
	}
	require.NoError(t, client.End())
}

func execute(t *testing.T, client *mock.Client, portal string, limit int32) {
	client.Start(types.ClientExecute)
	client.AddString(portal)
	client.AddNullTerminate()
	client.AddInt32(limit)
	require.NoError(t, client.End())
}

func syncClient(t *testing.T, client *mock.Client) {
	client.Start(types.ClientSync)
	require.NoError(t, client.End())
}

// TestExtendedBinaryRoundTrip covers the extended int binary roundtrip
// scenario: a binary int8 parameter travels to the backend and back in the
// binary result format.
func TestExtendedBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	address := TServer(t, echoBackend())

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	binary42 := []byte{0, 0, 0, 0, 0, 0, 0, 0x2a}

	parse(t, client, "s1", "SELECT $1::int8", []oid.Oid{oid.T_int8})
	bind(t, client, "", "s1", []int16{1}, [][]byte{binary42}, []int16{1})
	execute(t, client, "", 0)
	syncClient(t, client)

	client.Expect(t, types.ServerParseComplete)
	client.Expect(t, types.ServerBindComplete)

	client.Expect(t, types.ServerDataRow)
	count, err := client.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1), count)

	length, err := client.GetInt32()
	require.NoError(t, err)
	require.Equal(t, int32(8), length)

	value, err := client.GetBytes(8)
	require.NoError(t, err)
	assert.Equal(t, binary42, value)

	client.Expect(t, types.ServerCommandComplete)
	tag, err := client.GetString()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", tag)

	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
	client.Close(t)
}

// TestExtendedDescribe verifies the parameter and row descriptions announced
// for statements and portals.
func TestExtendedDescribe(t *testing.T) {
	t.Parallel()

	address := TServer(t, echoBackend())

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	parse(t, client, "s1", "SELECT $1::int8", []oid.Oid{oid.T_int8})

	client.Start(types.ClientDescribe)
	client.AddByte('S')
	client.AddString("s1")
	client.AddNullTerminate()
	require.NoError(t, client.End())

	bind(t, client, "p1", "s1", nil, [][]byte{[]byte("42")}, nil)

	client.Start(types.ClientDescribe)
	client.AddByte('P')
	client.AddString("p1")
	client.AddNullTerminate()
	require.NoError(t, client.End())

	syncClient(t, client)

	client.Expect(t, types.ServerParseComplete)

	client.Expect(t, types.ServerParameterDescription)
	count, err := client.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1), count)

	id, err := client.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(oid.T_int8), id)

	client.Expect(t, types.ServerRowDescription)
	client.Expect(t, types.ServerBindComplete)
	client.Expect(t, types.ServerRowDescription)

	client.ReadyForQuery(t)
	client.Close(t)
}

// TestExtendedDesyncRecovery covers the protocol desync recovery scenario: an
// error inside an extended batch produces exactly one error response, every
// following message up to the synchronization point is discarded.
func TestExtendedDesyncRecovery(t *testing.T) {
	t.Parallel()

	prepared := 0
	client := &fakeBackend{
		prepare: func(ctx context.Context, sql string) (backend.Statement, error) {
			prepared++
			return nil, fmt.Errorf("table does not exist")
		},
	}

	address := TServer(t, client)

	mocked := TDial(t, address)
	mocked.Handshake(t)
	mocked.Authenticate(t)
	mocked.ReadyForQuery(t)

	parse(t, mocked, "s1", "SELECT * FROM missing", nil)
	bind(t, mocked, "", "s1", nil, nil, nil)
	execute(t, mocked, "", 0)
	syncClient(t, mocked)

	mocked.Error(t)
	assert.Equal(t, types.ServerIdle, mocked.ReadyForQuery(t))

	// the failing parse reached the backend exactly once, the discarded
	// bind and execute never did
	assert.Equal(t, 1, prepared)

	// the session remains usable after resynchronization
	mocked.Start(types.ClientSimpleQuery)
	mocked.AddString("SELECT 1")
	mocked.AddNullTerminate()
	require.NoError(t, mocked.End())

	mocked.Expect(t, types.ServerRowDescription)
	mocked.Expect(t, types.ServerDataRow)
	mocked.Expect(t, types.ServerCommandComplete)
	mocked.ReadyForQuery(t)
	mocked.Close(t)
}

// TestPortalSuspended verifies that an execute bounded to fewer rows than the
// result set suspends the portal and that a later execute resumes it.
func TestPortalSuspended(t *testing.T) {
	t.Parallel()

	columns := []backend.ColumnInfo{{Name: "id", TypeName: "INT64", Oid: oid.T_int8}}
	client := &fakeBackend{
		prepare: func(ctx context.Context, sql string) (backend.Statement, error) {
			return &fakeStatement{
				columns: columns,
				query: func(ctx context.Context, args []any) (backend.Rows, error) {
					return &fakeRows{columns: columns, values: [][]any{{int64(1)}, {int64(2)}, {int64(3)}}}, nil
				},
			}, nil
		},
	}

	address := TServer(t, client)

	mocked := TDial(t, address)
	mocked.Handshake(t)
	mocked.Authenticate(t)
	mocked.ReadyForQuery(t)

	parse(t, mocked, "s1", "SELECT id FROM numbers", nil)
	bind(t, mocked, "", "s1", nil, nil, nil)
	execute(t, mocked, "", 1)
	execute(t, mocked, "", 0)
	syncClient(t, mocked)

	mocked.Expect(t, types.ServerParseComplete)
	mocked.Expect(t, types.ServerBindComplete)
	mocked.Expect(t, types.ServerDataRow)
	mocked.Expect(t, types.ServerPortalSuspended)
	mocked.Expect(t, types.ServerDataRow)
	mocked.Expect(t, types.ServerDataRow)

	mocked.Expect(t, types.ServerCommandComplete)
	tag, err := mocked.GetString()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 3", tag)

	mocked.ReadyForQuery(t)
	mocked.Close(t)
}

// TestStatementNameReuse verifies that the unnamed statement is silently
// replaced while named statements must be closed first.
func TestStatementNameReuse(t *testing.T) {
	t.Parallel()

	address := TServer(t, echoBackend())

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	// the unnamed statement is replaced without complaint
	parse(t, client, "", "SELECT $1::int8", nil)
	parse(t, client, "", "SELECT $1::int8", nil)
	syncClient(t, client)

	client.Expect(t, types.ServerParseComplete)
	client.Expect(t, types.ServerParseComplete)
	client.ReadyForQuery(t)

	// a named statement cannot be redefined before being closed
	parse(t, client, "s1", "SELECT $1::int8", nil)
	parse(t, client, "s1", "SELECT $1::int8", nil)
	syncClient(t, client)

	client.Expect(t, types.ServerParseComplete)
	assert.Equal(t, "42P05", client.Error(t))
	client.ReadyForQuery(t)

	// closing the statement frees the name for reuse
	client.Start(types.ClientClose)
	client.AddByte('S')
	client.AddString("s1")
	client.AddNullTerminate()
	require.NoError(t, client.End())

	parse(t, client, "s1", "SELECT $1::int8", nil)
	syncClient(t, client)

	client.Expect(t, types.ServerCloseComplete)
	client.Expect(t, types.ServerParseComplete)
	client.ReadyForQuery(t)
	client.Close(t)
}

// TestBindParameterCountMismatch verifies the bind parameter count invariant.
func TestBindParameterCountMismatch(t *testing.T) {
	t.Parallel()

	address := TServer(t, echoBackend())

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	parse(t, client, "s1", "SELECT $1::int8", nil)
	bind(t, client, "", "s1", nil, nil, nil)
	syncClient(t, client)

	client.Expect(t, types.ServerParseComplete)
	assert.Equal(t, "08P01", client.Error(t))
	client.ReadyForQuery(t)
	client.Close(t)
}

// TestExecuteUnknownPortal verifies that executing a missing portal surfaces
// an invalid cursor error.
func TestExecuteUnknownPortal(t *testing.T) {
	t.Parallel()

	address := TServer(t, echoBackend())

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	execute(t, client, "nope", 0)
	syncClient(t, client)

	assert.Equal(t, "34000", client.Error(t))
	client.ReadyForQuery(t)
	client.Close(t)
}

// TestBindNullParameter verifies that NULL parameters (wire length -1) travel
// to the backend as nil arguments.
func TestBindNullParameter(t *testing.T) {
	t.Parallel()

	var bound []any
	columns := []backend.ColumnInfo{{Name: "v", TypeName: "STRING", Oid: oid.T_text}}
	client := &fakeBackend{
		prepare: func(ctx context.Context, sql string) (backend.Statement, error) {
			return &fakeStatement{
				columns: columns,
				params:  []oid.Oid{0},
				query: func(ctx context.Context, args []any) (backend.Rows, error) {
					bound = args
					return &fakeRows{columns: columns, values: [][]any{{args[0]}}}, nil
				},
			}, nil
		},
	}

	address := TServer(t, client)

	mocked := TDial(t, address)
	mocked.Handshake(t)
	mocked.Authenticate(t)
	mocked.ReadyForQuery(t)

	parse(t, mocked, "", "SELECT $1", nil)
	bind(t, mocked, "", "", nil, [][]byte{nil}, nil)
	execute(t, mocked, "", 0)
	syncClient(t, mocked)

	mocked.Expect(t, types.ServerParseComplete)
	mocked.Expect(t, types.ServerBindComplete)

	// a NULL value is written back with a wire length of -1
	mocked.Expect(t, types.ServerDataRow)
	count, err := mocked.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1), count)

	length, err := mocked.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), length)

	mocked.Expect(t, types.ServerCommandComplete)
	mocked.ReadyForQuery(t)

	require.Len(t, bound, 1)
	assert.Nil(t, bound[0])
	mocked.Close(t)
}

// TestForceBinary verifies that the force binary mode defaults result columns
// without explicit format codes to the binary format.
func TestForceBinary(t *testing.T) {
	t.Parallel()

	address := TServer(t, echoBackend(), ForceBinary())

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	parse(t, client, "", "SELECT $1::int8", []oid.Oid{oid.T_int8})
	bind(t, client, "", "", nil, [][]byte{[]byte("42")}, nil)
	execute(t, client, "", 0)
	syncClient(t, client)

	client.Expect(t, types.ServerParseComplete)
	client.Expect(t, types.ServerBindComplete)

	client.Expect(t, types.ServerDataRow)
	_, err := client.GetUint16()
	require.NoError(t, err)

	length, err := client.GetInt32()
	require.NoError(t, err)
	require.Equal(t, int32(8), length)

	value, err := client.GetBytes(8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0x2a}, value)

	client.Expect(t, types.ServerCommandComplete)
	client.ReadyForQuery(t)
	client.Close(t)
}
