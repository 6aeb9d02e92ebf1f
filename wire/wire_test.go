package wire

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"
	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/pkg/mock"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// fakeRows serves a fixed result set.
type fakeRows struct {
	columns []backend.ColumnInfo
	values  [][]any
	index   int
}

func (rows *fakeRows) Columns() []backend.ColumnInfo {
	return rows.columns
}

func (rows *fakeRows) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if rows.index >= len(rows.values) {
		return nil, io.EOF
	}

	values := rows.values[rows.index]
	rows.index++
	return values, nil
}

func (rows *fakeRows) Close() error {
	return nil
}

// fakeStatement implements a backend prepared statement over plain functions.
type fakeStatement struct {
	columns []backend.ColumnInfo
	params  []oid.Oid
	query   func(ctx context.Context, args []any) (backend.Rows, error)
	exec    func(ctx context.Context, args []any) (string, error)
}

func (statement *fakeStatement) Columns() []backend.ColumnInfo {
	return statement.columns
}

func (statement *fakeStatement) ParameterOIDs() []oid.Oid {
	return statement.params
}

func (statement *fakeStatement) Query(ctx context.Context, args []any) (backend.Rows, error) {
	if statement.query == nil {
		return nil, fmt.Errorf("statement does not return rows")
	}

	return statement.query(ctx, args)
}

func (statement *fakeStatement) Exec(ctx context.Context, args []any) (string, error) {
	if statement.exec == nil {
		return "OK", nil
	}

	return statement.exec(ctx, args)
}

func (statement *fakeStatement) Close() error {
	return nil
}

// fakeBackend implements the backend client capability over plain functions.
type fakeBackend struct {
	execute func(ctx context.Context, sql string) (*backend.Result, error)
	prepare func(ctx context.Context, sql string) (backend.Statement, error)
	status  types.ServerStatus
}

func (client *fakeBackend) Execute(ctx context.Context, sql string) (*backend.Result, error) {
	if client.execute == nil {
		return selectOne(), nil
	}

	return client.execute(ctx, sql)
}

func (client *fakeBackend) Prepare(ctx context.Context, sql string) (backend.Statement, error) {
	if client.prepare == nil {
		return nil, fmt.Errorf("prepare is not configured")
	}

	return client.prepare(ctx, sql)
}

func (client *fakeBackend) TxStatus() types.ServerStatus {
	if client.status == 0 {
		return types.ServerIdle
	}

	return client.status
}

func (client *fakeBackend) Close() error {
	return nil
}

// selectOne mimics the backend result of SELECT 1.
func selectOne() *backend.Result {
	return &backend.Result{
		Rows: &fakeRows{
			columns: []backend.ColumnInfo{{Name: "?column?", TypeName: "INT64", Oid: oid.T_int8}},
			values:  [][]any{{int64(1)}},
		},
	}
}

// TListenAndServe will open a new TCP listener on a unallocated port inside
// the local network. The newly created listener is passed to the given server to
// start serving PostgreSQL connections. The full listener address is returned
// for clients to interact with the newly created server.
func TListenAndServe(t *testing.T, server *Server) *net.TCPAddr {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		err := server.Close()
		if err != nil {
			t.Fatal(err)
		}
	})

	go server.Serve(listener) //nolint:errcheck
	return listener.Addr().(*net.TCPAddr)
}

// TServer constructs a new wire server backed by the given fake backend and
// starts serving connections from it.
func TServer(t *testing.T, client *fakeBackend, options ...OptionFn) *net.TCPAddr {
	connector := func(ctx context.Context) (backend.Client, error) {
		return client, nil
	}

	options = append([]OptionFn{Logger(slogt.New(t))}, options...)
	server, err := NewServer(connector, options...)
	require.NoError(t, err)

	return TListenAndServe(t, server)
}

func TDial(t *testing.T, address *net.TCPAddr) *mock.Client {
	conn, err := net.Dial("tcp", address.String())
	if err != nil {
		t.Fatal(err)
	}

	return mock.NewClient(t, conn)
}

func TestClientConnect(t *testing.T) {
	t.Parallel()

	address := TServer(t, &fakeBackend{})

	t.Run("mock", func(t *testing.T) {
		client := TDial(t, address)
		client.Handshake(t)
		client.Authenticate(t)
		client.ReadyForQuery(t)
		client.Close(t)
	})

	t.Run("lib/pq", func(t *testing.T) {
		connstr := fmt.Sprintf("host=%s port=%d user=test sslmode=disable", address.IP, address.Port)
		conn, err := sql.Open("postgres", connstr)
		require.NoError(t, err)

		require.NoError(t, conn.Ping())
		require.NoError(t, conn.Close())
	})

	t.Run("jackc/pgx", func(t *testing.T) {
		ctx := context.Background()
		connstr := fmt.Sprintf("postgres://test@%s:%d", address.IP, address.Port)
		conn, err := pgx.Connect(ctx, connstr)
		require.NoError(t, err)

		require.NoError(t, conn.Ping(ctx))
		require.NoError(t, conn.Close(ctx))
	})
}

// TestSimpleQuery covers the startup plus simple select scenario: the server
// answers with a row description, a single text data row, a command
// completion and the final ready for query.
func TestSimpleQuery(t *testing.T) {
	t.Parallel()

	address := TServer(t, &fakeBackend{})

	client := TDial(t, address)
	client.Handshake(t, "user", "u", "database", "d")
	client.Authenticate(t)
	client.ReadyForQuery(t)

	client.Start(types.ClientSimpleQuery)
	client.AddString("SELECT 1;")
	client.AddNullTerminate()
	require.NoError(t, client.End())

	client.Expect(t, types.ServerRowDescription)
	count, err := client.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1), count)

	name, err := client.GetString()
	require.NoError(t, err)
	assert.Equal(t, "?column?", name)

	_, err = client.GetInt32() // table oid
	require.NoError(t, err)
	_, err = client.GetInt16() // attribute number
	require.NoError(t, err)

	id, err := client.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(oid.T_int8), id)

	client.Expect(t, types.ServerDataRow)
	count, err = client.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1), count)

	length, err := client.GetInt32()
	require.NoError(t, err)
	require.Equal(t, int32(1), length)

	value, err := client.GetBytes(1)
	require.NoError(t, err)
	assert.Equal(t, "1", string(value))

	client.Expect(t, types.ServerCommandComplete)
	tag, err := client.GetString()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", tag)

	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
	client.Close(t)
}

func TestEmptyQuery(t *testing.T) {
	t.Parallel()

	address := TServer(t, &fakeBackend{})

	client := TDial(t, address)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	client.Start(types.ClientSimpleQuery)
	client.AddString("  ;; ")
	client.AddNullTerminate()
	require.NoError(t, client.End())

	client.Expect(t, types.ServerEmptyQuery)
	client.ReadyForQuery(t)
	client.Close(t)
}

// TestSimpleQueryBatchAbort verifies that an error stops the processing of the
// remaining statements in a multi-statement simple query.
func TestSimpleQueryBatchAbort(t *testing.T) {
	t.Parallel()

	var executed []string
	client := &fakeBackend{
		execute: func(ctx context.Context, sql string) (*backend.Result, error) {
			executed = append(executed, sql)
			if sql == "SELECT boom" {
				return nil, fmt.Errorf("backend exploded")
			}

			return &backend.Result{Tag: "OK"}, nil
		},
	}

	address := TServer(t, client)

	mocked := TDial(t, address)
	mocked.Handshake(t)
	mocked.Authenticate(t)
	mocked.ReadyForQuery(t)

	mocked.Start(types.ClientSimpleQuery)
	mocked.AddString("SELECT ok; SELECT boom; SELECT never")
	mocked.AddNullTerminate()
	require.NoError(t, mocked.End())

	mocked.Expect(t, types.ServerCommandComplete)
	_, err := mocked.GetString()
	require.NoError(t, err)

	mocked.Error(t)
	mocked.ReadyForQuery(t)

	assert.Equal(t, []string{"SELECT ok", "SELECT boom"}, executed)
	mocked.Close(t)
}

// TestSSLRequestRefusal covers the STARTTLS refusal scenario: the server
// answers the encryption request with a single refusal byte and accepts a
// normal startup on the same socket.
func TestSSLRequestRefusal(t *testing.T) {
	t.Parallel()

	address := TServer(t, &fakeBackend{})

	client := TDial(t, address)
	client.SSLRequest(t)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)
	client.Close(t)
}

func TestListenPortBounds(t *testing.T) {
	t.Parallel()

	connector := func(ctx context.Context) (backend.Client, error) {
		return &fakeBackend{}, nil
	}

	server, err := NewServer(connector, Logger(slogt.New(t)))
	require.NoError(t, err)

	assert.ErrorIs(t, server.ListenAndServe(0), ErrInvalidPort)
	assert.ErrorIs(t, server.ListenAndServe(-1), ErrInvalidPort)
	assert.ErrorIs(t, server.ListenAndServe(65536), ErrInvalidPort)
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"SELECT 1":                 {"SELECT 1"},
		"SELECT 1; SELECT 2":       {"SELECT 1", "SELECT 2"},
		"SELECT 1;;":               {"SELECT 1"},
		"":                         nil,
		"  ;  ":                    nil,
		"SELECT ';'; SELECT 2":     {"SELECT ';'", "SELECT 2"},
		`SELECT ";"`:               {`SELECT ";"`},
		"SELECT 1 -- trailing ;":   {"SELECT 1 -- trailing ;"},
		"SELECT 1 /* ; */; SELECT": {"SELECT 1 /* ; */", "SELECT"},
	}

	for input, expected := range tests {
		assert.Equal(t, expected, splitStatements(input), input)
	}
}
