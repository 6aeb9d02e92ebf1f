package backend

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/lib/pq/oid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/pkg/types"
)

func TestCommandTag(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		sql      string
		affected int64
		expected string
	}{
		"insert": {"INSERT INTO users VALUES (1)", 1, "INSERT 0 1"},
		"update": {"UPDATE users SET name = 'x'", 3, "UPDATE 3"},
		"delete": {"delete from users", 0, "DELETE 0"},
		"create": {"CREATE TABLE users (id INT64)", 0, "CREATE TABLE"},
		"drop":   {"DROP TABLE users", 0, "DROP TABLE"},
		"begin":  {"BEGIN", 0, "BEGIN"},
	}

	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, CommandTag(test.sql, test.affected))
		})
	}
}

func TestReturnsRows(t *testing.T) {
	t.Parallel()

	assert.True(t, ReturnsRows("SELECT 1"))
	assert.True(t, ReturnsRows("  select * from users"))
	assert.True(t, ReturnsRows("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.False(t, ReturnsRows("INSERT INTO users VALUES (1)"))
	assert.False(t, ReturnsRows("CREATE TABLE users (id INT64)"))
}

func TestCountParameters(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, countParameters("SELECT 1"))
	assert.Equal(t, 1, countParameters("SELECT $1"))
	assert.Equal(t, 3, countParameters("SELECT $1, $3 WHERE x = $2"))
	assert.Equal(t, 2, countParameters("SELECT $2"))
}

func TestDialectTypeOid(t *testing.T) {
	t.Parallel()

	assert.Equal(t, oid.T_int8, DialectSpanner.TypeOid("INT64"))
	assert.Equal(t, oid.T_numeric, DialectSpanner.TypeOid("NUMERIC"))
	assert.Equal(t, oid.T_float8, DialectSpanner.TypeOid("FLOAT64"))
	assert.Equal(t, oid.T_bool, DialectSpanner.TypeOid("BOOL"))
	assert.Equal(t, oid.T_text, DialectSpanner.TypeOid("STRING(MAX)"))
	assert.Equal(t, oid.T_bytea, DialectSpanner.TypeOid("BYTES(1024)"))
	assert.Equal(t, oid.T_date, DialectSpanner.TypeOid("DATE"))
	assert.Equal(t, oid.T_timestamptz, DialectSpanner.TypeOid("TIMESTAMP"))

	assert.Equal(t, oid.T_numeric, DialectBigQuery.TypeOid("BIGNUMERIC"))
	assert.Equal(t, oid.T_timestamp, DialectBigQuery.TypeOid("DATETIME"))

	assert.Equal(t, oid.T_varchar, DialectGeneric.TypeOid("varchar(64)"))
	assert.Equal(t, oid.T_unknown, DialectGeneric.TypeOid("GEOGRAPHY"))
}

func testClient(t *testing.T) *SQLClient {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client, err := NewSQLClient(context.Background(), db, DialectGeneric)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestSQLClientExecute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := testClient(t)

	result, err := client.Execute(ctx, "CREATE TABLE users (id INTEGER, name TEXT)")
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE", result.Tag)

	result, err = client.Execute(ctx, "INSERT INTO users VALUES (1, 'alice')")
	require.NoError(t, err)
	assert.Equal(t, "INSERT 0 1", result.Tag)

	result, err = client.Execute(ctx, "SELECT id, name FROM users")
	require.NoError(t, err)
	require.NotNil(t, result.Rows)
	defer result.Rows.Close()

	columns := result.Rows.Columns()
	require.Len(t, columns, 2)
	assert.Equal(t, "id", columns[0].Name)
	assert.Equal(t, oid.T_int8, columns[0].Oid)
	assert.Equal(t, oid.T_text, columns[1].Oid)

	values, err := result.Rows.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), values[0])
	assert.Equal(t, "alice", values[1])

	_, err = result.Rows.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestSQLClientTransactionStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := testClient(t)

	assert.Equal(t, types.ServerIdle, client.TxStatus())

	_, err := client.Execute(ctx, "BEGIN")
	require.NoError(t, err)
	assert.Equal(t, types.ServerInTransaction, client.TxStatus())

	// a failing statement aborts the transaction block
	_, err = client.Execute(ctx, "SELECT * FROM missing")
	require.Error(t, err)
	assert.Equal(t, types.ServerInFailedTransaction, client.TxStatus())

	// further statements are rejected until the block ends
	_, err = client.Execute(ctx, "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, codes.InFailedSQLTransaction, psqlerr.GetCode(err))

	result, err := client.Execute(ctx, "COMMIT")
	require.NoError(t, err)
	assert.Equal(t, "ROLLBACK", result.Tag)
	assert.Equal(t, types.ServerIdle, client.TxStatus())
}

func TestSQLClientRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := testClient(t)

	_, err := client.Execute(ctx, "CREATE TABLE users (id INTEGER)")
	require.NoError(t, err)

	_, err = client.Execute(ctx, "BEGIN")
	require.NoError(t, err)

	_, err = client.Execute(ctx, "INSERT INTO users VALUES (1)")
	require.NoError(t, err)

	result, err := client.Execute(ctx, "ROLLBACK")
	require.NoError(t, err)
	assert.Equal(t, "ROLLBACK", result.Tag)
	assert.Equal(t, types.ServerIdle, client.TxStatus())

	result, err = client.Execute(ctx, "SELECT count(*) FROM users")
	require.NoError(t, err)
	defer result.Rows.Close()

	values, err := result.Rows.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), values[0])
}

func TestSQLClientPrepare(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := testClient(t)

	_, err := client.Execute(ctx, "CREATE TABLE users (id INTEGER, name TEXT)")
	require.NoError(t, err)

	_, err = client.Execute(ctx, "INSERT INTO users VALUES (1, 'alice'), (2, 'bob')")
	require.NoError(t, err)

	statement, err := client.Prepare(ctx, "SELECT name FROM users WHERE id = $1")
	require.NoError(t, err)
	defer statement.Close()

	assert.Len(t, statement.ParameterOIDs(), 1)

	rows, err := statement.Query(ctx, []any{int64(2)})
	require.NoError(t, err)
	defer rows.Close()

	values, err := rows.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", values[0])

	_, err = rows.Next(ctx)
	assert.Equal(t, io.EOF, err)

	// result columns are known after the first execution
	columns := statement.Columns()
	require.Len(t, columns, 1)
	assert.Equal(t, "name", columns[0].Name)
}

func TestIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "p/i/d", Identifier("p", "i", "d"))
	assert.Equal(t, "d", Identifier("", "", "d"))
	assert.Equal(t, "", Identifier("", "", ""))
}
