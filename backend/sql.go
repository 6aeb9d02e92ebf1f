package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq/oid"

	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// SQLClient adapts a database/sql handle to the backend Client capability.
// The client tracks the transaction state of its session; statements issued
// while a transaction is open are routed through it.
type SQLClient struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect Dialect
	tx      *sql.Tx
	status  types.ServerStatus
}

// NewSQLClient constructs a new backend client on top of the given database
// handle. A dedicated connection is pinned for the lifetime of the session so
// session state inside the backend survives between statements.
func NewSQLClient(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLClient, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, psqlerr.WithCode(err, codes.ConnectionFailure)
	}

	return &SQLClient{
		db:      db,
		conn:    conn,
		dialect: dialect,
		status:  types.ServerIdle,
	}, nil
}

// TxStatus reports the transaction status byte carried inside ReadyForQuery.
func (client *SQLClient) TxStatus() types.ServerStatus {
	return client.status
}

// Close releases the pinned backend connection. An open transaction is
// rolled back.
func (client *SQLClient) Close() error {
	if client.tx != nil {
		client.tx.Rollback() //nolint:errcheck
		client.tx = nil
	}

	return client.conn.Close()
}

// Execute runs a single statement, the simple query path. Transaction
// control statements are intercepted to keep the status byte accurate.
func (client *SQLClient) Execute(ctx context.Context, query string) (*Result, error) {
	keyword := statementKeyword(query)

	switch keyword {
	case "BEGIN", "START":
		return client.begin(ctx)
	case "COMMIT", "END":
		return client.commit()
	case "ROLLBACK", "ABORT":
		return client.rollback()
	}

	if client.status == types.ServerInFailedTransaction {
		err := errors.New("current transaction is aborted, commands ignored until end of transaction block")
		return nil, psqlerr.WithCode(err, codes.InFailedSQLTransaction)
	}

	if ReturnsRows(query) {
		rows, err := client.query(ctx, query, nil)
		if err != nil {
			return nil, client.failed(ctx, err)
		}

		return &Result{Rows: rows}, nil
	}

	affected, err := client.exec(ctx, query, nil)
	if err != nil {
		return nil, client.failed(ctx, err)
	}

	return &Result{Tag: CommandTag(query, affected)}, nil
}

// Prepare parses the given statement inside the backend. database/sql offers
// no statement description before execution; result columns become known
// after the first execution and parameter types are reported as unknown.
func (client *SQLClient) Prepare(ctx context.Context, query string) (Statement, error) {
	var prepared *sql.Stmt
	var err error

	if client.tx != nil {
		prepared, err = client.tx.PrepareContext(ctx, query)
	} else {
		prepared, err = client.conn.PrepareContext(ctx, query)
	}

	if err != nil {
		return nil, client.failed(ctx, syntaxError(err))
	}

	return &sqlStatement{
		client:     client,
		stmt:       prepared,
		query:      query,
		parameters: make([]oid.Oid, countParameters(query)),
	}, nil
}

func (client *SQLClient) begin(ctx context.Context) (*Result, error) {
	if client.tx != nil {
		// BEGIN inside an open transaction block is a warning in
		// PostgreSQL, not an error.
		return &Result{Tag: "BEGIN"}, nil
	}

	tx, err := client.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapBackendErr(ctx, err)
	}

	client.tx = tx
	client.status = types.ServerInTransaction
	return &Result{Tag: "BEGIN"}, nil
}

func (client *SQLClient) commit() (*Result, error) {
	if client.tx == nil {
		client.status = types.ServerIdle
		return &Result{Tag: "COMMIT"}, nil
	}

	// A failed transaction block cannot commit, PostgreSQL rolls it back
	// and reports so inside the command tag.
	if client.status == types.ServerInFailedTransaction {
		client.tx.Rollback() //nolint:errcheck
		client.tx = nil
		client.status = types.ServerIdle
		return &Result{Tag: "ROLLBACK"}, nil
	}

	err := client.tx.Commit()
	client.tx = nil
	client.status = types.ServerIdle
	if err != nil {
		return nil, psqlerr.WithCode(err, codes.InvalidTransactionTermination)
	}

	return &Result{Tag: "COMMIT"}, nil
}

func (client *SQLClient) rollback() (*Result, error) {
	if client.tx != nil {
		client.tx.Rollback() //nolint:errcheck
		client.tx = nil
	}

	client.status = types.ServerIdle
	return &Result{Tag: "ROLLBACK"}, nil
}

// failed records a statement failure against the transaction state and maps
// context cancellation onto the query_canceled SQLSTATE.
func (client *SQLClient) failed(ctx context.Context, err error) error {
	if client.tx != nil {
		client.status = types.ServerInFailedTransaction
	}

	return wrapBackendErr(ctx, err)
}

func (client *SQLClient) query(ctx context.Context, query string, args []any) (Rows, error) {
	var rows *sql.Rows
	var err error

	if client.tx != nil {
		rows, err = client.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = client.conn.QueryContext(ctx, query, args...)
	}

	if err != nil {
		return nil, syntaxError(err)
	}

	return newSQLRows(rows, client.dialect)
}

func (client *SQLClient) exec(ctx context.Context, query string, args []any) (int64, error) {
	var result sql.Result
	var err error

	if client.tx != nil {
		result, err = client.tx.ExecContext(ctx, query, args...)
	} else {
		result, err = client.conn.ExecContext(ctx, query, args...)
	}

	if err != nil {
		return 0, syntaxError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		// Drivers without affected row support still executed the
		// statement successfully.
		return 0, nil
	}

	return affected, nil
}

// wrapBackendErr maps context cancellation onto the query_canceled SQLSTATE
// expected by clients; other backend errors pass through unchanged.
func wrapBackendErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return psqlerr.WithCode(errors.New("canceling statement due to user request"), codes.QueryCanceled)
	}

	return err
}

// syntaxError decorates driver errors without an attached SQLSTATE with the
// generic syntax-or-access class.
func syntaxError(err error) error {
	if err == nil {
		return nil
	}

	if psqlerr.GetCode(err) != codes.Uncategorized {
		return err
	}

	return psqlerr.WithCode(err, codes.SyntaxErrorOrAccessRuleViolation)
}

// countParameters returns the number of $n placeholders inside the given
// statement, the highest ordinal used.
func countParameters(query string) int {
	matches := placeholders.FindAllStringSubmatch(query, -1)

	var max int
	for _, match := range matches {
		ordinal, err := strconv.Atoi(match[1])
		if err == nil && ordinal > max {
			max = ordinal
		}
	}

	return max
}

var placeholders = regexp.MustCompile(`\$(\d+)`)

type sqlStatement struct {
	client     *SQLClient
	stmt       *sql.Stmt
	query      string
	parameters []oid.Oid
	columns    []ColumnInfo
}

func (statement *sqlStatement) ParameterOIDs() []oid.Oid {
	return statement.parameters
}

// Columns describes the statement result columns once known. Before the
// first execution the backend cannot describe the statement; row returning
// statements report a placeholder column set so clients receive a
// RowDescription rather than NoData.
func (statement *sqlStatement) Columns() []ColumnInfo {
	if statement.columns != nil {
		return statement.columns
	}

	if !ReturnsRows(statement.query) {
		return nil
	}

	return []ColumnInfo{{Name: "?column?", TypeName: "STRING", Oid: oid.T_unknown}}
}

func (statement *sqlStatement) Query(ctx context.Context, args []any) (Rows, error) {
	if statement.client.status == types.ServerInFailedTransaction {
		err := errors.New("current transaction is aborted, commands ignored until end of transaction block")
		return nil, psqlerr.WithCode(err, codes.InFailedSQLTransaction)
	}

	rows, err := statement.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, statement.client.failed(ctx, syntaxError(err))
	}

	wrapped, err := newSQLRows(rows, statement.client.dialect)
	if err != nil {
		return nil, statement.client.failed(ctx, err)
	}

	statement.columns = wrapped.Columns()
	return wrapped, nil
}

func (statement *sqlStatement) Exec(ctx context.Context, args []any) (string, error) {
	if statement.client.status == types.ServerInFailedTransaction {
		err := errors.New("current transaction is aborted, commands ignored until end of transaction block")
		return "", psqlerr.WithCode(err, codes.InFailedSQLTransaction)
	}

	result, err := statement.stmt.ExecContext(ctx, args...)
	if err != nil {
		return "", statement.client.failed(ctx, syntaxError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}

	return CommandTag(statement.query, affected), nil
}

func (statement *sqlStatement) Close() error {
	return statement.stmt.Close()
}

type sqlRows struct {
	rows    *sql.Rows
	columns []ColumnInfo
}

func newSQLRows(rows *sql.Rows, dialect Dialect) (*sqlRows, error) {
	typed, err := rows.ColumnTypes()
	if err != nil {
		rows.Close() //nolint:errcheck
		return nil, err
	}

	columns := make([]ColumnInfo, len(typed))
	for i, column := range typed {
		columns[i] = ColumnInfo{
			Name:     column.Name(),
			TypeName: column.DatabaseTypeName(),
			Oid:      dialect.TypeOid(column.DatabaseTypeName()),
		}
	}

	return &sqlRows{rows: rows, columns: columns}, nil
}

func (rows *sqlRows) Columns() []ColumnInfo {
	return rows.columns
}

func (rows *sqlRows) Next(ctx context.Context) ([]any, error) {
	if ctx.Err() != nil {
		return nil, wrapBackendErr(ctx, ctx.Err())
	}

	if !rows.rows.Next() {
		if err := rows.rows.Err(); err != nil {
			return nil, err
		}

		return nil, io.EOF
	}

	values := make([]any, len(rows.columns))
	pointers := make([]any, len(rows.columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	err := rows.rows.Scan(pointers...)
	if err != nil {
		return nil, err
	}

	return values, nil
}

func (rows *sqlRows) Close() error {
	return rows.rows.Close()
}

// Open opens a database/sql handle for the given driver and source and wraps
// it in a Connector. Every accepted session receives its own pinned
// connection from the pool.
func Open(driver, source string, dialect Dialect) (Connector, func() error, error) {
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open backend %q: %w", driver, err)
	}

	connector := func(ctx context.Context) (Client, error) {
		return NewSQLClient(ctx, db, dialect)
	}

	return connector, db.Close, nil
}

// Identifier composes the backend identifier triple into the data source
// description used in logs.
func Identifier(project, instance, database string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{project, instance, database} {
		if part != "" {
			parts = append(parts, part)
		}
	}

	return strings.Join(parts, "/")
}
