// Package backend defines the SQL client capability the proxy drives. The
// proxy core is indifferent to how statements reach the target database; it
// only requires the small Client surface below. The package ships an adapter
// over database/sql so any registered driver can serve as the backend.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq/oid"

	"github.com/pgbridge/pgbridge/pkg/types"
)

// ColumnInfo describes a single result column as reported by the backend.
type ColumnInfo struct {
	Name     string
	TypeName string
	Oid      oid.Oid
}

// Rows is a pull based iterator over a backend result set.
type Rows interface {
	// Columns describes the result columns. Valid after the first call to
	// Next as well as before it.
	Columns() []ColumnInfo

	// Next returns the next row of values, or io.EOF once the result set
	// is drained.
	Next(ctx context.Context) ([]any, error)

	Close() error
}

// Result holds the outcome of a single statement execution. Rows is nil for
// statements which do not return rows; Tag carries the command completion tag
// for those.
type Result struct {
	Rows Rows
	Tag  string
}

// Statement represents a backend-prepared statement.
type Statement interface {
	// Columns describes the result columns the statement produces, or an
	// empty slice for statements which return no rows.
	Columns() []ColumnInfo

	// ParameterOIDs returns the wire type OIDs of the statement parameters
	// in parameter order. Unknown types are reported as zero.
	ParameterOIDs() []oid.Oid

	// Query executes the statement with the given arguments and returns
	// the resulting row iterator.
	Query(ctx context.Context, args []any) (Rows, error)

	// Exec executes a statement which returns no rows and reports its
	// command completion tag.
	Exec(ctx context.Context, args []any) (string, error)

	Close() error
}

// Client is the SQL capability a session holds towards the backend. One
// client serves exactly one session; the proxy performs no pooling.
type Client interface {
	// Prepare parses the given statement inside the backend and returns a
	// handle which can be executed multiple times.
	Prepare(ctx context.Context, sql string) (Statement, error)

	// Execute runs a single statement directly, the simple query path.
	Execute(ctx context.Context, sql string) (*Result, error)

	// TxStatus reports the transaction status byte of the session as
	// carried inside ReadyForQuery.
	TxStatus() types.ServerStatus

	Close() error
}

// Connector constructs a new backend client for an accepted session.
type Connector func(ctx context.Context) (Client, error)

// CommandTag derives the command completion tag for the given statement and
// affected row count. Row returning statements report their row count through
// the SELECT tag; INSERT additionally reports the (always zero) inserted OID.
func CommandTag(sql string, affected int64) string {
	keyword := statementKeyword(sql)

	switch keyword {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", affected)
	case "UPDATE", "DELETE", "SELECT", "MOVE", "FETCH", "COPY":
		return fmt.Sprintf("%s %d", keyword, affected)
	case "":
		return "OK"
	}

	return keyword
}

// SelectTag returns the command completion tag for a row returning statement.
func SelectTag(rows uint64) string {
	return fmt.Sprintf("SELECT %d", rows)
}

func statementKeyword(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}

	keyword := strings.ToUpper(fields[0])

	// DDL reports the first two keywords, CREATE TABLE style.
	switch keyword {
	case "CREATE", "DROP", "ALTER":
		if len(fields) > 1 {
			return keyword + " " + strings.ToUpper(fields[1])
		}
	}

	return keyword
}

// ReturnsRows reports whether the given statement is expected to produce a
// result set.
func ReturnsRows(sql string) bool {
	switch statementKeyword(sql) {
	case "SELECT", "SHOW", "WITH", "VALUES", "EXPLAIN":
		return true
	default:
		return false
	}
}
