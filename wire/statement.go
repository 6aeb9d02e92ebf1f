package wire

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lib/pq/oid"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/pkg/codec"
)

// NewErrUnknownStatement is returned whenever no prepared statement has been
// found for the given name.
func NewErrUnknownStatement(name string) error {
	err := fmt.Errorf("prepared statement %q does not exist", name)
	return psqlerr.WithCode(err, codes.InvalidSQLStatementName)
}

// NewErrUnknownPortal is returned whenever no portal has been found for the
// given name.
func NewErrUnknownPortal(name string) error {
	err := fmt.Errorf("portal %q does not exist", name)
	return psqlerr.WithCode(err, codes.InvalidCursorName)
}

// NewErrStatementExists is returned whenever a non-empty statement name is
// reused before the previous statement has been closed.
func NewErrStatementExists(name string) error {
	err := fmt.Errorf("prepared statement %q already exists", name)
	return psqlerr.WithCode(err, codes.DuplicatePreparedStatement)
}

// NewErrUndefinedStatement is returned whenever no statement has been defined
// within the incoming query.
func NewErrUndefinedStatement() error {
	err := errors.New("no statement has been defined")
	return psqlerr.WithCode(err, codes.Syntax)
}

// NewErrMultipleStatements is returned whenever multiple statements have been
// given within a single query during the extended query protocol.
func NewErrMultipleStatements() error {
	err := errors.New("cannot insert multiple commands into a prepared statement")
	return psqlerr.WithCode(err, codes.Syntax)
}

// PreparedStatement holds a statement prepared through the extended query
// protocol together with its backend handle. The translated SQL is computed
// once at Parse time.
type PreparedStatement struct {
	Name       string
	SQL        string
	Translated string
	Parameters []oid.Oid
	Backend    backend.Statement

	portals map[string]*Portal
}

// Columns describes the result columns the statement produces.
func (statement *PreparedStatement) Columns() Columns {
	return NewColumns(statement.Backend.Columns())
}

// Portal represents a bound, partially executable instance of a prepared
// statement. The execution cursor survives across Execute messages so a
// partially drained result set can be resumed.
type Portal struct {
	Name      string
	Statement *PreparedStatement
	Arguments []any
	Formats   []FormatCode

	rows    backend.Rows
	columns Columns
	started bool
	drained bool
	written uint64
	tag     string
}

// Columns describes the result columns of the portal.
func (portal *Portal) Columns() Columns {
	if portal.columns != nil {
		return portal.columns
	}

	return portal.Statement.Columns()
}

// Execute streams up to max rows of the portal result set to the given row
// sink. A max of zero streams the entire result set. The returned suspended
// flag reports that max rows were streamed before the end of the result set
// was seen; whether further rows remain is not checked.
//
// The queryCtx governs the lifetime of the backend cursor and must outlive
// the current command whenever the portal can be suspended and resumed; ctx
// only governs the streaming loop of this call.
func (portal *Portal) Execute(ctx, queryCtx context.Context, max uint32, sink func(Columns, []any) error) (tag string, suspended bool, err error) {
	if !portal.started {
		err = portal.start(queryCtx)
		if err != nil {
			return "", false, err
		}
	}

	if portal.drained {
		return portal.tag, false, nil
	}

	if portal.rows == nil {
		// Statements without a result set complete on their first
		// execution.
		portal.drained = true
		return portal.tag, false, nil
	}

	var streamed uint32
	for {
		if max > 0 && streamed == max {
			return "", true, nil
		}

		values, err := portal.rows.Next(ctx)
		if err == io.EOF {
			portal.drained = true
			portal.rows.Close() //nolint:errcheck
			return backend.SelectTag(portal.written), false, nil
		}

		if err != nil {
			portal.drained = true
			portal.rows.Close() //nolint:errcheck
			return "", false, err
		}

		err = sink(portal.columns, values)
		if err != nil {
			return "", false, err
		}

		portal.written++
		streamed++
	}
}

// start performs the first execution of the portal against the backend and
// captures the resulting cursor.
func (portal *Portal) start(ctx context.Context) error {
	portal.started = true

	if backend.ReturnsRows(portal.Statement.Translated) {
		rows, err := portal.Statement.Backend.Query(ctx, portal.Arguments)
		if err != nil {
			return err
		}

		portal.rows = rows
		portal.columns = NewColumns(rows.Columns())
		return nil
	}

	tag, err := portal.Statement.Backend.Exec(ctx, portal.Arguments)
	if err != nil {
		return err
	}

	portal.tag = tag
	return nil
}

// Close releases the execution cursor of the portal.
func (portal *Portal) Close() {
	if portal.rows != nil {
		portal.rows.Close() //nolint:errcheck
		portal.rows = nil
	}
}

// setStatement stores the given prepared statement inside the session. The
// unnamed statement is silently replaced; non-empty names must be closed
// before they can be reused.
func (session *Session) setStatement(statement *PreparedStatement) error {
	previous, has := session.statements[statement.Name]
	if has {
		if statement.Name != "" {
			return NewErrStatementExists(statement.Name)
		}

		session.closeStatement(previous)
	}

	statement.portals = make(map[string]*Portal)
	session.statements[statement.Name] = statement
	return nil
}

// closeStatement removes the statement from the session together with every
// portal depending on it.
func (session *Session) closeStatement(statement *PreparedStatement) {
	for name, portal := range statement.portals {
		portal.Close()
		delete(session.portals, name)
	}

	statement.Backend.Close() //nolint:errcheck
	delete(session.statements, statement.Name)
}

// setPortal stores the given portal inside the session. The unnamed portal is
// silently replaced.
func (session *Session) setPortal(portal *Portal) error {
	previous, has := session.portals[portal.Name]
	if has {
		if portal.Name != "" {
			err := fmt.Errorf("cursor %q already exists", portal.Name)
			return psqlerr.WithCode(err, codes.DuplicateCursor)
		}

		session.closePortal(previous)
	}

	session.portals[portal.Name] = portal
	portal.Statement.portals[portal.Name] = portal
	return nil
}

// closePortal removes the portal from the session and its owning statement.
func (session *Session) closePortal(portal *Portal) {
	portal.Close()
	delete(session.portals, portal.Name)
	delete(portal.Statement.portals, portal.Name)
}

// decodeParameters decodes the raw Bind parameter values into backend
// arguments using the declared statement types and the format codes sent by
// the client. Unspecified types fall back to the text representation.
func decodeParameters(declared []oid.Oid, formats []FormatCode, values [][]byte, nulls []bool) ([]any, error) {
	arguments := make([]any, len(values))
	for i := range values {
		if nulls[i] {
			arguments[i] = nil
			continue
		}

		var id oid.Oid
		if i < len(declared) {
			id = declared[i]
		}

		typed := codec.Lookup(id)
		value, err := typed.Decode(formatOf(formats, i), values[i])
		if err != nil {
			return nil, err
		}

		arguments[i] = value
	}

	return arguments, nil
}
