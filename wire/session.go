package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq/oid"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/metrics"
	"github.com/pgbridge/pgbridge/pkg/buffer"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// NewErrUnimplementedMessageType is called whenever an unimplemented message
// type is sent. This error indicates to the client that the sent message cannot
// be processed at this moment in time.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	err := fmt.Errorf("unsupported frontend message: %s", t)
	return psqlerr.WithCode(err, codes.FeatureNotSupported)
}

// NewErrAdminShutdown is written to every live session when the server shuts
// down.
func NewErrAdminShutdown() error {
	err := errors.New("terminating connection due to administrator command")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.AdminShutdown), psqlerr.LevelFatal)
}

// Session drives the state machine of a single client connection. All state
// owned by the session, the prepared statement and portal maps included, is
// only ever touched by the session goroutine; the sole cross-session entry
// point is the cancellation interrupt.
type Session struct {
	srv        *Server
	id         uuid.UUID
	conn       net.Conn
	logger     *slog.Logger
	reader     *buffer.Reader
	writer     *buffer.Writer
	backend    backend.Client
	parameters Parameters
	statements map[string]*PreparedStatement
	portals    map[string]*Portal
	processID  int32
	secretKey  int32
	ctx        context.Context

	// ignoreTillSync is raised after an error inside an extended query
	// batch. Every message other than Sync and Terminate is discarded
	// until the next Sync resynchronizes the stream.
	ignoreTillSync bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newSession(srv *Server, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) *Session {
	id := uuid.New()

	return &Session{
		srv:        srv,
		id:         id,
		conn:       conn,
		logger:     srv.logger.With(slog.String("session", id.String())),
		reader:     reader,
		writer:     writer,
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
	}
}

// teardown releases every resource owned by the session on every exit path.
func (session *Session) teardown() {
	for _, portal := range session.portals {
		portal.Close()
	}

	for _, statement := range session.statements {
		statement.Backend.Close() //nolint:errcheck
	}

	if session.backend != nil {
		session.backend.Close() //nolint:errcheck
	}

	if session.processID != 0 {
		session.srv.registry.Deregister(session)
		metrics.SessionsLive.Dec()
	}

	session.logger.Debug("session closed")
}

// interrupt cancels the in-flight backend operation of the session, if any.
// Invoked by cancel request connections and during server shutdown.
func (session *Session) interrupt() {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.cancel != nil {
		session.cancel()
	}
}

// shutdown notifies the client that the server is going away and closes the
// connection.
func (session *Session) shutdown() {
	session.interrupt()

	err := ErrorCode(session.writer, NewErrAdminShutdown())
	if err == nil {
		session.writer.Flush() //nolint:errcheck
	}

	session.conn.Close() //nolint:errcheck
}

func (session *Session) arm(cancel context.CancelFunc) {
	session.mu.Lock()
	session.cancel = cancel
	session.mu.Unlock()
}

func (session *Session) disarm() {
	session.mu.Lock()
	session.cancel = nil
	session.mu.Unlock()
}

// consumeCommands consumes incoming commands sent over the Postgres wire
// connection. This method keeps consuming messages until the client issues a
// terminate message or the connection is closed.
func (session *Session) consumeCommands(ctx context.Context) error {
	session.logger.Debug("ready for query... starting to consume commands")
	session.ctx = ctx

	for {
		t, length, err := session.reader.ReadTypedMsg()
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}

		// NOTE: we could recover from this scenario
		if errors.Is(err, buffer.ErrMessageSizeExceeded) {
			err = session.handleMessageSizeExceeded(err)
			if err != nil {
				return err
			}

			continue
		}

		if err != nil {
			return err
		}

		if session.srv.closing.Load() {
			return nil
		}

		session.logger.Debug("<- incoming command", slog.Int("length", length), slog.String("type", t.String()))

		err = session.handleCommand(ctx, t)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

// handleMessageSizeExceeded consumes and discards the remainder of an
// oversized message and reports the error to the client, keeping the
// connection in a usable state.
func (session *Session) handleMessageSizeExceeded(exceeded error) (err error) {
	unwrapped, has := buffer.UnwrapMessageSizeExceeded(exceeded)
	if !has {
		return exceeded
	}

	err = session.reader.Slurp(unwrapped.Size)
	if err != nil {
		return err
	}

	err = session.respondError(exceeded)
	if err != nil {
		return err
	}

	return session.readyForQuery()
}

// handleCommand handles the given client message. A client message includes a
// message type and reader buffer containing the actual message. The type
// indicates the action requested by the client.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
func (session *Session) handleCommand(ctx context.Context, t types.ClientMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session.arm(cancel)
	defer session.disarm()

	// NOTE: when an error is detected while processing any extended-query
	// message, every following message is read and discarded until a Sync
	// is reached. This guarantees that exactly one ErrorResponse and one
	// ReadyForQuery is emitted per failed batch.
	// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-FLOW-EXT-QUERY
	if session.ignoreTillSync {
		switch t {
		case types.ClientSync, types.ClientTerminate:
		default:
			session.logger.Debug("discarding message until sync", slog.String("type", t.String()))
			return nil
		}
	}

	switch t {
	case types.ClientSimpleQuery:
		return session.handleSimpleQuery(ctx)
	case types.ClientParse:
		return session.extended(session.handleParse(ctx))
	case types.ClientBind:
		return session.extended(session.handleBind())
	case types.ClientDescribe:
		return session.extended(session.handleDescribe())
	case types.ClientExecute:
		return session.extended(session.handleExecute(ctx))
	case types.ClientClose:
		return session.extended(session.handleClose())
	case types.ClientSync:
		return session.handleSync()
	case types.ClientFlush:
		return session.writer.Flush()
	case types.ClientTerminate:
		session.conn.Close() //nolint:errcheck
		return io.EOF
	default:
		// Function call, copy and replication sub-protocols are not
		// provided by the proxy.
		err := session.respondError(NewErrUnimplementedMessageType(t))
		if err != nil {
			return err
		}

		return session.readyForQuery()
	}
}

// extended finalizes the outcome of a single extended query message. Errors
// are reported to the client once and raise the skip-until-sync state; fatal
// errors additionally close the connection.
func (session *Session) extended(err error) error {
	if err == nil {
		return nil
	}

	werr := session.respondError(err)
	if werr != nil {
		return werr
	}

	session.ignoreTillSync = true

	if psqlerr.Flatten(err).Severity == psqlerr.LevelFatal {
		return err
	}

	return nil
}

// respondError writes the given error to the client.
func (session *Session) respondError(err error) error {
	desc := psqlerr.Flatten(err)
	session.logger.Debug("-> error response", slog.String("code", string(desc.Code)), slog.String("msg", desc.Message))

	class := "XX"
	if len(desc.Code) >= 2 {
		class = string(desc.Code[:2])
	}
	metrics.Errors.WithLabelValues(class).Inc()

	return ErrorCode(session.writer, err)
}

// readyForQuery completes a command cycle. The transaction status byte
// reflects the state of the backend session.
func (session *Session) readyForQuery() error {
	status := types.ServerIdle
	if session.backend != nil {
		status = session.backend.TxStatus()
	}

	return readyForQuery(session.writer, status)
}

// translate runs the configured translator over a single statement.
func (session *Session) translate(ctx context.Context, sql string) (string, error) {
	result, err := session.srv.translator.Translate(ctx, sql, session.srv.resolver)
	if err != nil {
		return "", err
	}

	metrics.Translations.WithLabelValues(result.Kind.String()).Inc()

	if result.SQL != sql {
		session.logger.Debug("statement translated", slog.String("kind", result.Kind.String()), slog.String("sql", result.SQL))
	}

	return result.SQL, nil
}

// handleSimpleQuery executes the statements inside a single simple query
// message. The payload may contain multiple semicolon separated statements;
// an error aborts the remainder of the batch. Results are always written in
// the text format.
func (session *Session) handleSimpleQuery(ctx context.Context) error {
	query, err := session.reader.GetString()
	if err != nil {
		return err
	}

	session.logger.Debug("incoming simple query", slog.String("query", query))

	// NOTE: if a completely empty (no contents other than whitespace) query
	// string is received, the response is EmptyQueryResponse followed by
	// ReadyForQuery.
	statements := splitStatements(query)
	if len(statements) == 0 {
		err = session.emptyQuery()
		if err != nil {
			return err
		}

		return session.readyForQuery()
	}

	for _, statement := range statements {
		err = session.executeSimple(ctx, statement)
		if err != nil {
			if psqlerr.Flatten(err).Severity == psqlerr.LevelFatal {
				return err
			}

			werr := session.respondError(err)
			if werr != nil {
				return werr
			}

			break
		}
	}

	return session.readyForQuery()
}

// executeSimple translates and executes a single statement of a simple query
// batch and streams its result to the client.
func (session *Session) executeSimple(ctx context.Context, statement string) error {
	metrics.Statements.WithLabelValues("simple").Inc()

	translated, err := session.translate(ctx, statement)
	if err != nil {
		return err
	}

	result, err := session.backend.Execute(ctx, translated)
	if err != nil {
		return err
	}

	if result.Rows == nil {
		return session.commandComplete(result.Tag)
	}

	defer result.Rows.Close()

	columns := NewColumns(result.Rows.Columns())
	err = columns.Define(session.writer, nil)
	if err != nil {
		return err
	}

	var written uint64
	for {
		values, err := result.Rows.Next(ctx)
		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}

		err = session.writeRow(columns, nil, values)
		if err != nil {
			return err
		}

		written++
	}

	return session.commandComplete(backend.SelectTag(written))
}

// handleParse translates and prepares a statement through the extended query
// protocol. Nothing is written to the client until a later Sync or Flush; the
// ParseComplete acknowledgement is staged inside the write buffer.
func (session *Session) handleParse(ctx context.Context) error {
	name, err := session.reader.GetString()
	if err != nil {
		return err
	}

	query, err := session.reader.GetString()
	if err != nil {
		return err
	}

	// NOTE: the number of parameter data types specified can be zero and
	// is not an indication of the number of parameters that might appear
	// inside the query string, only the number that the frontend wants to
	// prespecify types for.
	count, err := session.reader.GetUint16()
	if err != nil {
		return err
	}

	declared := make([]oid.Oid, count)
	for i := uint16(0); i < count; i++ {
		id, err := session.reader.GetUint32()
		if err != nil {
			return err
		}

		declared[i] = oid.Oid(id)
	}

	if len(splitStatements(query)) > 1 {
		return NewErrMultipleStatements()
	}

	session.logger.Debug("incoming extended query", slog.String("query", query), slog.String("name", name))

	translated, err := session.translate(ctx, query)
	if err != nil {
		return err
	}

	prepared, err := session.backend.Prepare(ctx, translated)
	if err != nil {
		return err
	}

	parameters := prepared.ParameterOIDs()
	if len(declared) > len(parameters) {
		parameters = make([]oid.Oid, len(declared))
	} else {
		parameters = append([]oid.Oid(nil), parameters...)
	}

	for i, id := range declared {
		if id != 0 {
			parameters[i] = id
		}
	}

	err = session.setStatement(&PreparedStatement{
		Name:       name,
		SQL:        query,
		Translated: translated,
		Parameters: parameters,
		Backend:    prepared,
	})
	if err != nil {
		prepared.Close() //nolint:errcheck
		return err
	}

	session.writer.Start(types.ServerParseComplete)
	return session.writer.End()
}

// handleBind decodes the given parameters and binds a portal to a previously
// prepared statement.
func (session *Session) handleBind() error {
	name, err := session.reader.GetString()
	if err != nil {
		return err
	}

	statement, err := session.reader.GetString()
	if err != nil {
		return err
	}

	paramFormats, err := session.readFormatCodes()
	if err != nil {
		return err
	}

	values, nulls, err := session.readParameterValues()
	if err != nil {
		return err
	}

	resultFormats, err := session.readFormatCodes()
	if err != nil {
		return err
	}

	stmt, has := session.statements[statement]
	if !has {
		return NewErrUnknownStatement(statement)
	}

	if len(values) != len(stmt.Parameters) {
		err := fmt.Errorf("bind message supplies %d parameters, but prepared statement %q requires %d", len(values), statement, len(stmt.Parameters))
		return psqlerr.WithCode(err, codes.ProtocolViolation)
	}

	if len(paramFormats) > 1 && len(paramFormats) != len(values) {
		err := fmt.Errorf("bind message has %d parameter formats but %d parameters", len(paramFormats), len(values))
		return psqlerr.WithCode(err, codes.ProtocolViolation)
	}

	arguments, err := decodeParameters(stmt.Parameters, paramFormats, values, nulls)
	if err != nil {
		return err
	}

	// NOTE: in force binary mode result columns without an explicit format
	// code default to the binary format. Simple query results remain text.
	if len(resultFormats) == 0 && session.srv.ForceBinary {
		resultFormats = []FormatCode{BinaryFormat}
	}

	err = session.setPortal(&Portal{
		Name:      name,
		Statement: stmt,
		Arguments: arguments,
		Formats:   resultFormats,
	})
	if err != nil {
		return err
	}

	session.writer.Start(types.ServerBindComplete)
	return session.writer.End()
}

// readFormatCodes reads a format code list: zero entries for all-text, one
// entry applying to every column, or one entry per column.
func (session *Session) readFormatCodes() ([]FormatCode, error) {
	length, err := session.reader.GetUint16()
	if err != nil {
		return nil, err
	}

	formats := make([]FormatCode, length)
	for i := uint16(0); i < length; i++ {
		format, err := session.reader.GetUint16()
		if err != nil {
			return nil, err
		}

		formats[i] = FormatCode(format)
	}

	return formats, nil
}

// readParameterValues reads the length-prefixed parameter values of a bind
// message. A length of -1 denotes SQL NULL.
func (session *Session) readParameterValues() (values [][]byte, nulls []bool, err error) {
	length, err := session.reader.GetUint16()
	if err != nil {
		return nil, nil, err
	}

	values = make([][]byte, length)
	nulls = make([]bool, length)
	for i := uint16(0); i < length; i++ {
		size, err := session.reader.GetInt32()
		if err != nil {
			return nil, nil, err
		}

		if size == -1 {
			nulls[i] = true
			continue
		}

		value, err := session.reader.GetBytes(int(size))
		if err != nil {
			return nil, nil, err
		}

		// the reader buffer is reused between messages
		values[i] = append([]byte(nil), value...)
	}

	return values, nulls, nil
}

// handleDescribe announces the parameter and result description of a
// prepared statement or portal.
func (session *Session) handleDescribe() error {
	d, err := session.reader.GetPrepareType()
	if err != nil {
		return err
	}

	name, err := session.reader.GetString()
	if err != nil {
		return err
	}

	session.logger.Debug("incoming describe request", slog.String("name", name))

	switch d {
	case buffer.PrepareStatement:
		statement, has := session.statements[name]
		if !has {
			return NewErrUnknownStatement(name)
		}

		err = session.writeParameterDescription(statement.Parameters)
		if err != nil {
			return err
		}

		// NOTE: the result format codes are not yet known at this
		// point in time and are reported as text.
		return session.writeColumnDescription(statement.Columns(), nil)
	case buffer.PreparePortal:
		portal, has := session.portals[name]
		if !has {
			return NewErrUnknownPortal(name)
		}

		return session.writeColumnDescription(portal.Columns(), portal.Formats)
	}

	err = fmt.Errorf("unknown describe target: %q", byte(d))
	return psqlerr.WithCode(err, codes.ProtocolViolation)
}

// https://www.postgresql.org/docs/current/protocol-message-formats.html
func (session *Session) writeParameterDescription(parameters []oid.Oid) error {
	session.writer.Start(types.ServerParameterDescription)
	session.writer.AddInt16(int16(len(parameters)))

	for _, parameter := range parameters {
		session.writer.AddInt32(int32(parameter))
	}

	return session.writer.End()
}

// writeColumnDescription writes the row description of the given columns, or
// NoData for statements which do not return rows.
func (session *Session) writeColumnDescription(columns Columns, formats []FormatCode) error {
	if len(columns) == 0 {
		session.writer.Start(types.ServerNoData)
		return session.writer.End()
	}

	return columns.Define(session.writer, formats)
}

// handleExecute streams up to the requested maximum of rows from the named
// portal. A drained portal completes the command; otherwise the portal is
// suspended and a later Execute resumes it.
func (session *Session) handleExecute(ctx context.Context) error {
	name, err := session.reader.GetString()
	if err != nil {
		return err
	}

	limit, err := session.reader.GetUint32()
	if err != nil {
		return err
	}

	session.logger.Debug("executing portal", slog.String("name", name), slog.Uint64("limit", uint64(limit)))

	portal, has := session.portals[name]
	if !has {
		return NewErrUnknownPortal(name)
	}

	metrics.Statements.WithLabelValues("extended").Inc()

	// NOTE: a portal executed with a row limit can be suspended and
	// resumed by a later Execute message. Its backend cursor must then
	// survive the current command, only an unbounded execution may be
	// interrupted through the per-command context.
	queryCtx := ctx
	if limit > 0 {
		queryCtx = session.ctx
	}

	tag, suspended, err := portal.Execute(ctx, queryCtx, limit, func(columns Columns, values []any) error {
		return session.writeRow(columns, portal.Formats, values)
	})
	if err != nil {
		return err
	}

	if suspended {
		session.writer.Start(types.ServerPortalSuspended)
		return session.writer.End()
	}

	return session.commandComplete(tag)
}

// handleClose removes the named prepared statement or portal. Closing a
// statement implicitly closes every portal depending on it; closing a missing
// target is not an error.
func (session *Session) handleClose() error {
	d, err := session.reader.GetPrepareType()
	if err != nil {
		return err
	}

	name, err := session.reader.GetString()
	if err != nil {
		return err
	}

	switch d {
	case buffer.PrepareStatement:
		if statement, has := session.statements[name]; has {
			session.closeStatement(statement)
		}
	case buffer.PreparePortal:
		if portal, has := session.portals[name]; has {
			session.closePortal(portal)
		}
	default:
		err = fmt.Errorf("unknown close target: %q", byte(d))
		return psqlerr.WithCode(err, codes.ProtocolViolation)
	}

	session.writer.Start(types.ServerCloseComplete)
	return session.writer.End()
}

// handleSync completes an extended query batch. The skip-until-sync state is
// cleared, the unnamed portal is released and a single ReadyForQuery closes
// the cycle.
func (session *Session) handleSync() error {
	session.ignoreTillSync = false

	if portal, has := session.portals[""]; has {
		session.closePortal(portal)
	}

	return session.readyForQuery()
}

// writeRow encodes a single data row using the given per-column formats.
func (session *Session) writeRow(columns Columns, formats []FormatCode, values []any) error {
	if session.srv.BackendText {
		for i, value := range values {
			if value == nil || formatOf(formats, i) != TextFormat {
				continue
			}

			switch value.(type) {
			case string, []byte:
			default:
				values[i] = fmt.Sprintf("%v", value)
			}
		}
	}

	return columns.Write(session.writer, formats, values)
}

// commandComplete announces that the requested command has successfully been
// executed. The given tag is written back to the client.
func (session *Session) commandComplete(tag string) error {
	session.writer.Start(types.ServerCommandComplete)
	session.writer.AddString(tag)
	session.writer.AddNullTerminate()
	return session.writer.End()
}

// emptyQuery announces an empty query response.
func (session *Session) emptyQuery() error {
	session.writer.Start(types.ServerEmptyQuery)
	return session.writer.End()
}

// splitStatements splits the payload of a simple query message into its
// semicolon separated statements. Separators inside string literals, quoted
// identifiers and comments do not split. Empty statements are dropped.
func splitStatements(query string) []string {
	var statements []string
	var start int
	var inString, inIdentifier, inLineComment, inBlockComment bool

	for i := 0; i < len(query); i++ {
		c := query[i]

		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
			}
		case inBlockComment:
			if c == '*' && i+1 < len(query) && query[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case inString:
			if c == '\'' {
				inString = false
			}
		case inIdentifier:
			if c == '"' {
				inIdentifier = false
			}
		case c == '\'':
			inString = true
		case c == '"':
			inIdentifier = true
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			inLineComment = true
			i++
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			inBlockComment = true
			i++
		case c == ';':
			statement := strings.TrimSpace(query[start:i])
			if statement != "" {
				statements = append(statements, statement)
			}

			start = i + 1
		}
	}

	statement := strings.TrimSpace(query[start:])
	if statement != "" {
		statements = append(statements, statement)
	}

	return statements
}
