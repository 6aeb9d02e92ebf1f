// Package wire implements the client facing side of the proxy: a PostgreSQL
// wire protocol (3.0) server which drives every accepted session through the
// startup, authentication and query phases and executes translated statements
// against the configured backend.
package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/metrics"
	"github.com/pgbridge/pgbridge/pkg/buffer"
	"github.com/pgbridge/pgbridge/pkg/types"
	"github.com/pgbridge/pgbridge/translate"
)

// ErrInvalidPort is returned when the configured listen port falls outside
// the valid TCP range.
var ErrInvalidPort = errors.New("listen port must be between 1 and 65535")

// NewServer constructs a new Postgres server using the given backend
// connector and server options.
func NewServer(connector backend.Connector, options ...OptionFn) (*Server, error) {
	if connector == nil {
		return nil, errors.New("a backend connector is required")
	}

	srv := &Server{
		logger:     slog.Default(),
		closer:     make(chan struct{}),
		registry:   newRegistry(),
		connector:  connector,
		translator: translate.NewTranslator(nil, nil),
	}

	for _, option := range options {
		err := option(srv)
		if err != nil {
			return nil, fmt.Errorf("unexpected error while attempting to configure a new server: %w", err)
		}
	}

	return srv, nil
}

// Server listens for and serves incoming PostgreSQL client connections.
type Server struct {
	closing         atomic.Bool
	wg              sync.WaitGroup
	logger          *slog.Logger
	registry        *registry
	connector       backend.Connector
	translator      *translate.Translator
	resolver        translate.ResolveFn
	Auth            AuthStrategy
	Parameters      Parameters
	ForceBinary     bool
	BackendText     bool
	BufferedMsgSize int
	closer          chan struct{}
}

// OptionFn options pattern used to define and set options for the given
// PostgreSQL server.
type OptionFn func(*Server) error

// Logger sets the logger used by the server and all of its sessions.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) error {
		srv.logger = logger
		return nil
	}
}

// Auth configures the authentication strategy used to validate connecting
// clients.
func Auth(strategy AuthStrategy) OptionFn {
	return func(srv *Server) error {
		srv.Auth = strategy
		return nil
	}
}

// Translator configures the statement translator applied to every incoming
// statement.
func Translator(translator *translate.Translator) OptionFn {
	return func(srv *Server) error {
		if translator == nil {
			return errors.New("a nil translator cannot be configured")
		}

		srv.translator = translator
		return nil
	}
}

// Resolver configures the backend-side lookup applied to winning
// meta-command matchers.
func Resolver(resolve translate.ResolveFn) OptionFn {
	return func(srv *Server) error {
		srv.resolver = resolve
		return nil
	}
}

// SessionParameters configures additional parameter status values announced
// to connecting clients, such as a spoofed server_version.
func SessionParameters(params Parameters) OptionFn {
	return func(srv *Server) error {
		srv.Parameters = params
		return nil
	}
}

// ForceBinary causes extended query result columns without an explicit
// format code to default to the binary format instead of text.
func ForceBinary() OptionFn {
	return func(srv *Server) error {
		srv.ForceBinary = true
		return nil
	}
}

// BackendText causes result values in the text format to keep the spelling
// produced by the backend rather than the canonical PostgreSQL spelling.
func BackendText() OptionFn {
	return func(srv *Server) error {
		srv.BackendText = true
		return nil
	}
}

// MessageBufferSize bounds the maximum accepted client message size.
func MessageBufferSize(size int) OptionFn {
	return func(srv *Server) error {
		srv.BufferedMsgSize = size
		return nil
	}
}

// ListenAndServe binds the given TCP port on all interfaces and starts
// accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(port int) error {
	if port < 1 || port > 65535 {
		return ErrInvalidPort
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	// NOTE: handle graceful shutdowns
	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		go func() {
			ctx := context.Background()
			err := srv.serve(ctx, conn)
			if err != nil {
				srv.logger.Error("an unexpected error got returned while serving a client connection", "err", err)
			}
		}()
	}
}

// serve runs the full lifecycle of a single client connection.
func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	metrics.SessionsAccepted.Inc()

	reader := buffer.NewReader(srv.logger, conn, srv.BufferedMsgSize)
	writer := buffer.NewWriter(srv.logger, conn)

	version, err := srv.Handshake(conn, reader, writer)
	if err != nil {
		return srv.fatal(writer, err)
	}

	if version == types.VersionCancel {
		metrics.CancelRequests.Inc()
		return conn.Close()
	}

	session := newSession(srv, conn, reader, writer)
	defer session.teardown()

	session.parameters, err = srv.readClientParameters(reader)
	if err != nil {
		return srv.fatal(writer, err)
	}

	err = srv.handleAuth(session, reader, writer)
	if err != nil {
		return srv.fatal(writer, err)
	}

	session.backend, err = srv.connector(ctx)
	if err != nil {
		return srv.fatal(writer, err)
	}

	srv.registry.Register(session)
	metrics.SessionsLive.Inc()

	err = srv.writeParameters(writer, session)
	if err != nil {
		return err
	}

	err = writeBackendKeyData(writer, session.processID, session.secretKey)
	if err != nil {
		return err
	}

	session.logger.Debug("session established, ready for query")

	err = readyForQuery(writer, types.ServerIdle)
	if err != nil {
		return err
	}

	return session.consumeCommands(ctx)
}

// fatal writes the given error to the client before the connection is closed.
func (srv *Server) fatal(writer *buffer.Writer, err error) error {
	desc := psqlerr.Flatten(err)
	if desc.Code == codes.Uncategorized {
		err = psqlerr.WithCode(err, codes.ProtocolViolation)
	}

	werr := ErrorCode(writer, psqlerr.WithSeverity(err, psqlerr.LevelFatal))
	if werr == nil {
		writer.Flush() //nolint:errcheck
	}

	return err
}

// Close gracefully closes the underlaying Postgres server. Live sessions are
// notified with an admin shutdown error before their connections are closed.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)

	srv.registry.Each(func(session *Session) {
		session.shutdown()
	})

	srv.wg.Wait()
	return nil
}
