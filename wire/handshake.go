package wire

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"

	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/pkg/buffer"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// sslUnsupported announces to the client that the connection cannot be
// upgraded. The proxy never terminates TLS, encryption requests are politely
// refused and the client retries in the clear.
var sslUnsupported = []byte{'N'}

// NewErrUnsupportedVersion is returned when a client announces a protocol
// version other than 3.0.
func NewErrUnsupportedVersion(version types.Version) error {
	err := fmt.Errorf("unsupported protocol version: %d", version)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelFatal)
}

// Handshake performs the connection handshake and returns the connection
// version; the startup message body is left inside the given reader.
// Encryption requests (SSL and GSS) are answered with a single refusal byte
// after which the startup message is read again.
func (srv *Server) Handshake(conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) (version types.Version, err error) {
	version, err = srv.readVersion(reader)
	if err != nil {
		return version, err
	}

	for version == types.VersionSSLRequest || version == types.VersionGSSENC {
		srv.logger.Debug("refusing connection encryption request", slog.Uint64("code", uint64(version)))

		err = writer.WriteRaw(sslUnsupported)
		if err != nil {
			return version, err
		}

		version, err = srv.readVersion(reader)
		if err != nil {
			return version, err
		}
	}

	if version == types.VersionCancel {
		return version, srv.handleCancelRequest(reader)
	}

	if version != types.Version30 {
		return version, NewErrUnsupportedVersion(version)
	}

	return version, nil
}

// readVersion reads the start-up message and returns its protocol version
// (uint32); the rest of the message stays in the reader.
func (srv *Server) readVersion(reader *buffer.Reader) (_ types.Version, err error) {
	var version uint32
	_, err = reader.ReadUntypedMsg()
	if err != nil {
		return 0, err
	}

	version, err = reader.GetUint32()
	if err != nil {
		return 0, err
	}

	return types.Version(version), nil
}

// handleCancelRequest reads the cancel request parameters (processID and
// secretKey) from the client connection and routes them to the live session
// registry. The full cancel request format is:
//
//	Int32(16) - Length of message contents in bytes, including self
//	Int32(80877102) - The cancel request code (already read as version)
//	Int32 - The process ID of the target backend
//	Int32 - The secret key for the target backend
//
// No response is ever sent on the cancel channel; the caller closes the
// connection immediately.
func (srv *Server) handleCancelRequest(reader *buffer.Reader) error {
	processID, err := reader.GetInt32()
	if err != nil {
		return fmt.Errorf("failed to read process ID from cancel request: %w", err)
	}

	secretKey, err := reader.GetInt32()
	if err != nil {
		return fmt.Errorf("failed to read secret key from cancel request: %w", err)
	}

	srv.logger.Debug("received cancel request", slog.Int("pid", int(processID)))
	srv.registry.Cancel(processID, secretKey)
	return nil
}

// readyForQuery indicates that the server is ready to receive queries.
// The given server status is included inside the message to indicate the server
// status. This message should be written when a command cycle has been completed.
func readyForQuery(writer *buffer.Writer, status types.ServerStatus) error {
	writer.Start(types.ServerReady)
	writer.AddByte(byte(status))
	err := writer.End()
	if err != nil {
		return err
	}

	return writer.Flush()
}

// readClientParameters reads the key/value connection parameters send by the
// client inside the startup message.
func (srv *Server) readClientParameters(reader *buffer.Reader) (Parameters, error) {
	meta := make(Parameters)

	srv.logger.Debug("reading client parameters")

	for {
		key, err := reader.GetString()
		if err != nil {
			// the startup message ends after the final parameter pair
			if errors.Is(err, buffer.ErrMissingNulTerminator) && reader.Remaining() == 0 {
				break
			}

			return nil, err
		}

		// an empty key indicates the end of the connection parameters
		if len(key) == 0 {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		srv.logger.Debug("client parameter", slog.String("key", key), slog.String("value", value))
		meta[ParameterStatus(key)] = value
	}

	return meta, nil
}

// writeParameters writes the server parameters such as client encoding to the client.
// https://www.postgresql.org/docs/current/libpq-status.html
func (srv *Server) writeParameters(writer *buffer.Writer, session *Session) error {
	params := maps.Clone(srv.Parameters)
	if params == nil {
		params = make(Parameters, 6)
	}

	if _, has := params[ParamServerVersion]; !has {
		params[ParamServerVersion] = DefaultServerVersion
	}

	params[ParamServerEncoding] = "UTF8"
	params[ParamClientEncoding] = "UTF8"
	params[ParamDateStyle] = "ISO, MDY"
	params[ParamIntervalStyle] = "iso_8601"
	params[ParamTimeZone] = "UTC"
	params[ParamSessionAuthorization] = session.parameters[ParamUsername]

	srv.logger.Debug("writing server parameters")

	for key, value := range params {
		writer.Start(types.ServerParameterStatus)
		writer.AddString(string(key))
		writer.AddNullTerminate()
		writer.AddString(value)
		writer.AddNullTerminate()
		err := writer.End()
		if err != nil {
			return err
		}
	}

	return nil
}

// writeBackendKeyData announces the cancellation key of the session. A client
// wishing to cancel an in-flight query opens a second connection and presents
// this exact pair.
func writeBackendKeyData(writer *buffer.Writer, processID, secretKey int32) error {
	writer.Start(types.ServerBackendKeyData)
	writer.AddInt32(processID)
	writer.AddInt32(secretKey)
	return writer.End()
}
