package wire

import (
	"errors"

	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
	"github.com/pgbridge/pgbridge/pkg/buffer"
	"github.com/pgbridge/pgbridge/pkg/types"
)

// authType represents the manner in which a client is able to authenticate
type authType int32

const (
	// authOK indicates that the connection has been authenticated and the client
	// is allowed to proceed.
	authOK authType = 0
	// authClearTextPassword is a authentication type used to tell the client to identify
	// itself by sending the password in clear text to the Postgres server.
	authClearTextPassword authType = 3
)

// AuthStrategy represents a authentication strategy used to authenticate a user
type AuthStrategy func(session *Session, writer *buffer.Writer, reader *buffer.Reader) (err error)

// handleAuth handles the client authentication for the given connection.
// This methods validates the incoming credentials and writes to the client whether
// the provided credentials are correct. When the provided credentials are invalid
// or any unexpected error occures is an error returned and should the connection be closed.
func (srv *Server) handleAuth(session *Session, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		// No authentication strategy configured.
		// Announcing to the client that the connection is authenticated
		return writeAuthType(writer, authOK)
	}

	return srv.Auth(session, writer, reader)
}

// NewErrInvalidCredentials is returned whenever the presented credentials do
// not match the configured credential source.
func NewErrInvalidCredentials(username string) error {
	err := errors.New("password authentication failed for user \"" + username + "\"")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidPassword), psqlerr.LevelFatal)
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates if the provided username (received inside
// the client parameters) and password (received inside the password message) are valid. If the provided credentials are invalid
// or any unexpected error occures is an error returned and should the connection be closed.
func ClearTextPassword(validate func(username, password string) (bool, error)) AuthStrategy {
	return func(session *Session, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		err = writeAuthType(writer, authClearTextPassword)
		if err != nil {
			return err
		}

		err = writer.Flush()
		if err != nil {
			return err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		if t != types.ClientPassword {
			return psqlerr.WithCode(errors.New("unexpected password message"), codes.ProtocolViolation)
		}

		password, err := reader.GetString()
		if err != nil {
			return err
		}

		username := session.parameters[ParamUsername]
		valid, err := validate(username, password)
		if err != nil {
			return err
		}

		if !valid {
			return NewErrInvalidCredentials(username)
		}

		return writeAuthType(writer, authOK)
	}
}

// StaticCredentials validates the presented credentials against a fixed
// username/password pair.
func StaticCredentials(username, password string) AuthStrategy {
	return ClearTextPassword(func(user, pass string) (bool, error) {
		return user == username && pass == password, nil
	})
}

// writeAuthType writes the auth type to the client informing the client about the
// authentication status and the expected data to be received.
func writeAuthType(writer *buffer.Writer, status authType) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(status))
	return writer.End()
}
