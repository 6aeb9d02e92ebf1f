package mock

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/pgbridge/pgbridge/pkg/types"
)

// NewClient constructs a new mock PostgreSQL client over the given network
// connection.
func NewClient(t *testing.T, conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		Writer: NewWriter(t, conn),
		Reader: NewReader(t, conn),
	}
}

type Client struct {
	conn net.Conn
	*Writer
	*Reader
}

// Handshake performs a simple handshake over the underlaying connection. A
// handshake consists out of introducing/publishing the client version and
// connection preferences and the writing of (metadata) parameters identifying
// the given client.
func (client *Client) Handshake(t *testing.T, params ...string) {
	t.Log("performing simple handshake")
	defer t.Log("simple handshake completed")

	if len(params) == 0 {
		params = []string{"user", "mock", "database", "mock"}
	}

	version := make([]byte, 4)
	binary.BigEndian.PutUint32(version, uint32(types.Version30))

	// NOTE: the parameters consist out of keys and values. Each key and
	// value is terminated using a nul byte and the end of all parameters is
	// identified using a empty key value.
	nul := byte(0)
	var parameters []byte
	for _, param := range params {
		parameters = append(parameters, []byte(param)...)
		parameters = append(parameters, nul)
	}
	parameters = append(parameters, nul)

	// NOTE: we have to define the total message length inside the
	// header by prefixing a unsigned 32 big-endian int.
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(version)+len(parameters)+len(header)))

	_, err := client.conn.Write(append(header, append(version, parameters...)...))
	if err != nil {
		t.Fatal(err)
	}
}

// SSLRequest writes an SSL upgrade request and expects the single refusal
// byte in response.
func (client *Client) SSLRequest(t *testing.T) {
	t.Log("requesting connection encryption")

	message := make([]byte, 8)
	binary.BigEndian.PutUint32(message[0:], 8)
	binary.BigEndian.PutUint32(message[4:], uint32(types.VersionSSLRequest))

	_, err := client.conn.Write(message)
	if err != nil {
		t.Fatal(err)
	}

	answer := make([]byte, 1)
	_, err = client.conn.Read(answer)
	if err != nil {
		t.Fatal(err)
	}

	if answer[0] != 'N' {
		t.Fatalf("unexpected encryption answer: %q, expected refusal", answer[0])
	}
}

// CancelRequest writes a cancel request for the given backend key pair. The
// server never answers on the cancel channel.
func (client *Client) CancelRequest(t *testing.T, processID, secretKey int32) {
	t.Log("sending cancel request")

	message := make([]byte, 16)
	binary.BigEndian.PutUint32(message[0:], 16)
	binary.BigEndian.PutUint32(message[4:], uint32(types.VersionCancel))
	binary.BigEndian.PutUint32(message[8:], uint32(processID))
	binary.BigEndian.PutUint32(message[12:], uint32(secretKey))

	_, err := client.conn.Write(message)
	if err != nil {
		t.Fatal(err)
	}
}

// Authenticate performs a simple authentication using the PostgreSQL wire
// protocol. The method fails whenever an unexpected message server message
// type/state has been returned of the connection has not been authenticated.
func (client *Client) Authenticate(t *testing.T) {
	t.Log("performing simple authentication")
	defer t.Log("simple authentication completed")

	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ServerAuth {
		t.Fatalf("unexpected message type %d, expected %d", typed, types.ServerAuth)
	}

	status, err := client.GetUint32()
	if err != nil {
		t.Fatal(err)
	}

	// NOTE: a status of 0 indicates that the connection has been authenticated
	if status != 0 {
		t.Fatalf("unexpected auth status: %d, expected auth ok", status)
	}
}

// AuthenticateClearText answers a cleartext password challenge with the
// given password.
func (client *Client) AuthenticateClearText(t *testing.T, password string) {
	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ServerAuth {
		t.Fatalf("unexpected message type %d, expected %d", typed, types.ServerAuth)
	}

	status, err := client.GetUint32()
	if err != nil {
		t.Fatal(err)
	}

	if status != 3 {
		t.Fatalf("unexpected auth status: %d, expected cleartext password request", status)
	}

	client.Start(types.ClientPassword)
	client.AddString(password)
	client.AddNullTerminate()
	err = client.End()
	if err != nil {
		t.Fatal(err)
	}
}

// ReadyForQuery awaits till the underlaying network connection returns a ready
// for query message. Parameter status and backend key data messages announced
// during session startup are consumed. The transaction status byte carried
// inside the message is returned.
func (client *Client) ReadyForQuery(t *testing.T) types.ServerStatus {
	var err error
	var typed types.ServerMessage

	t.Log("awaiting ready for query")
	defer t.Log("ready for query received")

	for {
		typed, _, err = client.ReadTypedMsg()
		if err != nil {
			t.Fatal(err)
		}

		if typed != types.ServerParameterStatus && typed != types.ServerBackendKeyData {
			break
		}
	}

	if typed != types.ServerReady {
		t.Fatalf("unexpected message type %d, expected %d", typed, types.ServerReady)
	}

	bb, err := client.GetBytes(1)
	if err != nil {
		t.Fatal(err)
	}

	return types.ServerStatus(bb[0])
}

// BackendKeyData consumes parameter status messages until the backend key
// data announcement and returns the cancellation key pair.
func (client *Client) BackendKeyData(t *testing.T) (processID, secretKey int32) {
	for {
		typed, _, err := client.ReadTypedMsg()
		if err != nil {
			t.Fatal(err)
		}

		if typed == types.ServerParameterStatus {
			continue
		}

		if typed != types.ServerBackendKeyData {
			t.Fatalf("unexpected message type %d, expected %d", typed, types.ServerBackendKeyData)
		}

		break
	}

	processID, err := client.GetInt32()
	if err != nil {
		t.Fatal(err)
	}

	secretKey, err = client.GetInt32()
	if err != nil {
		t.Fatal(err)
	}

	return processID, secretKey
}

// Error awaits an error response message and returns the carried SQLSTATE.
func (client *Client) Error(t *testing.T) string {
	t.Log("awaiting error message")
	defer t.Log("error message received")

	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ServerErrorResponse {
		t.Fatalf("unexpected response message type %d, expected %d", typed, types.ServerErrorResponse)
	}

	var state string
	for {
		field, err := client.GetBytes(1)
		if err != nil {
			t.Fatal(err)
		}

		if field[0] == 0 {
			break
		}

		value, err := client.GetString()
		if err != nil {
			t.Fatal(err)
		}

		if field[0] == 'C' {
			state = value
		}
	}

	return state
}

// Expect awaits a message of the given type, failing on anything else.
func (client *Client) Expect(t *testing.T, expected types.ServerMessage) {
	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != expected {
		t.Fatalf("unexpected message type %s, expected %s", typed, expected)
	}
}

// Close terminates the session and closes the underlaying connection.
func (client *Client) Close(t *testing.T) {
	t.Log("closing the client!")
	defer t.Log("client closed")

	client.Start(types.ClientTerminate)
	err := client.End()
	if err != nil {
		t.Fatal(err)
	}

	err = client.conn.Close()
	if err != nil {
		t.Fatal(err)
	}
}
