package wire

// Parameters represents a parameters collection of parameter status keys and
// their values
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key that could be defined inside a server/client
// metadata definition
type ParameterStatus string

// At present there is a hard-wired set of parameters for which ParameterStatus
// will be generated.
// https://www.postgresql.org/docs/13/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding       ParameterStatus = "server_encoding"
	ParamClientEncoding       ParameterStatus = "client_encoding"
	ParamDateStyle            ParameterStatus = "DateStyle"
	ParamIntervalStyle        ParameterStatus = "IntervalStyle"
	ParamTimeZone             ParameterStatus = "TimeZone"
	ParamIsSuperuser          ParameterStatus = "is_superuser"
	ParamSessionAuthorization ParameterStatus = "session_authorization"
	ParamApplicationName      ParameterStatus = "application_name"
	ParamDatabase             ParameterStatus = "database"
	ParamUsername             ParameterStatus = "user"
	ParamServerVersion        ParameterStatus = "server_version"
)

// DefaultServerVersion is the PostgreSQL version announced to clients unless
// configured otherwise. Drivers and ORMs gate features on this value, it
// should name a version whose feature surface the proxy can honor.
const DefaultServerVersion = "14.1"
