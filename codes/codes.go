package codes

// Code represents a Postgres error code
type Code string

// http://www.postgresql.org/docs/current/static/errcodes-appendix.html
var (
	// Section: Class 00 - Successful Completion
	SuccessfulCompletion Code = "00000"
	// Section: Class 01 - Warning
	Warning                  Code = "01000"
	WarningDeprecatedFeature Code = "01P01"
	// Section: Class 02 - No Data (this is also a warning class per the SQL standard)
	NoData Code = "02000"
	// Section: Class 03 - SQL Statement Not Yet Complete
	SQLStatementNotYetComplete Code = "03000"
	// Section: Class 08 - Connection Exception
	ConnectionException                     Code = "08000"
	ConnectionDoesNotExist                  Code = "08003"
	ConnectionFailure                       Code = "08006"
	SQLclientUnableToEstablishSQLconnection Code = "08001"
	ProtocolViolation                       Code = "08P01"
	// Section: Class 0A - Feature Not Supported
	FeatureNotSupported Code = "0A000"
	// Section: Class 21 - Cardinality Violation
	CardinalityViolation Code = "21000"
	// Section: Class 22 - Data Exception
	DataException                Code = "22000"
	CharacterNotInRepertoire     Code = "22021"
	DatetimeFieldOverflow        Code = "22008"
	DivisionByZero               Code = "22012"
	InvalidDatetimeFormat        Code = "22007"
	InvalidParameterValue        Code = "22023"
	NullValueNotAllowed          Code = "22004"
	NumericValueOutOfRange       Code = "22003"
	InvalidTextRepresentation    Code = "22P02"
	InvalidBinaryRepresentation  Code = "22P03"
	BadCopyFileFormat            Code = "22P04"
	UntranslatableCharacter      Code = "22P05"
	StringDataRightTruncation    Code = "22001"
	IndeterminateDatatype        Code = "42P18"
	InvalidArgumentForLogarithm  Code = "2201E"
	InvalidCharacterValueForCast Code = "22018"
	// Section: Class 25 - Invalid Transaction State
	InvalidTransactionState Code = "25000"
	ActiveSQLTransaction    Code = "25001"
	NoActiveSQLTransaction  Code = "25P01"
	InFailedSQLTransaction  Code = "25P02"
	// Section: Class 26 - Invalid SQL Statement Name
	InvalidSQLStatementName Code = "26000"
	// Section: Class 28 - Invalid Authorization Specification
	InvalidAuthorizationSpecification Code = "28000"
	InvalidPassword                   Code = "28P01"
	// Section: Class 2D - Invalid Transaction Termination
	InvalidTransactionTermination Code = "2D000"
	// Section: Class 34 - Invalid Cursor Name
	InvalidCursorName Code = "34000"
	// Section: Class 3D - Invalid Catalog Name
	InvalidCatalogName Code = "3D000"
	// Section: Class 42 - Syntax Error or Access Rule Violation
	SyntaxErrorOrAccessRuleViolation   Code = "42000"
	Syntax                             Code = "42601"
	UndefinedColumn                    Code = "42703"
	UndefinedFunction                  Code = "42883"
	UndefinedTable                     Code = "42P01"
	DuplicateCursor                    Code = "42P03"
	DuplicatePreparedStatement         Code = "42P05"
	InvalidPreparedStatementDefinition Code = "42P14"
	UndefinedObject                    Code = "42704"
	// Section: Class 53 - Insufficient Resources
	InsufficientResources Code = "53000"
	TooManyConnections    Code = "53300"
	// Section: Class 54 - Program Limit Exceeded
	ProgramLimitExceeded Code = "54000"
	// Section: Class 57 - Operator Intervention
	OperatorIntervention Code = "57000"
	QueryCanceled        Code = "57014"
	AdminShutdown        Code = "57P01"
	CrashShutdown        Code = "57P02"
	CannotConnectNow     Code = "57P03"
	// Section: Class 58 - System Error
	System        Code = "58000"
	IoError       Code = "58030"
	UndefinedFile Code = "58P01"
	// Section: Class XX - Internal Error
	Internal       Code = "XX000"
	DataCorrupted  Code = "XX001"
	IndexCorrupted Code = "XX002"
	Uncategorized  Code = "XXUUU"
)
