package backend

import (
	"strings"

	"github.com/lib/pq/oid"
)

// Dialect identifies the backend dialect profile. The profile is the single
// source of truth for mapping backend type spellings onto wire type OIDs,
// used both for RowDescription and for selecting the value codec.
type Dialect int

const (
	// DialectSpanner maps Cloud Spanner type spellings.
	DialectSpanner Dialect = iota
	// DialectBigQuery maps BigQuery type spellings.
	DialectBigQuery
	// DialectGeneric maps common database/sql driver type spellings, used
	// for embedded and pass-through backends.
	DialectGeneric
)

func (dialect Dialect) String() string {
	switch dialect {
	case DialectSpanner:
		return "spanner"
	case DialectBigQuery:
		return "bigquery"
	default:
		return "generic"
	}
}

var spannerTypes = map[string]oid.Oid{
	"INT64":     oid.T_int8,
	"INTEGER":   oid.T_int8,
	"FLOAT64":   oid.T_float8,
	"FLOAT":     oid.T_float8,
	"NUMERIC":   oid.T_numeric,
	"BOOL":      oid.T_bool,
	"BOOLEAN":   oid.T_bool,
	"STRING":    oid.T_text,
	"VARCHAR":   oid.T_text,
	"BYTES":     oid.T_bytea,
	"DATE":      oid.T_date,
	"TIMESTAMP": oid.T_timestamptz,
	"JSON":      oid.T_text,
}

var bigqueryTypes = map[string]oid.Oid{
	"INT64":      oid.T_int8,
	"INTEGER":    oid.T_int8,
	"FLOAT64":    oid.T_float8,
	"FLOAT":      oid.T_float8,
	"NUMERIC":    oid.T_numeric,
	"BIGNUMERIC": oid.T_numeric,
	"BOOL":       oid.T_bool,
	"BOOLEAN":    oid.T_bool,
	"STRING":     oid.T_text,
	"BYTES":      oid.T_bytea,
	"DATE":       oid.T_date,
	"DATETIME":   oid.T_timestamp,
	"TIMESTAMP":  oid.T_timestamptz,
	"JSON":       oid.T_text,
}

var genericTypes = map[string]oid.Oid{
	"SMALLINT":          oid.T_int2,
	"INT2":              oid.T_int2,
	"INT":               oid.T_int8,
	"INT4":              oid.T_int4,
	"INT8":              oid.T_int8,
	"INTEGER":           oid.T_int8,
	"BIGINT":            oid.T_int8,
	"REAL":              oid.T_float4,
	"FLOAT4":            oid.T_float4,
	"FLOAT":             oid.T_float8,
	"FLOAT8":            oid.T_float8,
	"DOUBLE":            oid.T_float8,
	"DOUBLE PRECISION":  oid.T_float8,
	"NUMERIC":           oid.T_numeric,
	"DECIMAL":           oid.T_numeric,
	"BOOL":              oid.T_bool,
	"BOOLEAN":           oid.T_bool,
	"TEXT":              oid.T_text,
	"VARCHAR":           oid.T_varchar,
	"CHARACTER VARYING": oid.T_varchar,
	"BLOB":              oid.T_bytea,
	"BYTEA":             oid.T_bytea,
	"DATE":              oid.T_date,
	"DATETIME":          oid.T_timestamp,
	"TIMESTAMP":         oid.T_timestamp,
	"TIMESTAMPTZ":       oid.T_timestamptz,
}

// TypeOid maps a backend type spelling onto its wire type OID. Unmapped
// spellings report the unknown type so values still travel in text form.
func (dialect Dialect) TypeOid(typeName string) oid.Oid {
	name := strings.ToUpper(strings.TrimSpace(typeName))

	// Parameterized spellings, STRING(MAX) or NUMERIC(10,2), map on their
	// base name.
	if index := strings.IndexByte(name, '('); index > 0 {
		name = strings.TrimSpace(name[:index])
	}

	var table map[string]oid.Oid
	switch dialect {
	case DialectSpanner:
		table = spannerTypes
	case DialectBigQuery:
		table = bigqueryTypes
	default:
		table = genericTypes
	}

	if id, has := table[name]; has {
		return id
	}

	return oid.T_unknown
}
