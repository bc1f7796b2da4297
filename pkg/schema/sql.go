package schema

import (
	"strings"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Dialect identifies a destination SQL type system.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectSnowflake Dialect = "snowflake"
)

// SQLType returns the destination-native column type for the field.
func (f Field) SQLType(dialect Dialect) (string, error) {
	switch dialect {
	case DialectPostgres:
		return f.postgresType()
	case DialectSnowflake:
		return f.snowflakeType()
	default:
		return "", errors.Newf(errors.KindConfig, "unsupported SQL dialect: %s", dialect)
	}
}

func (f Field) postgresType() (string, error) {
	switch f.Type.Kind {
	case KindString:
		return "TEXT", nil
	case KindInteger, KindUnsigned:
		switch {
		case f.Type.Bits <= 16:
			return "SMALLINT", nil
		case f.Type.Bits <= 32:
			return "INTEGER", nil
		default:
			return "BIGINT", nil
		}
	case KindFloat:
		if f.Type.Bits <= 32 {
			return "REAL", nil
		}
		return "DOUBLE PRECISION", nil
	case KindBoolean:
		return "BOOLEAN", nil
	case KindTimestamp:
		return "TIMESTAMPTZ", nil
	case KindList, KindJSON:
		return "JSONB", nil
	default:
		return "", errors.Newf(errors.KindSchema, "no postgres type for %s", f.Type)
	}
}

func (f Field) snowflakeType() (string, error) {
	switch f.Type.Kind {
	case KindString:
		return "VARCHAR", nil
	case KindInteger, KindUnsigned:
		return "NUMBER(38,0)", nil
	case KindFloat:
		return "FLOAT", nil
	case KindBoolean:
		return "BOOLEAN", nil
	case KindTimestamp:
		return "TIMESTAMP_TZ", nil
	case KindList, KindJSON:
		return "VARIANT", nil
	default:
		return "", errors.Newf(errors.KindSchema, "no snowflake type for %s", f.Type)
	}
}

// FieldFromSQL converts a destination-native column description back into
// a universal field. Used when reading existing destination tables to
// verify compatibility before a run.
func FieldFromSQL(dialect Dialect, name, sqlType string, nullable bool) (Field, error) {
	normalized := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(normalized, '('); i > 0 {
		normalized = normalized[:i]
	}

	var t Type
	switch normalized {
	case "TEXT", "VARCHAR", "CHAR", "CHARACTER VARYING", "STRING":
		t = String
	case "SMALLINT":
		t = Int16
	case "INTEGER", "INT", "INT4":
		t = Int32
	case "BIGINT", "INT8", "NUMBER":
		t = Int64
	case "REAL", "FLOAT4":
		t = Float32
	case "DOUBLE PRECISION", "FLOAT", "FLOAT8":
		t = Float64
	case "BOOLEAN", "BOOL":
		t = Bool
	case "TIMESTAMPTZ", "TIMESTAMP", "TIMESTAMP_TZ", "TIMESTAMP_NTZ", "TIMESTAMP WITH TIME ZONE":
		t = Timestamp(UnitMicros)
	case "JSONB", "JSON", "VARIANT", "ARRAY", "OBJECT":
		t = JSON
	default:
		return Field{}, errors.Newf(errors.KindSchema,
			"unrecognized %s type %q for column %s", dialect, sqlType, name)
	}

	return Field{Name: name, Type: t, Nullable: nullable}, nil
}
