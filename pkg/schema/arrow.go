package schema

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// ToArrow converts a universal table to an Arrow schema for the columnar
// binary writers.
func ToArrow(table *Table) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(table.Fields))
	for _, f := range table.Fields {
		at, err := toArrowType(f.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindSchema, "failed to convert field "+f.Name)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: at, Nullable: f.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

func toArrowType(t Type) (arrow.DataType, error) {
	switch t.Kind {
	case KindString, KindJSON, KindList:
		return arrow.BinaryTypes.String, nil
	case KindInteger:
		switch {
		case t.Bits <= 16:
			return arrow.PrimitiveTypes.Int16, nil
		case t.Bits <= 32:
			return arrow.PrimitiveTypes.Int32, nil
		default:
			return arrow.PrimitiveTypes.Int64, nil
		}
	case KindUnsigned:
		return arrow.PrimitiveTypes.Uint64, nil
	case KindFloat:
		if t.Bits <= 32 {
			return arrow.PrimitiveTypes.Float32, nil
		}
		return arrow.PrimitiveTypes.Float64, nil
	case KindBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case KindTimestamp:
		switch t.Unit {
		case UnitSeconds:
			return arrow.FixedWidthTypes.Timestamp_s, nil
		case UnitMillis:
			return arrow.FixedWidthTypes.Timestamp_ms, nil
		case UnitMicros:
			return arrow.FixedWidthTypes.Timestamp_us, nil
		default:
			return arrow.FixedWidthTypes.Timestamp_ns, nil
		}
	default:
		return nil, errors.Newf(errors.KindSchema, "unsupported universal type: %s", t)
	}
}

// FromArrow converts an Arrow schema back into a universal table. Used by
// the staging source when reading pre-serialized batches.
func FromArrow(name string, as *arrow.Schema) (*Table, error) {
	table := &Table{Name: name, Fields: make([]Field, 0, as.NumFields())}
	for i := 0; i < as.NumFields(); i++ {
		af := as.Field(i)
		t, err := fromArrowType(af.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindSchema, "failed to convert field "+af.Name)
		}
		table.Fields = append(table.Fields, Field{Name: af.Name, Type: t, Nullable: af.Nullable})
	}
	return table, nil
}

func fromArrowType(dt arrow.DataType) (Type, error) {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING:
		return String, nil
	case arrow.INT8, arrow.INT16:
		return Int16, nil
	case arrow.INT32:
		return Int32, nil
	case arrow.INT64:
		return Int64, nil
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return UInt64, nil
	case arrow.FLOAT32:
		return Float32, nil
	case arrow.FLOAT64:
		return Float64, nil
	case arrow.BOOL:
		return Bool, nil
	case arrow.TIMESTAMP:
		ts, ok := dt.(*arrow.TimestampType)
		if !ok {
			return Type{}, errors.New(errors.KindSchema, "malformed arrow timestamp type")
		}
		switch ts.Unit {
		case arrow.Second:
			return Timestamp(UnitSeconds), nil
		case arrow.Millisecond:
			return Timestamp(UnitMillis), nil
		case arrow.Microsecond:
			return Timestamp(UnitMicros), nil
		default:
			return Timestamp(UnitNanos), nil
		}
	default:
		return Type{}, errors.Newf(errors.KindSchema, "unsupported arrow type: %s", dt)
	}
}
