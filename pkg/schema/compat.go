package schema

import (
	"time"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// CastFunc converts a single column value between two compatible types.
// A nil input must round-trip as nil for nullable columns.
type CastFunc func(value interface{}) (interface{}, error)

// identity passes values through unchanged.
func identity(value interface{}) (interface{}, error) { return value, nil }

// Extension is a caller-supplied compatibility rule consulted after the
// built-in table.
type Extension struct {
	Source Type
	Target Type
	Cast   CastFunc
}

// AreCompatible consults the fixed compatibility table, then the supplied
// extensions, and returns the cast function for a legal pair. Incompatible
// pairs return (false, nil); they must surface as typed schema errors
// rather than silently corrupting data.
func AreCompatible(source, target Type, extensions ...Extension) (bool, CastFunc) {
	if source == target {
		return true, identity
	}

	switch {
	// Numeric widening within a kind is silent. Narrowing is not
	// compatible: int32 -> int16 must be rejected.
	case source.Kind == KindInteger && target.Kind == KindInteger,
		source.Kind == KindUnsigned && target.Kind == KindUnsigned:
		if source.Bits <= target.Bits {
			return true, identity
		}

	// Unsigned 64-bit values are reinterpreted as signed for
	// destinations without unsigned types.
	case source.Kind == KindUnsigned && target.Kind == KindInteger && target.Bits == 64:
		return true, castUnsignedToSigned

	// Integer to float widening.
	case source.Kind == KindInteger && target.Kind == KindFloat && target.Bits == 64:
		return true, castIntToFloat

	case source.Kind == KindFloat && target.Kind == KindFloat:
		if source.Bits <= target.Bits {
			return true, castFloatWiden
		}

	// Timestamp to integer yields the epoch value in the source unit.
	case source.Kind == KindTimestamp && target.Kind == KindInteger && target.Bits == 64:
		unit := source.Unit
		return true, func(value interface{}) (interface{}, error) {
			ts, err := asTime(value)
			if err != nil || value == nil {
				return nil, err
			}
			return EpochIn(ts, unit), nil
		}

	// Timestamp precision changes: downcasts truncate, upcasts are exact.
	case source.Kind == KindTimestamp && target.Kind == KindTimestamp:
		unit := target.Unit
		return true, func(value interface{}) (interface{}, error) {
			ts, err := asTime(value)
			if err != nil || value == nil {
				return nil, err
			}
			return TruncateTime(ts, unit), nil
		}

	// Strings holding serialized documents may be re-tagged as JSON.
	case source.Kind == KindString && target.Kind == KindJSON:
		return true, identity

	// Lists and JSON documents serialize identically at the destination.
	case source.Kind == KindList && target.Kind == KindJSON:
		return true, identity
	}

	for _, ext := range extensions {
		if ext.Source == source && ext.Target == target {
			return true, ext.Cast
		}
	}

	return false, nil
}

// CastPlan is a per-field cast resolved against a target table.
type CastPlan struct {
	Source *Table
	Target *Table
	Casts  []CastFunc
}

// PlanCasts resolves a cast for every source field against the target
// field of the same name. It returns a typed schema error naming the
// offending field when no compatible path exists.
func PlanCasts(source, target *Table, extensions ...Extension) (*CastPlan, error) {
	if len(source.Fields) != len(target.Fields) {
		return nil, errors.Newf(errors.KindSchema,
			"field count mismatch: source has %d, target has %d",
			len(source.Fields), len(target.Fields))
	}

	plan := &CastPlan{
		Source: source,
		Target: target,
		Casts:  make([]CastFunc, len(source.Fields)),
	}

	for i, sf := range source.Fields {
		tf := target.Fields[i]
		ok, cast := AreCompatible(sf.Type, tf.Type, extensions...)
		if !ok {
			return nil, errors.Newf(errors.KindSchema,
				"column %s: cannot cast %s to %s", sf.Name, sf.Type, tf.Type).
				WithDetail("column", sf.Name)
		}
		plan.Casts[i] = cast
	}

	return plan, nil
}

func castUnsignedToSigned(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case uint64:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	default:
		return nil, errors.Newf(errors.KindData, "expected unsigned value, got %T", value)
	}
}

func castIntToFloat(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return nil, errors.Newf(errors.KindData, "expected integer value, got %T", value)
	}
}

func castFloatWiden(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return nil, errors.Newf(errors.KindData, "expected float value, got %T", value)
	}
}

func asTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	default:
		return time.Time{}, errors.Newf(errors.KindData, "expected timestamp value, got %T", value)
	}
}
