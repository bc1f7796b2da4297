// Package schema maps the universal typed schema to and from destination
// type systems. Every record batch moving through the pipeline is typed
// against this model; destinations convert it to their native dialect via
// the accessors here, and the compatibility table decides which casts are
// legal before data reaches a transformer or sink.
package schema

import (
	"time"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Kind is the universal semantic kind of a column.
type Kind string

const (
	KindString    Kind = "string"
	KindInteger   Kind = "integer"
	KindUnsigned  Kind = "unsigned"
	KindFloat     Kind = "float"
	KindBoolean   Kind = "boolean"
	KindTimestamp Kind = "timestamp"
	KindList      Kind = "list"
	KindJSON      Kind = "json"
)

// TimeUnit is the precision of a timestamp type.
type TimeUnit string

const (
	UnitSeconds TimeUnit = "s"
	UnitMillis  TimeUnit = "ms"
	UnitMicros  TimeUnit = "us"
	UnitNanos   TimeUnit = "ns"
)

// granularity orders time units from coarse to fine.
var granularity = map[TimeUnit]int{
	UnitSeconds: 0,
	UnitMillis:  1,
	UnitMicros:  2,
	UnitNanos:   3,
}

// Type is a universal column type. Bits is the width for integer,
// unsigned and float kinds (16, 32 or 64); Unit is the precision for
// timestamp kinds. Both are zero for the remaining kinds.
type Type struct {
	Kind Kind     `json:"kind"`
	Bits int      `json:"bits,omitempty"`
	Unit TimeUnit `json:"unit,omitempty"`
}

// Convenience constructors for the common types.
var (
	String  = Type{Kind: KindString}
	Bool    = Type{Kind: KindBoolean}
	JSON    = Type{Kind: KindJSON}
	List    = Type{Kind: KindList}
	Int16   = Type{Kind: KindInteger, Bits: 16}
	Int32   = Type{Kind: KindInteger, Bits: 32}
	Int64   = Type{Kind: KindInteger, Bits: 64}
	UInt64  = Type{Kind: KindUnsigned, Bits: 64}
	Float32 = Type{Kind: KindFloat, Bits: 32}
	Float64 = Type{Kind: KindFloat, Bits: 64}
)

// Timestamp returns a timestamp type with the given precision.
func Timestamp(unit TimeUnit) Type {
	return Type{Kind: KindTimestamp, Unit: unit}
}

// String renders the type for error messages and logs.
func (t Type) String() string {
	switch t.Kind {
	case KindInteger, KindUnsigned, KindFloat:
		return string(t.Kind) + itoa(t.Bits)
	case KindTimestamp:
		return "timestamp(" + string(t.Unit) + ")"
	default:
		return string(t.Kind)
	}
}

func itoa(n int) string {
	switch n {
	case 16:
		return "16"
	case 32:
		return "32"
	case 64:
		return "64"
	default:
		return "?"
	}
}

// Field is a named, typed, optionally nullable column.
type Field struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table is an ordered sequence of fields plus the optional key sets that
// determine write semantics at the destination.
type Table struct {
	Name       string   `json:"name"`
	Fields     []Field  `json:"fields"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	VersionKey []string `json:"version_key,omitempty"`
}

// IsMutable reports whether the table is written with merge/upsert
// semantics. A table is mutable iff it declares both a primary key and a
// version key; otherwise writes are append-only.
func (t *Table) IsMutable() bool {
	return len(t.PrimaryKey) > 0 && len(t.VersionKey) > 0
}

// FieldIndex returns the position of the named field, or -1.
func (t *Table) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the named field.
func (t *Table) Field(name string) (Field, error) {
	if i := t.FieldIndex(name); i >= 0 {
		return t.Fields[i], nil
	}
	return Field{}, errors.Newf(errors.KindSchema, "table %s has no field %s", t.Name, name)
}

// Project returns a copy of the table restricted to the given column
// names, preserving field order. Unknown names are an error.
func (t *Table) Project(include, exclude []string) (*Table, error) {
	included := func(name string) bool {
		if len(include) == 0 {
			return true
		}
		for _, n := range include {
			if n == name {
				return true
			}
		}
		return false
	}
	excluded := func(name string) bool {
		for _, n := range exclude {
			if n == name {
				return true
			}
		}
		return false
	}

	for _, n := range append(append([]string{}, include...), exclude...) {
		if t.FieldIndex(n) < 0 {
			return nil, errors.Newf(errors.KindSchema, "filter references unknown column %s", n)
		}
	}

	out := &Table{Name: t.Name, PrimaryKey: t.PrimaryKey, VersionKey: t.VersionKey}
	for _, f := range t.Fields {
		if included(f.Name) && !excluded(f.Name) {
			out.Fields = append(out.Fields, f)
		}
	}
	return out, nil
}

// TruncateTime truncates ts to the unit's precision.
func TruncateTime(ts time.Time, unit TimeUnit) time.Time {
	switch unit {
	case UnitSeconds:
		return ts.Truncate(time.Second)
	case UnitMillis:
		return ts.Truncate(time.Millisecond)
	case UnitMicros:
		return ts.Truncate(time.Microsecond)
	default:
		return ts
	}
}

// EpochIn converts ts to an integer epoch value in the unit.
func EpochIn(ts time.Time, unit TimeUnit) int64 {
	switch unit {
	case UnitSeconds:
		return ts.Unix()
	case UnitMillis:
		return ts.UnixMilli()
	case UnitMicros:
		return ts.UnixMicro()
	default:
		return ts.UnixNano()
	}
}
