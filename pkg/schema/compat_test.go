package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

func TestAreCompatible(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		ok, cast := AreCompatible(Int64, Int64)
		require.True(t, ok)
		v, err := cast(int64(7))
		require.NoError(t, err)
		assert.Equal(t, int64(7), v)
	})

	t.Run("integer widening is allowed", func(t *testing.T) {
		ok, _ := AreCompatible(Int16, Int64)
		assert.True(t, ok)
		ok, _ = AreCompatible(Int32, Int64)
		assert.True(t, ok)
	})

	t.Run("integer narrowing is rejected", func(t *testing.T) {
		ok, cast := AreCompatible(Int32, Int16)
		assert.False(t, ok)
		assert.Nil(t, cast)
	})

	t.Run("unsigned to signed 64", func(t *testing.T) {
		ok, cast := AreCompatible(UInt64, Int64)
		require.True(t, ok)
		v, err := cast(uint64(42))
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
	})

	t.Run("integer to float64", func(t *testing.T) {
		ok, cast := AreCompatible(Int32, Float64)
		require.True(t, ok)
		v, err := cast(int32(3))
		require.NoError(t, err)
		assert.Equal(t, float64(3), v)
	})

	t.Run("float narrowing is rejected", func(t *testing.T) {
		ok, _ := AreCompatible(Float64, Float32)
		assert.False(t, ok)
	})

	t.Run("timestamp seconds to int64 yields epoch seconds", func(t *testing.T) {
		ok, cast := AreCompatible(Timestamp(UnitSeconds), Int64)
		require.True(t, ok)

		ts := time.Date(2026, 3, 15, 12, 30, 45, 0, time.UTC)
		v, err := cast(ts)
		require.NoError(t, err)
		assert.Equal(t, ts.Unix(), v)
	})

	t.Run("timestamp millis to int64 yields epoch millis", func(t *testing.T) {
		ok, cast := AreCompatible(Timestamp(UnitMillis), Int64)
		require.True(t, ok)

		ts := time.Date(2026, 3, 15, 12, 30, 45, 123e6, time.UTC)
		v, err := cast(ts)
		require.NoError(t, err)
		assert.Equal(t, ts.UnixMilli(), v)
	})

	t.Run("timestamp precision downcast truncates", func(t *testing.T) {
		ok, cast := AreCompatible(Timestamp(UnitNanos), Timestamp(UnitSeconds))
		require.True(t, ok)

		ts := time.Date(2026, 3, 15, 12, 30, 45, 999999999, time.UTC)
		v, err := cast(ts)
		require.NoError(t, err)
		assert.Equal(t, ts.Truncate(time.Second), v)
	})

	t.Run("string and list re-tag as json", func(t *testing.T) {
		ok, _ := AreCompatible(String, JSON)
		assert.True(t, ok)
		ok, _ = AreCompatible(List, JSON)
		assert.True(t, ok)
	})

	t.Run("json to string is rejected without an extension", func(t *testing.T) {
		ok, _ := AreCompatible(JSON, String)
		assert.False(t, ok)
	})

	t.Run("extensions add pairs", func(t *testing.T) {
		ext := Extension{
			Source: Bool,
			Target: Int16,
			Cast: func(v interface{}) (interface{}, error) {
				if v == true {
					return int16(1), nil
				}
				return int16(0), nil
			},
		}
		ok, cast := AreCompatible(Bool, Int16, ext)
		require.True(t, ok)
		v, err := cast(true)
		require.NoError(t, err)
		assert.Equal(t, int16(1), v)
	})

	t.Run("nil passes through casts", func(t *testing.T) {
		_, cast := AreCompatible(UInt64, Int64)
		v, err := cast(nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestPlanCasts(t *testing.T) {
	source := &Table{Name: "src", Fields: []Field{
		{Name: "id", Type: Int32},
		{Name: "created", Type: Timestamp(UnitSeconds)},
	}}

	t.Run("resolves every column", func(t *testing.T) {
		target := &Table{Name: "dst", Fields: []Field{
			{Name: "id", Type: Int64},
			{Name: "created", Type: Int64},
		}}
		plan, err := PlanCasts(source, target)
		require.NoError(t, err)
		require.Len(t, plan.Casts, 2)
	})

	t.Run("incompatible column yields a schema error naming it", func(t *testing.T) {
		target := &Table{Name: "dst", Fields: []Field{
			{Name: "id", Type: Int16},
			{Name: "created", Type: Int64},
		}}
		_, err := PlanCasts(source, target)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindSchema))
		assert.Contains(t, err.Error(), "id")
	})

	t.Run("field count mismatch is rejected", func(t *testing.T) {
		target := &Table{Name: "dst", Fields: []Field{{Name: "id", Type: Int64}}}
		_, err := PlanCasts(source, target)
		assert.Error(t, err)
	})
}

func TestProject(t *testing.T) {
	table := &Table{Name: "t", Fields: []Field{
		{Name: "a", Type: Int64},
		{Name: "b", Type: String},
		{Name: "c", Type: Bool},
	}}

	t.Run("include keeps order", func(t *testing.T) {
		got, err := table.Project([]string{"c", "a"}, nil)
		require.NoError(t, err)
		require.Len(t, got.Fields, 2)
		assert.Equal(t, "a", got.Fields[0].Name)
		assert.Equal(t, "c", got.Fields[1].Name)
	})

	t.Run("exclude removes", func(t *testing.T) {
		got, err := table.Project(nil, []string{"b"})
		require.NoError(t, err)
		require.Len(t, got.Fields, 2)
	})

	t.Run("unknown column is an error", func(t *testing.T) {
		_, err := table.Project([]string{"missing"}, nil)
		assert.Error(t, err)
	})
}

func TestIsMutable(t *testing.T) {
	table := &Table{Name: "t"}
	assert.False(t, table.IsMutable())

	table.PrimaryKey = []string{"id"}
	assert.False(t, table.IsMutable())

	table.VersionKey = []string{"updated_at"}
	assert.True(t, table.IsMutable())
}
