package transform

import (
	"context"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// CastStage applies a resolved cast plan to every batch, producing
// batches typed against the destination table. It never mutates its
// input; identity casts share column storage.
type CastStage struct {
	plan *schema.CastPlan
}

// NewCastStage plans casts from the source table to the target table,
// returning a typed schema error when any column has no compatible path.
func NewCastStage(source, target *schema.Table, extensions ...schema.Extension) (*CastStage, error) {
	plan, err := schema.PlanCasts(source, target, extensions...)
	if err != nil {
		return nil, err
	}
	return &CastStage{plan: plan}, nil
}

// Apply casts each column of b per the plan.
func (s *CastStage) Apply(ctx context.Context, b *batch.RecordBatch) (*batch.RecordBatch, error) {
	columns := make([][]interface{}, b.NumCols())
	for c := range columns {
		src := b.Column(c)
		cast := s.plan.Casts[c]
		out := make([]interface{}, len(src))
		for r, v := range src {
			cv, err := cast(v)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindSchema,
					"cast failed for column "+s.plan.Source.Fields[c].Name)
			}
			out[r] = cv
		}
		columns[c] = out
	}
	return b.WithColumns(s.plan.Target, columns)
}

// JSONNormalizeStage re-types designated columns to the JSON semantic
// type before encoding. Sources frequently deliver document columns as
// plain strings; destinations that support native JSON need them tagged.
type JSONNormalizeStage struct {
	columns map[string]bool
}

// NewJSONNormalizeStage normalizes the named columns.
func NewJSONNormalizeStage(columns []string) *JSONNormalizeStage {
	set := make(map[string]bool, len(columns))
	for _, c := range columns {
		set[c] = true
	}
	return &JSONNormalizeStage{columns: set}
}

// Apply rewrites the batch schema with the designated columns as JSON.
// Values pass through untouched; only the type tag changes, which is what
// downstream encoders and SQL type accessors key on.
func (s *JSONNormalizeStage) Apply(ctx context.Context, b *batch.RecordBatch) (*batch.RecordBatch, error) {
	if len(s.columns) == 0 {
		return b, nil
	}

	table := b.Table()
	fields := make([]schema.Field, len(table.Fields))
	copy(fields, table.Fields)

	changed := false
	for i, f := range fields {
		if !s.columns[f.Name] || f.Type.Kind == schema.KindJSON {
			continue
		}
		ok, _ := schema.AreCompatible(f.Type, schema.JSON)
		if !ok {
			return nil, errors.Newf(errors.KindSchema,
				"column %s of type %s cannot be normalized to json", f.Name, f.Type)
		}
		fields[i].Type = schema.JSON
		changed = true
	}
	if !changed {
		return b, nil
	}

	normalized := &schema.Table{
		Name:       table.Name,
		Fields:     fields,
		PrimaryKey: table.PrimaryKey,
		VersionKey: table.VersionKey,
	}

	columns := make([][]interface{}, b.NumCols())
	for c := range columns {
		columns[c] = b.Column(c)
	}
	return b.WithColumns(normalized, columns)
}
