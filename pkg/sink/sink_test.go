package sink

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectNamer(t *testing.T) {
	n := &ObjectNamer{
		Prefix:    "exports/",
		Table:     "events",
		RunID:     "run-1",
		Consumer:  3,
		Extension: ".jsonl.gz",
	}

	first := n.Next()
	second := n.Next()

	assert.True(t, strings.HasPrefix(first, "exports/events/run-1/"))
	assert.True(t, strings.HasSuffix(first, "-0003-00001.jsonl.gz"))
	assert.True(t, strings.HasSuffix(second, "-0003-00002.jsonl.gz"))
	assert.NotEqual(t, first, second)
}

func TestObjectNamerDistinctConsumers(t *testing.T) {
	a := &ObjectNamer{Table: "t", RunID: "r", Consumer: 0, Extension: ".csv"}
	b := &ObjectNamer{Table: "t", RunID: "r", Consumer: 1, Extension: ".csv"}

	// Same table, run and sequence: the consumer ID alone keeps parallel
	// writers from colliding.
	assert.NotEqual(t, a.Next(), b.Next())
}

func TestObjectNamerNoPrefix(t *testing.T) {
	n := &ObjectNamer{Table: "t", RunID: "r", Extension: ".parquet"}
	key := n.Next()
	require.True(t, strings.HasPrefix(key, "t/r/"))
	assert.False(t, strings.HasPrefix(key, "/"))
}
