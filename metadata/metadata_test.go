package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	m := Metadata{"a": 1, "b": "two"}
	clone := m.Clone()

	clone["a"] = 99
	assert.Equal(t, 1, m["a"])

	assert.Nil(t, Metadata(nil).Clone())
}

func TestTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("time value", func(t *testing.T) {
		ts, ok := Metadata{KeyTimestamp: now}.Timestamp()
		require.True(t, ok)
		assert.True(t, ts.Equal(now))
	})

	t.Run("rfc3339 string", func(t *testing.T) {
		ts, ok := Metadata{KeyTimestamp: now.Format(time.RFC3339Nano)}.Timestamp()
		require.True(t, ok)
		assert.True(t, ts.Equal(now))
	})

	t.Run("missing or malformed", func(t *testing.T) {
		_, ok := Metadata{}.Timestamp()
		assert.False(t, ok)

		_, ok = Metadata{KeyTimestamp: "not a time"}.Timestamp()
		assert.False(t, ok)

		_, ok = Metadata{KeyTimestamp: 42}.Timestamp()
		assert.False(t, ok)
	})
}

func TestRehydrate(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m := Metadata{KeyTimestamp: now.Format(time.RFC3339Nano), "other": "stays"}

	m.Rehydrate()

	ts, ok := m[KeyTimestamp].(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(now))
	assert.Equal(t, "stays", m["other"])
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, 0, Metadata(nil).EstimateSize())
	assert.Equal(t, 0, Metadata{}.EstimateSize())
	assert.Greater(t, Metadata{"key": "value"}.EstimateSize(), 0)
}

func TestFilterMatches(t *testing.T) {
	m := Metadata{
		"category":  "preference",
		"priority":  3,
		"language":  "go",
		"workspace": "acme/api",
	}

	t.Run("eq", func(t *testing.T) {
		assert.True(t, Eq("category", "preference").Matches(m))
		assert.False(t, Eq("category", "fact").Matches(m))
		assert.False(t, Eq("missing", "anything").Matches(m))
	})

	t.Run("eq normalizes numeric types", func(t *testing.T) {
		// Persisted metadata comes back with float64 numbers.
		assert.True(t, Eq("priority", float64(3)).Matches(m))
		assert.True(t, Eq("priority", 3).Matches(m))
		assert.False(t, Eq("priority", 4).Matches(m))
	})

	t.Run("neq", func(t *testing.T) {
		assert.True(t, NotEq("category", "fact").Matches(m))
		assert.False(t, NotEq("category", "preference").Matches(m))
	})

	t.Run("in", func(t *testing.T) {
		assert.True(t, In("language", "go", "rust").Matches(m))
		assert.False(t, In("language", "python", "rust").Matches(m))
	})

	t.Run("contains", func(t *testing.T) {
		assert.True(t, Contains("workspace", "acme").Matches(m))
		assert.False(t, Contains("workspace", "globex").Matches(m))
		assert.False(t, Contains("priority", "3").Matches(m))
	})
}

func TestFilterSetMatches(t *testing.T) {
	m := Metadata{"category": "preference", "language": "go"}

	t.Run("nil set matches everything", func(t *testing.T) {
		var fs *FilterSet
		assert.True(t, fs.Matches(m))
	})

	t.Run("all filters must match", func(t *testing.T) {
		fs := NewFilterSet(Eq("category", "preference"), Eq("language", "go"))
		assert.True(t, fs.Matches(m))

		fs = NewFilterSet(Eq("category", "preference"), Eq("language", "rust"))
		assert.False(t, fs.Matches(m))
	})

	t.Run("empty set matches everything", func(t *testing.T) {
		assert.True(t, NewFilterSet().Matches(m))
	})
}
