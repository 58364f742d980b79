// Package metadata provides the open key/value document attached to every
// stored vector, plus exact-match filtering used for search post-filtering.
package metadata

import (
	"encoding/json"
	"maps"
	"time"
)

// Reserved keys present on every stored document.
const (
	KeyID          = "id"
	KeyWorkspaceID = "workspaceId"
	KeyTimestamp   = "timestamp"
	KeyText        = "text"
)

// Metadata is an open mapping from string keys to scalar, array, or nested
// scalar values. No schema is enforced beyond the reserved keys.
type Metadata map[string]any

// Clone returns a shallow copy of the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Timestamp returns the reserved timestamp value, if present and parseable.
// On-disk timestamps are RFC 3339 strings; in-memory they are time.Time.
func (m Metadata) Timestamp() (time.Time, bool) {
	v, ok := m[KeyTimestamp]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// Rehydrate converts on-disk representations back to their in-memory types.
// Today that is only the reserved timestamp key (RFC 3339 string -> time.Time).
// It mutates m and returns it for convenience.
func (m Metadata) Rehydrate() Metadata {
	if m == nil {
		return nil
	}
	if s, ok := m[KeyTimestamp].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			m[KeyTimestamp] = t
		}
	}
	return m
}

// EstimateSize returns the serialized size of the metadata in bytes.
// Used for batch memory budgeting; an unserializable value counts as zero.
func (m Metadata) EstimateSize() int {
	if len(m) == 0 {
		return 0
	}
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}
