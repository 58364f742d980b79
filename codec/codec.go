// Package codec centralizes metadata and sidecar-file encoding.
//
// The persisted index metadata file is self-describing JSON; codec selection
// is a breaking-change boundary, so the default is deliberately boring.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	default:
		return nil, false
	}
}
