// Package codec abstracts the serialization of frame bodies.
//
// The frame layer treats bodies as opaque bytes; a Codec turns argument and
// result values into those bytes and back. JSON is the default, but both
// Server and Node accept any Codec, so the body format is substitutable
// without touching the wire framing.
package codec

// Codec encodes and decodes frame body values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = JSON{}
