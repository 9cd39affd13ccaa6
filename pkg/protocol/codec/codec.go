// Package codec provides pluggable serialization for control-plane messages.
package codec

import "fmt"

// Codec marshals typed messages for exchange over a control channel.
// Implementations must be deterministic so both ends of a measurement
// agree on the encoded form.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the built-in codecs:
// CBOR (the wire default), JSON, and Protobuf.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(Wire())
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec, replacing any previous codec with the same content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

var defaultRegistry = NewRegistry()

// contentTypes maps the short names used in configuration to content types.
var contentTypes = map[string]string{
	"cbor":     "application/cbor",
	"json":     "application/json",
	"proto":    "application/x-protobuf",
	"protobuf": "application/x-protobuf",
}

// Lookup resolves a configured codec name against the built-in registry.
// The empty name resolves to the wire default.
func Lookup(name string) (Codec, error) {
	if name == "" {
		return Wire(), nil
	}
	ct, ok := contentTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	c := defaultRegistry.Get(ct)
	if c == nil {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return c, nil
}
