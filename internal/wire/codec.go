package wire

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fentz26/relayq/internal/codec"
)

// Codec serializes a single message value into a frame payload.
// Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the JSON payload codec (RFC 8259). This is the default.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct{}

// CBOR returns the deterministic CBOR payload codec (RFC 8949).
func CBOR() Codec { return cborCodec{} }

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }

// Registry maps codec names to codecs.
type Registry struct {
	byName map[string]Codec
}

// NewRegistry constructs a registry preloaded with the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) { r.byName[c.Name()] = c }

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (have %v)", name, r.Names())
	}
	return c, nil
}

// Names lists registered codec names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a codec name against the built-in registry.
func Lookup(name string) (Codec, error) {
	return NewRegistry().Get(name)
}
