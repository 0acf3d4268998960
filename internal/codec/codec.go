// Package codec implements the value codec: per-type pack/unpack pairs and
// the accounting of movable resources (buffers whose ownership transfers,
// rather than copies, across the controller/worker boundary).
//
// The design mirrors how the dag package in the teacher repository keeps
// its wire representation (cty.Value) separate from the Go-native value a
// handler actually sees, translating between the two at the edges of
// execution rather than threading a tagged union through every layer.
package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// MarkerField is the reserved key injected into a packed value to carry
// the type tag used on the receiving side to select the inverse codec.
const MarkerField = "_cast_to_original_datatype"

// Movable is anything whose ownership can be transferred, not copied,
// across a simulated thread boundary. Move neuters the receiver (its
// length becomes observably zero) and returns the owned bytes; Restore
// re-populates it once a worker posts the buffer back.
type Movable interface {
	Move() []byte
	IsMoved() bool
	Restore(data []byte)
	Len() int
}

// Codec packs a Go value of one registered type into a transport-safe
// descriptor and back.
type Codec interface {
	// Tag is the type-tag marker value stamped into packed forms.
	Tag() string
	// Pack returns the packed descriptor and the movables embedded in v.
	Pack(v any) (packed map[string]any, movables []Movable)
	// Unpack reconstructs a value from a packed descriptor produced by Pack.
	Unpack(packed map[string]any) (any, error)
}

// Registry holds the codecs registered for each concrete Go type.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]Codec
	byTag  map[string]Codec
}

// NewRegistry returns a Registry seeded with the built-in codecs required
// by the spec: raw byte buffers and fixed-width numeric array views.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[reflect.Type]Codec),
		byTag:  make(map[string]Codec),
	}
	r.Register(reflect.TypeOf((*Buffer)(nil)), bufferCodec{})
	r.Register(reflect.TypeOf((*NumericView)(nil)), numericViewCodec{})
	return r
}

// Register associates a Go type with a Codec, keyed also by the codec's
// tag for the receiving side's reverse lookup.
func (r *Registry) Register(t reflect.Type, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = c
	r.byTag[c.Tag()] = c
}

func (r *Registry) codecFor(v any) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[reflect.TypeOf(v)]
	return c, ok
}

func (r *Registry) codecForTag(tag string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTag[tag]
	return c, ok
}

// Pack implements pack(value, onlyMovables) from the spec. When
// onlyMovables is false it returns the packed descriptor (or v itself, if
// no codec is registered for its type) together with the movables embedded
// in v. When true it returns only those movables; the packed form is
// discarded.
func (r *Registry) Pack(v any, onlyMovables bool) (any, []Movable) {
	if v == nil {
		return v, nil
	}
	c, ok := r.codecFor(v)
	if !ok {
		return v, nil
	}
	packed, movables := c.Pack(v)
	if onlyMovables {
		return nil, movables
	}
	return packed, movables
}

// Unpack implements unpack(packed): it consumes and strips the marker
// field, selecting the inverse codec by its tag. A map without the marker
// is returned unchanged, as the spec requires.
func (r *Registry) Unpack(packed any) (any, error) {
	m, ok := packed.(map[string]any)
	if !ok {
		return packed, nil
	}
	tagVal, ok := m[MarkerField]
	if !ok {
		return packed, nil
	}
	tag, ok := tagVal.(string)
	if !ok {
		return packed, nil
	}
	c, ok := r.codecForTag(tag)
	if !ok {
		return nil, fmt.Errorf("codec: no codec registered for tag %q", tag)
	}
	return c.Unpack(m)
}
