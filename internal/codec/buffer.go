package codec

import "sync"

// Buffer is a movable byte buffer: a single-owner resource that can be
// handed across the controller/worker boundary by reference rather than by
// copy. Once Move is called the buffer is observably neutered (Len()==0)
// until a worker posts its contents back via Restore.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// NewBuffer wraps data in a movable Buffer. The Buffer takes ownership of
// the slice; callers should not retain a reference to data afterwards.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the number of bytes currently owned. A moved buffer reports
// zero until it is restored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Bytes returns the current view of the buffer's contents. It is nil/empty
// once the buffer has been moved.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Move takes ownership of the buffer's bytes, returning them and leaving
// the receiver neutered (zero-length) in place.
func (b *Buffer) Move() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.data
	b.data = nil
	return data
}

// IsMoved reports whether the buffer is currently neutered.
func (b *Buffer) IsMoved() bool {
	return b.Len() == 0
}

// Restore re-populates a neutered buffer, returning ownership to whoever
// holds this pointer. It is how the controller recovers an input buffer
// after a worker's automatic back-transfer.
func (b *Buffer) Restore(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
}

type bufferCodec struct{}

func (bufferCodec) Tag() string { return "buffer" }

func (bufferCodec) Pack(v any) (map[string]any, []Movable) {
	buf := v.(*Buffer)
	return map[string]any{
		MarkerField: "buffer",
		"data":      buf.Bytes(),
	}, []Movable{buf}
}

func (bufferCodec) Unpack(packed map[string]any) (any, error) {
	data, _ := packed["data"].([]byte)
	return NewBuffer(data), nil
}

// ViewKind names a fixed-width numeric array view over a Buffer's bytes,
// mirroring the typed-array "viewKind" the spec requires packed codecs to
// carry alongside the underlying movable buffer.
type ViewKind string

const (
	ViewFloat32 ViewKind = "float32"
	ViewFloat64 ViewKind = "float64"
	ViewInt32   ViewKind = "int32"
	ViewInt64   ViewKind = "int64"
	ViewUint8   ViewKind = "uint8"
)

// NumericView is a fixed-width numeric array view over a movable Buffer.
// The buffer carries the raw bytes; Kind says how to reinterpret them.
type NumericView struct {
	Buffer *Buffer
	Kind   ViewKind
}

type numericViewCodec struct{}

func (numericViewCodec) Tag() string { return "numeric_view" }

func (numericViewCodec) Pack(v any) (map[string]any, []Movable) {
	nv := v.(*NumericView)
	return map[string]any{
		MarkerField: "numeric_view",
		"buffer":    nv.Buffer.Bytes(),
		"view_kind": string(nv.Kind),
	}, []Movable{nv.Buffer}
}

func (numericViewCodec) Unpack(packed map[string]any) (any, error) {
	data, _ := packed["buffer"].([]byte)
	kind, _ := packed["view_kind"].(string)
	return &NumericView{Buffer: NewBuffer(data), Kind: ViewKind(kind)}, nil
}
