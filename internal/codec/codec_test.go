package codec

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_MoveNeutersAndRestoreRepopulates(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	buf := NewBuffer([]byte("hello"))
	require.Equal(t, 5, buf.Len())

	// --- Act ---
	moved := buf.Move()

	// --- Assert ---
	assert.Equal(t, []byte("hello"), moved)
	assert.Equal(t, 0, buf.Len())
	assert.True(t, buf.IsMoved())

	buf.Restore(moved)
	assert.Equal(t, 5, buf.Len())
	assert.False(t, buf.IsMoved())
}

func TestBuffer_MoveThenRestore_RoundTripsToAStructurallyEqualBuffer(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// testify's assert.Equal goes through reflect.DeepEqual, which is happy
	// to walk an unexported sync.Mutex field; cmp.Diff is not, and panics on
	// an unexported field unless told how to handle it. Buffer carries
	// exactly that field, so this is the round-trip law go-cmp is here for.
	expected := NewBuffer([]byte("payload"))
	actual := NewBuffer([]byte("payload"))

	// --- Act ---
	moved := actual.Move()
	actual.Restore(moved)

	// --- Assert ---
	opts := []cmp.Option{cmp.AllowUnexported(Buffer{}), cmpopts.IgnoreUnexported(sync.Mutex{})}
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		t.Fatalf("buffer round-tripped to a structurally different value:\n%s", diff)
	}
}

func TestRegistry_PackRoundTripsThroughTheMarkerField(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	r := NewRegistry()
	buf := NewBuffer([]byte("payload"))

	// --- Act ---
	packed, movables := r.Pack(buf, false)

	// --- Assert ---
	require.Len(t, movables, 1)
	assert.Same(t, buf, movables[0])
	m, ok := packed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "buffer", m[MarkerField])

	unpacked, err := r.Unpack(packed)
	require.NoError(t, err)
	got, ok := unpacked.(*Buffer)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got.Bytes())
}

func TestRegistry_PackOnlyMovablesDiscardsThePackedForm(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	buf := NewBuffer([]byte("x"))

	packed, movables := r.Pack(buf, true)

	assert.Nil(t, packed)
	require.Len(t, movables, 1)
}

func TestRegistry_PackOfUnregisteredTypeIsIdentity(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	packed, movables := r.Pack(42, false)

	assert.Equal(t, 42, packed)
	assert.Nil(t, movables)
}

func TestRegistry_UnpackOfPlainMapWithoutMarkerIsUnchanged(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	in := map[string]any{"foo": "bar"}

	out, err := r.Unpack(in)

	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRegistry_UnpackOfUnknownTagErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Unpack(map[string]any{MarkerField: "nonexistent"})

	assert.Error(t, err)
}

func TestNumericViewCodec_RoundTrips(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	nv := &NumericView{Buffer: NewBuffer([]byte{1, 2, 3, 4}), Kind: ViewFloat32}

	packed, movables := r.Pack(nv, false)
	require.Len(t, movables, 1)

	out, err := r.Unpack(packed)
	require.NoError(t, err)

	got := out.(*NumericView)
	assert.Equal(t, ViewFloat32, got.Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Buffer.Bytes())
}

func TestMarshalUnmarshal_RoundTripsAPackedDescriptor(t *testing.T) {
	t.Parallel()

	in := map[string]any{MarkerField: "buffer", "data": []byte("round-trip")}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))

	assert.Equal(t, "buffer", out[MarkerField])
	assert.Equal(t, []byte("round-trip"), out["data"])
}
