package codec

import "github.com/vmihailenco/msgpack/v5"

// Marshal serialises a packed value graph for transport across the
// simulated isolate boundary. Workers share no memory with the
// controller, so everything except the accompanying movable byte slices
// travels through this encoding rather than by reference.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte, out any) error {
	return msgpack.Unmarshal(data, out)
}
