package storage

import "encoding/json"

// Codec converts entities to and from the byte payloads stored by flat
// backends.
type Codec[T any] interface {
	Encode(entity T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes entities as JSON. It is the default for every backend.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(entity T) ([]byte, error) {
	return json.Marshal(entity)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
