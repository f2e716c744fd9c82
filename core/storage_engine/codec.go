package storage

import (
	"encoding/json"
	"fmt"
)

// Codec turns payloads into bytes for persistent storages. The in-memory storage
// never calls it.
type Codec interface {
	Encode(payload any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// StringCodec stores string payloads verbatim.
type StringCodec struct{}

func (StringCodec) Encode(payload any) ([]byte, error) {
	s, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("%w: StringCodec cannot encode %T", ErrSerialization, payload)
	}
	return []byte(s), nil
}

func (StringCodec) Decode(data []byte) (any, error) { return string(data), nil }

// BytesCodec stores []byte payloads verbatim.
type BytesCodec struct{}

func (BytesCodec) Encode(payload any) ([]byte, error) {
	b, ok := payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: BytesCodec cannot encode %T", ErrSerialization, payload)
	}
	return b, nil
}

func (BytesCodec) Decode(data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// JSONCodec stores payloads of type T as JSON and decodes them back into T.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(payload any) ([]byte, error) {
	v, ok := payload.(T)
	if !ok {
		return nil, fmt.Errorf("%w: JSONCodec cannot encode %T", ErrSerialization, payload)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (JSONCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return v, nil
}

// Codec names accepted by LookupCodec.
const (
	CodecString = "string"
	CodecBytes  = "bytes"
)

// LookupCodec returns the built-in codec registered under name. An empty name
// means no codec.
func LookupCodec(name string) (Codec, error) {
	switch name {
	case "":
		return nil, nil
	case CodecString:
		return StringCodec{}, nil
	case CodecBytes:
		return BytesCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown payload codec %q", ErrInvalidConfiguration, name)
}
