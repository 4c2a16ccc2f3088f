package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Codec translates between application values and the raw bytes stored in a
// table and its changelog. The engine itself never interprets payloads; a
// codec pair is attached to each table and used only when the application
// asks for decoded reads or issues decoded writes.
type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}

// Bytes passes values through untouched
type Bytes struct{}

func (Bytes) Encode(value interface{}) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes codec: expected []byte, got %T", value)
	}
	return b, nil
}

func (Bytes) Decode(data []byte) (interface{}, error) {
	return data, nil
}

// String encodes string values as their raw bytes
type String struct{}

func (String) Encode(value interface{}) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("string codec: expected string, got %T", value)
	}
	return []byte(s), nil
}

func (String) Decode(data []byte) (interface{}, error) {
	return string(data), nil
}

// Int64 encodes int64 values as 8 big-endian bytes
type Int64 struct{}

func (Int64) Encode(value interface{}) ([]byte, error) {
	var n int64
	switch v := value.(type) {
	case int64:
		n = v
	case int:
		n = int64(v)
	default:
		return nil, fmt.Errorf("int64 codec: expected int64, got %T", value)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf, nil
}

func (Int64) Decode(data []byte) (interface{}, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("int64 codec: expected 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// JSON encodes values with encoding/json. If Factory is set, Decode
// unmarshals into a fresh instance produced by it; otherwise it decodes into
// a generic interface{}.
type JSON struct {
	Factory func() interface{}
}

func (c JSON) Encode(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return data, nil
}

func (c JSON) Decode(data []byte) (interface{}, error) {
	if c.Factory != nil {
		v := c.Factory()
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("json codec: %w", err)
		}
		return v, nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return v, nil
}
