package wire

import (
	gojson "github.com/goccy/go-json"
)

// Serializer encodes individual arguments and results. The frame layout does
// not depend on it.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v any) ([]byte, error) { return gojson.Marshal(v) }

func (jsonSerializer) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }

// JSON is the default serializer.
var JSON Serializer = jsonSerializer{}
