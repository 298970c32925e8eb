package handler

import (
	"encoding/json"

	"connectrpc.com/connect"
)

type jsonCodec struct{}

// Codec serves the plain message structs of this package as JSON. It is
// registered under the "json" name, replacing the protobuf JSON codec.
func Codec() connect.Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
