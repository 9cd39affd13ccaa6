package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns a codec useful for debugging and human-readable dumps.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string             { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
