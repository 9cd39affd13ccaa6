package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type protoCodec struct{}

// Proto returns a protobuf codec. Values must implement proto.Message.
func Proto() Codec { return protoCodec{} }

func (protoCodec) ContentType() string { return "application/x-protobuf" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(b []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(b, m)
}
