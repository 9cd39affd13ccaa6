package codec

import (
	cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var wire = mustCBOR()

// Wire returns the canonical CBOR codec used on the control channel.
func Wire() Codec { return wire }

func mustCBOR() Codec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em, dec: dm}
}

func (c cborCodec) ContentType() string             { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)   { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(b []byte, v any) error { return c.dec.Unmarshal(b, v) }
