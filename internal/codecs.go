// Package internal contains shared helpers for the grpcwebchan packages:
// codec registry lookup and the header encodings used on the gRPC-Web wire.
package internal

import (
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
)

// GetCodec returns the codec registered under the given name, adapting a V2
// registration to the V1 interface if necessary. It returns nil if no codec
// with that name is registered.
func GetCodec(name string) encoding.Codec {
	result := encoding.GetCodec(name)
	if result != nil {
		return result
	}
	resultv2 := encoding.GetCodecV2(name)
	if resultv2 == nil {
		return nil
	}
	return codecV2Adapter{resultv2}
}

type codecV2Adapter struct {
	v2 encoding.CodecV2
}

func (c codecV2Adapter) Marshal(v any) ([]byte, error) {
	buffers, err := c.v2.Marshal(v)
	if err != nil {
		return nil, err
	}
	return buffers.Materialize(), nil
}

func (c codecV2Adapter) Unmarshal(data []byte, v any) error {
	return c.v2.Unmarshal(mem.BufferSlice{mem.SliceBuffer(data)}, v)
}

func (c codecV2Adapter) Name() string {
	return c.v2.Name()
}
