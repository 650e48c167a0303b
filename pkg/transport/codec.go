package transport

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const codecName = "attune-frame"

// frameCodec passes already-encoded protocol frames through gRPC untouched.
// Messages are *[]byte on both sides.
type frameCodec struct{}

var _ encoding.Codec = frameCodec{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("attune-frame codec cannot marshal %T", v)
	}
	return *b, nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("attune-frame codec cannot unmarshal into %T", v)
	}
	// gRPC may reuse data after Unmarshal returns
	*b = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string {
	return codecName
}

const (
	serviceName   = "attune.v1.Exchange"
	connectMethod = "/" + serviceName + "/Connect"
)

// ExchangeServer is the server side of the frame exchange service
type ExchangeServer interface {
	Connect(stream grpc.ServerStream) error
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "attune/exchange",
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ExchangeServer).Connect(stream)
}
