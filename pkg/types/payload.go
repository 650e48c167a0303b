package types

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadVersion is the current payload encoding version.
const PayloadVersion = 1

const (
	payloadFieldVersion protowire.Number = 1
	payloadFieldValues  protowire.Number = 2
)

// ErrPayloadEncoding is returned for payload bytes that cannot be decoded.
var ErrPayloadEncoding = errors.New("invalid payload encoding")

// EncodePayload encodes values as a versioned, count-prefixed vector of
// fixed-width IEEE-754 doubles.
func EncodePayload(values []float64) []byte {
	b := make([]byte, 0, 4+len(values)*8)
	b = protowire.AppendTag(b, payloadFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, PayloadVersion)
	b = protowire.AppendTag(b, payloadFieldValues, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(values)*8))
	for _, v := range values {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// DecodePayload decodes bytes written by EncodePayload.
func DecodePayload(b []byte) ([]float64, error) {
	var (
		version uint64
		values  []float64
		seen    bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrPayloadEncoding, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == payloadFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrPayloadEncoding, protowire.ParseError(n))
			}
			version = v
			seen = true
			b = b[n:]
		case num == payloadFieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrPayloadEncoding, protowire.ParseError(n))
			}
			vals, err := UnpackFloats(packed)
			if err != nil {
				return nil, err
			}
			values = vals
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrPayloadEncoding, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !seen {
		return nil, fmt.Errorf("%w: missing version", ErrPayloadEncoding)
	}
	if version != PayloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPayloadEncoding, version)
	}
	if values == nil {
		values = []float64{}
	}
	return values, nil
}

// UnpackFloats decodes a packed run of fixed64 doubles.
func UnpackFloats(packed []byte) ([]float64, error) {
	if len(packed)%8 != 0 {
		return nil, fmt.Errorf("%w: packed length %d is not a multiple of 8", ErrPayloadEncoding, len(packed))
	}
	values := make([]float64, 0, len(packed)/8)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed64(packed)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrPayloadEncoding, protowire.ParseError(n))
		}
		values = append(values, math.Float64frombits(v))
		packed = packed[n:]
	}
	return values, nil
}
