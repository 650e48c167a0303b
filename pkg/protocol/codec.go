package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

// CompressionTag identifies the compression applied to a frame body. It is
// the first byte of every encoded frame. The values are wire constants.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

// maxFrameSize bounds the decompressed size a peer may claim.
const maxFrameSize = 16 << 20

var errIncompressible = errors.New("frame does not compress")

// String returns the configuration name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag parses a compression name from configuration.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// Codec turns frames into wire bytes and back. The zero value sends
// uncompressed frames. A Codec decodes every compression tag regardless of
// the one it encodes with.
type Codec struct {
	Compression CompressionTag
}

// Encode serializes and compresses a frame. Bodies that do not shrink are
// sent uncompressed.
func (c Codec) Encode(f *Frame) ([]byte, error) {
	body, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var compressed []byte
	switch c.Compression {
	case CompressionNone:
	case CompressionLZ4:
		compressed, err = compressLZ4(body)
	case CompressionZstd:
		compressed, err = compressZstd(body)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", c.Compression)
	}

	if c.Compression == CompressionNone || errors.Is(err, errIncompressible) {
		out := make([]byte, 0, len(body)+1)
		out = append(out, byte(CompressionNone))
		return append(out, body...), nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressed)+6)
	out = append(out, byte(c.Compression))
	out = protowire.AppendVarint(out, uint64(len(body)))
	return append(out, compressed...), nil
}

// Decode decompresses and parses wire bytes. Every failure wraps ErrProtocol.
func (c Codec) Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}

	tag := CompressionTag(data[0])
	data = data[1:]

	var body []byte
	if tag == CompressionNone {
		body = data
	} else {
		size, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad size prefix", ErrProtocol)
		}
		if size > maxFrameSize {
			return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, size)
		}
		data = data[n:]

		var err error
		switch tag {
		case CompressionLZ4:
			body, err = decompressLZ4(data, int(size))
		case CompressionZstd:
			body, err = decompressZstd(data, int(size))
		default:
			return nil, fmt.Errorf("%w: unknown compression tag %d", ErrProtocol, tag)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	f := &Frame{}
	if err := f.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return f, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
