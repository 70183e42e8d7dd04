package content

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a blob is stored on disk. The value is the
// first byte of every stored blob, so the numbering is a format constant.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// maxBlobSize caps the decoded length read from a blob header. LZ4 blocks
// expand at most lz4MaxRatio times their compressed size.
const (
	maxBlobSize = 1 << 30
	lz4MaxRatio = 255
)

var (
	errIncompressible = errors.New("data is incompressible")
	errCorruptBlob    = errors.New("corrupt stored blob")
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("content: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("content: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob frames data as tag || uvarint(len) || payload. Data that does
// not shrink under the requested compression is stored uncompressed.
func encodeBlob(data []byte, c Compression) ([]byte, error) {
	payload, err := compress(data, c)
	if errors.Is(err, errIncompressible) {
		c, payload, err = CompressionNone, data, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+binary.MaxVarintLen64, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(c)
	n := binary.PutUvarint(out[1:], uint64(len(data)))
	out = append(out[:1+n], payload...)
	return out, nil
}

func decodeBlob(stored []byte) ([]byte, error) {
	if len(stored) < 2 {
		return nil, errCorruptBlob
	}
	size, n := binary.Uvarint(stored[1:])
	if n <= 0 || size > maxBlobSize {
		return nil, errCorruptBlob
	}
	payload := stored[1+n:]
	c := Compression(stored[0])
	if c == CompressionLZ4 && size > uint64(len(payload))*lz4MaxRatio {
		return nil, errCorruptBlob
	}
	return decompress(payload, c, int(size))
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

func decompress(payload []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(payload) != size {
			return nil, errCorruptBlob
		}
		return append([]byte(nil), payload...), nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, errCorruptBlob
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, errCorruptBlob
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}
