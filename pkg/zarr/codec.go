package zarr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// defaultDType is the dtype written for all arrays.
const defaultDType = "<f8"

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeChunk serializes a full chunk buffer as little-endian float64 and
// compresses it.
func encodeChunk(buf []float64, comp *compressorMeta) ([]byte, error) {
	raw := make([]byte, 8*len(buf))
	for i, v := range buf {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	if comp == nil {
		return raw, nil
	}
	switch comp.ID {
	case "zstd":
		return zstdEncoder.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compressor %q", comp.ID)
	}
}

// decodeChunk decompresses and decodes a chunk into float64 values. n is the
// expected element count (the full padded chunk size).
func decodeChunk(data []byte, dtype string, comp *compressorMeta, n int) ([]float64, error) {
	if comp != nil {
		switch comp.ID {
		case "zstd":
			raw, err := zstdDecoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress: %w", err)
			}
			data = raw
		default:
			return nil, fmt.Errorf("unsupported compressor %q", comp.ID)
		}
	}

	width, err := dtypeWidth(dtype)
	if err != nil {
		return nil, err
	}
	if len(data) < n*width {
		return nil, fmt.Errorf("chunk has %d bytes, want %d for %d %s elements", len(data), n*width, n, dtype)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := data[i*width:]
		switch dtype {
		case "<f8":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case "<f4":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "<i8":
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case "<i4":
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case "<i2":
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case "|u1", "<u1":
			out[i] = float64(b[0])
		}
	}
	return out, nil
}

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case "<f8", "<i8":
		return 8, nil
	case "<f4", "<i4":
		return 4, nil
	case "<i2":
		return 2, nil
	case "|u1", "<u1":
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}
