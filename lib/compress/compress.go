// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression applied to a packed payload.
// The values are stored on disk; never renumber them.
type Algorithm uint8

const (
	None Algorithm = 0
	LZ4  Algorithm = 1
	Zstd Algorithm = 2
)

// MaxUnpackedSize bounds the declared length accepted by Unpack so a
// corrupted header cannot trigger a huge allocation.
const MaxUnpackedSize = 64 << 20

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Pack compresses data with algorithm and prepends the frame header.
// When compression does not reduce the size the payload is stored
// uncompressed and tagged None.
func Pack(data []byte, algorithm Algorithm) ([]byte, error) {
	var body []byte
	var err error
	switch algorithm {
	case None:
		body = data
	case LZ4:
		body, err = compressLZ4(data)
	case Zstd:
		body, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %s", algorithm)
	}
	if errors.Is(err, errIncompressible) {
		algorithm, body, err = None, data, nil
	}
	if err != nil {
		return nil, err
	}

	header := make([]byte, 1+binary.MaxVarintLen64)
	header[0] = byte(algorithm)
	headerLength := 1 + binary.PutUvarint(header[1:], uint64(len(data)))

	output := make([]byte, 0, headerLength+len(body))
	output = append(output, header[:headerLength]...)
	return append(output, body...), nil
}

// Unpack reverses Pack and verifies the declared length.
func Unpack(packed []byte) ([]byte, error) {
	if len(packed) < 2 {
		return nil, fmt.Errorf("compress: packed payload is %d bytes, too short for a header", len(packed))
	}
	algorithm := Algorithm(packed[0])
	declared, headerLength := binary.Uvarint(packed[1:])
	if headerLength <= 0 {
		return nil, fmt.Errorf("compress: malformed length header")
	}
	if declared > MaxUnpackedSize {
		return nil, fmt.Errorf("compress: declared length %d exceeds limit %d", declared, MaxUnpackedSize)
	}
	size := int(declared)
	body := packed[1+headerLength:]

	switch algorithm {
	case None:
		if len(body) != size {
			return nil, fmt.Errorf("compress: stored payload is %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case LZ4:
		return decompressLZ4(body, size)
	case Zstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %s", algorithm)
	}
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
