// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used for a stored job output.
// The value is persisted in the jobs table, so these are storage
// format constants. Do not renumber.
type Compression uint8

const (
	// CompressionNone stores the output as written. Used for small
	// outputs and for payloads the probe found incompressible.
	CompressionNone Compression = 0

	// CompressionLZ4 is the fast fallback for outputs that compress
	// modestly. Block mode, no frame header.
	CompressionLZ4 Compression = 1

	// CompressionZstd is used when the probe shows a strong ratio,
	// which is the common case for agent transcripts and tool logs.
	CompressionZstd Compression = 2
)

// String returns the human-readable name of a compression tag.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// compressThreshold is the minimum output size worth probing. Below
// this the row overhead dominates and outputs are stored raw.
const compressThreshold = 4096

// Probe ratio cutoffs. Zstd wins at 1.5x and above; between 1.1x and
// 1.5x LZ4's faster decode is the better trade; below 1.1x the output
// is effectively incompressible.
const (
	zstdRatioCutoff = 1.5
	lz4RatioCutoff  = 1.1
)

// zstdEncoder and zstdDecoder are shared across calls. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("jobstore: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("jobstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compressOutput probes data and returns the stored form plus the tag
// describing it. Outputs under compressThreshold and incompressible
// payloads come back unchanged with CompressionNone.
func compressOutput(data []byte) ([]byte, Compression) {
	if len(data) < compressThreshold {
		return data, CompressionNone
	}

	// One zstd pass serves as both probe and candidate output.
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= zstdRatioCutoff:
		return compressed, CompressionZstd

	case ratio >= lz4RatioCutoff:
		block, err := compressLZ4(data)
		if err != nil {
			// LZ4 declined where zstd succeeded. Keep the zstd
			// output rather than storing raw.
			return compressed, CompressionZstd
		}
		return block, CompressionLZ4

	default:
		return data, CompressionNone
	}
}

// decompressOutput reverses compressOutput. The uncompressedSize must
// match the original length exactly; a mismatch is corruption.
func decompressOutput(stored []byte, tag Compression, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(stored) != uncompressedSize {
			return nil, fmt.Errorf("raw output is %d bytes, expected %d", len(stored), uncompressedSize)
		}
		return stored, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// compressLZ4 compresses data in block mode. Returns an error when the
// block would not shrink.
func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock signals incompressible data by writing zero bytes.
	if written == 0 || written >= len(data) {
		return nil, fmt.Errorf("lz4: data is incompressible")
	}
	return destination[:written], nil
}
