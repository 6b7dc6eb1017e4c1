// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package uploader

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/logwatch/logwatch/lib/codec"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/schema"
)

// payloadDomainKey keys the BLAKE3 checksum of batch payloads. The
// value is the ASCII domain name zero-padded to 32 bytes; changing it
// breaks checksum verification on the server.
var payloadDomainKey = [32]byte{
	'l', 'o', 'g', 'w', 'a', 't', 'c', 'h', '.', 'b', 'a', 't', 'c', 'h', '.',
	'p', 'a', 'y', 'l', 'o', 'a', 'd',
}

// maxDecodedPayload bounds decompression in DecodePayload.
const maxDecodedPayload = 64 << 20

// zstd encoder and decoder are safe for concurrent use and expensive
// to construct.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("uploader: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedPayload))
	if err != nil {
		panic("uploader: zstd decoder initialization failed: " + err.Error())
	}
}

// ValidCompression reports whether name is a supported payload
// compression.
func ValidCompression(name string) bool {
	switch name {
	case schema.CompressionNone, schema.CompressionGzip, schema.CompressionZstd, schema.CompressionLZ4:
		return true
	}
	return false
}

// Checksum returns the hex BLAKE3 keyed hash of an uncompressed
// payload.
func Checksum(payload []byte) string {
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("uploader: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRequest encodes records as the payload of batch. The payload is
// compressed with compression when its encoded size reaches threshold
// and compression actually shrinks it; otherwise it is sent as is.
// records must be exactly batch.StartSeq..batch.EndSeq.
func buildRequest(taskID string, batch recordstore.InFlightBatch, records []schema.LogRecord, compression string, threshold int) (*schema.BatchRequest, error) {
	expected := batch.EndSeq - batch.StartSeq + 1
	if uint64(len(records)) != expected {
		return nil, fmt.Errorf("uploader: batch %d covers %d records, store returned %d",
			batch.ClientSeq, expected, len(records))
	}

	items := make([]schema.PayloadRecord, len(records))
	for i, record := range records {
		if record.Seq != batch.StartSeq+uint64(i) {
			return nil, fmt.Errorf("uploader: batch %d: record %d has seq %d, want %d",
				batch.ClientSeq, i, record.Seq, batch.StartSeq+uint64(i))
		}
		items[i] = schema.PayloadRecord{
			Seq:       record.Seq,
			Timestamp: record.CapturedAt.UnixNano(),
			Data:      record.Payload,
		}
	}
	encoded, err := codec.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("uploader: encoding batch %d: %w", batch.ClientSeq, err)
	}

	request := &schema.BatchRequest{
		TaskID:      taskID,
		ClientSeq:   batch.ClientSeq,
		StartSeq:    batch.StartSeq,
		EndSeq:      batch.EndSeq,
		RecordCount: len(records),
		Compression: schema.CompressionNone,
		Encoding:    schema.EncodingCBOR,
		Checksum:    Checksum(encoded),
		Payload:     encoded,
	}

	if compression == "" || compression == schema.CompressionNone || len(encoded) < threshold {
		return request, nil
	}
	compressed, err := compress(encoded, compression)
	if errors.Is(err, errIncompressible) {
		return request, nil
	}
	if err != nil {
		return nil, fmt.Errorf("uploader: compressing batch %d: %w", batch.ClientSeq, err)
	}
	request.Compressed = true
	request.Compression = compression
	request.Payload = compressed
	return request, nil
}

// errIncompressible means compression did not make the payload
// smaller.
var errIncompressible = errors.New("payload is incompressible")

func compress(data []byte, compression string) ([]byte, error) {
	var output []byte
	switch compression {
	case schema.CompressionGzip:
		var buffer bytes.Buffer
		writer, err := gzip.NewWriterLevel(&buffer, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		output = buffer.Bytes()

	case schema.CompressionZstd:
		output = zstdEncoder.EncodeAll(data, nil)

	case schema.CompressionLZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		output = buffer.Bytes()

	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	if len(output) >= len(data) {
		return nil, errIncompressible
	}
	return output, nil
}

// DecodePayload reverses buildRequest: it decompresses the payload,
// verifies the checksum, and decodes the records. It is what a server
// does with a BatchRequest, and what `lw` uses to inspect one.
func DecodePayload(request *schema.BatchRequest) ([]schema.PayloadRecord, error) {
	if request.Encoding != "" && request.Encoding != schema.EncodingCBOR {
		return nil, fmt.Errorf("uploader: unsupported payload encoding %q", request.Encoding)
	}

	data := request.Payload
	if request.Compressed {
		var err error
		data, err = decompress(request.Payload, request.Compression)
		if err != nil {
			return nil, fmt.Errorf("uploader: batch %d: %w", request.ClientSeq, err)
		}
	}
	if request.Checksum != "" && Checksum(data) != request.Checksum {
		return nil, fmt.Errorf("uploader: batch %d: checksum mismatch", request.ClientSeq)
	}

	var records []schema.PayloadRecord
	if err := codec.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("uploader: batch %d: decoding records: %w", request.ClientSeq, err)
	}
	return records, nil
}

func decompress(data []byte, compression string) ([]byte, error) {
	var reader io.Reader
	switch compression {
	case schema.CompressionGzip:
		gzipReader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case schema.CompressionZstd:
		output, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return output, nil
	case schema.CompressionLZ4:
		reader = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	output, err := io.ReadAll(io.LimitReader(reader, maxDecodedPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", compression, err)
	}
	if len(output) > maxDecodedPayload {
		return nil, fmt.Errorf("%s decompress: payload exceeds %d bytes", compression, maxDecodedPayload)
	}
	return output, nil
}
