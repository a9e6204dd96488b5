package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// BlobContentType is the media type of an encoded artifact blob.
const BlobContentType = "application/zstd"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	blobDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
)

// EncodeBlob serializes a as JSON and compresses it with zstd for object storage.
func EncodeBlob(a Artifact) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return blobEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeBlob parses an artifact document that is either zstd-compressed or plain JSON.
func DecodeBlob(data []byte) (Artifact, error) {
	if IsCompressed(data) {
		plain, err := blobDecoder.DecodeAll(data, nil)
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: decompress: %v", ErrInvalid, err)
		}
		data = plain
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	return a, nil
}

// IsCompressed reports whether data starts with the zstd frame magic.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}
