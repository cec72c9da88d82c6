package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder: %v", err))
	}

	// Unknown map keys are skipped, which is what keeps old and new peers compatible.
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxCollectionItems,
		MaxMapPairs:      maxCollectionItems,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder: %v", err))
	}

	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		panic(fmt.Sprintf("protocol: zstd encoder: %v", err))
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(4*DefaultMaxMessageSize),
	)
	if err != nil {
		panic(fmt.Sprintf("protocol: zstd decoder: %v", err))
	}
}

// Marshal encodes v into a compressed message body without a length prefix.
func Marshal(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2+16)), nil
}

// Unmarshal decodes a compressed message body produced by Marshal into v.
// maxSize bounds the decompressed size; zero uses DefaultMaxMessageSize.
func Unmarshal(body []byte, v any, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	var hdr zstd.Header
	if err := hdr.Decode(body); err != nil {
		return &CodecError{Op: "decompress", Err: err}
	}
	if hdr.HasFCS && hdr.FrameContentSize > uint64(maxSize) {
		return &CodecError{Op: "decompress", Err: ErrMessageTooLarge}
	}

	raw, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return &CodecError{Op: "decompress", Err: err}
	}
	if len(raw) > maxSize {
		return &CodecError{Op: "decompress", Err: ErrMessageTooLarge}
	}

	if err := decMode.Unmarshal(raw, v); err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	return nil
}

// MarshalRaw encodes v as an uncompressed CBOR document.
// It is used for values nested inside another message, such as RPC params.
func MarshalRaw(v any) (cbor.RawMessage, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return raw, nil
}

// UnmarshalRaw decodes a CBOR document produced by MarshalRaw into v.
func UnmarshalRaw(raw cbor.RawMessage, v any) error {
	if err := decMode.Unmarshal(raw, v); err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	return nil
}
