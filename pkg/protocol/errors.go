package protocol

import (
	"errors"
	"fmt"
)

// Codec and validation errors.
var (
	// ErrFrameTooLarge is returned when a frame body exceeds Limits.MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrMessageTooLarge is returned when a decompressed message exceeds Limits.MaxMessageSize.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrTrailingData is returned when a datagram holds bytes after its frame.
	ErrTrailingData = errors.New("protocol: trailing data after frame")

	// ErrInvalidRegistryName is returned for names outside [a-z0-9_]+.
	ErrInvalidRegistryName = errors.New("protocol: invalid registry name")

	// ErrMismatchedArrayLengths is returned when a registry bundle's parallel arrays differ in length.
	ErrMismatchedArrayLengths = errors.New("protocol: mismatched registry array lengths")

	// ErrIllegalID is returned when a registry bundle assigns id 0.
	ErrIllegalID = errors.New("protocol: illegal registry id 0")

	// ErrDuplicateID is returned when a registry bundle assigns the same id twice.
	ErrDuplicateID = errors.New("protocol: duplicate registry id")

	// ErrDuplicateName is returned when a registry bundle lists a name twice.
	ErrDuplicateName = errors.New("protocol: duplicate registry name")

	// ErrInvalidStreamHeader is returned for a header that selects no type or both kinds.
	ErrInvalidStreamHeader = errors.New("protocol: invalid stream header")

	// ErrInvalidChunkData is returned for a chunk payload with an unusable layout.
	ErrInvalidChunkData = errors.New("protocol: invalid chunk data")

	// ErrInvalidVersion is returned when a server version is not valid semver.
	ErrInvalidVersion = errors.New("protocol: invalid version")
)

// CodecError reports a framing, compression or schema failure.
// Receiving one means the stream it came from can no longer be trusted.
type CodecError struct {
	Op  string // "read length", "read body", "decompress", "decode", "encode"
	Err error
}

// Error returns the error message.
func (e *CodecError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *CodecError) Unwrap() error {
	return e.Err
}

// IsCodecError reports whether err is or wraps a *CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}
