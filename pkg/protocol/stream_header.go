package protocol

import "fmt"

// StandardStreamType enumerates the built-in auxiliary stream types.
type StandardStreamType uint16

const (
	StreamTypeNone     StandardStreamType = 0 // Header selects a custom type
	StreamChunkData    StandardStreamType = 1 // ChunkDataStreamPacket sequence
	StreamDatagramLane StandardStreamType = 2 // Datagram emulation for transports without native datagrams
)

// String returns the string representation of the stream type.
func (t StandardStreamType) String() string {
	switch t {
	case StreamTypeNone:
		return "none"
	case StreamChunkData:
		return "chunkData"
	case StreamDatagramLane:
		return "datagramLane"
	default:
		return fmt.Sprintf("standard(%d)", uint16(t))
	}
}

// StreamHeader is the first message on every auxiliary stream. Exactly one
// of Standard and Custom is set.
type StreamHeader struct {
	Standard StandardStreamType `cbor:"1,keyasint"`
	Custom   *RegistryName      `cbor:"2,keyasint"`
}

// StandardHeader returns a header selecting a built-in stream type.
func StandardHeader(t StandardStreamType) StreamHeader {
	return StreamHeader{Standard: t}
}

// CustomHeader returns a header selecting an extension stream type.
func CustomHeader(name RegistryName) StreamHeader {
	return StreamHeader{Custom: &name}
}

// IsCustom reports whether the header selects a custom type.
func (h StreamHeader) IsCustom() bool {
	return h.Custom != nil
}

// Validate reports whether the header selects exactly one well-formed type.
func (h StreamHeader) Validate() error {
	switch {
	case h.Custom != nil && h.Standard != StreamTypeNone:
		return fmt.Errorf("%w: both standard and custom type set", ErrInvalidStreamHeader)
	case h.Custom != nil:
		return h.Custom.Validate()
	case h.Standard == StreamTypeNone:
		return fmt.Errorf("%w: no type set", ErrInvalidStreamHeader)
	}
	return nil
}

// String returns a readable form of the header.
func (h StreamHeader) String() string {
	if h.Custom != nil {
		return "custom(" + h.Custom.String() + ")"
	}
	return h.Standard.String()
}
