// Package protocol implements the gsnet wire codec and every message that
// crosses a connection.
//
// A connection carries one control stream (capability RPC), any number of
// auxiliary streams (chunk data, extension streams) and unreliable
// datagrams. All of them exchange the same framed messages.
//
// # Wire Format
//
// Every message is a LEB128 length prefix followed by that many bytes of a
// zstd frame. The zstd frame header records the uncompressed size; the
// decompressed bytes are a CBOR document.
//
//	┌──────────────────────┬──────────────────────────────────────────┐
//	│ Length               │ Body                                     │
//	│ (LEB128, 1-10 bytes) │ zstd( CBOR message ), Length bytes       │
//	└──────────────────────┴──────────────────────────────────────────┘
//
// A datagram is exactly one such frame and must not carry trailing bytes.
//
// # Schema Evolution
//
// Structs are encoded as CBOR maps keyed by small integers
// (`cbor:"N,keyasint"`). Decoders skip keys they do not know, so a newer
// peer may add fields without breaking an older one. Keys are never reused.
//
// # Streams
//
// The first message on an auxiliary stream is a [StreamHeader]. The control
// stream starts directly with [RPCMessage] envelopes.
//
// # Errors
//
// Framing and codec failures are returned as [*CodecError]. They close the
// stream they occurred on, and the whole connection when that stream is the
// control stream.
package protocol
