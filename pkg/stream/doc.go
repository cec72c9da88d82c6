// Package stream classifies auxiliary streams by their header and hands
// each one to a type-specific handler.
//
// Every auxiliary stream starts with exactly one framed
// protocol.StreamHeader. Standard types (chunkData) are bound by the caller
// when building the Dispatcher; custom types are looked up in a Registry of
// handler factories, built at startup and frozen before the first stream
// arrives. A malformed header or an unknown custom type closes that stream
// only; the session and its other streams are unaffected.
//
// The control stream never carries a header and never passes through here.
package stream
