// Package transport abstracts the connection carrying a gsnet session.
//
// A [Session] multiplexes reliable ordered streams and unreliable
// datagrams over one underlying connection. Three implementations exist:
//
//   - QUIC (quic-go): native streams and native datagrams.
//   - yamux over TCP or an in-process pipe: streams are yamux streams and
//     datagrams travel on a lane stream that drops when its queue is full.
//   - yamux over WebSocket: the same as TCP, tunnelled through an HTTP
//     upgrade for clients that cannot reach the UDP port.
//
// The client always opens the control stream first. Every other stream is
// auxiliary and starts with a protocol.StreamHeader, read by the caller.
package transport
