// Package rpc implements object-capability RPC over a single control stream.
//
// Each side of a connection keeps an export table of the capabilities it
// hosts. A capability is named on the wire by a Handle (slot index plus
// generation) into the table of the side that hosts it; the bootstrap
// capability always occupies slot 0.
//
// A call returns an Answer immediately. Before the answer resolves, Cap(i)
// yields a pipelined Client whose calls target "capability i of question q";
// the callee queues such calls and releases them in the order they were
// made as soon as q returns. Calls on one capability run one at a time in
// arrival order.
//
// Closing a Conn fails every outstanding question with ErrConnectionClosed
// and invalidates both tables in one step, so no call can observe a
// half-closed connection.
package rpc
