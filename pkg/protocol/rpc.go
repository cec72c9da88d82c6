package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CapHandle names a capability in the sender's export table.
// A handle is only meaningful on the connection that issued it.
type CapHandle struct {
	Index      uint32 `cbor:"1,keyasint"`
	Generation uint32 `cbor:"2,keyasint"`
}

// String returns "index#generation".
func (h CapHandle) String() string {
	return fmt.Sprintf("%d#%d", h.Index, h.Generation)
}

// BootstrapHandle is the export slot of a connection's bootstrap capability.
var BootstrapHandle = CapHandle{Index: 0, Generation: 1}

// PromisedAnswer targets the capability at CapIndex in the result cap table
// of a question that may not have returned yet.
type PromisedAnswer struct {
	QuestionID uint32 `cbor:"1,keyasint"`
	CapIndex   uint32 `cbor:"2,keyasint"`
}

// MessageTarget addresses a call. Exactly one field is set.
type MessageTarget struct {
	Import   *CapHandle      `cbor:"1,keyasint"`
	Promised *PromisedAnswer `cbor:"2,keyasint"`
}

// String returns a readable form of the target.
func (t MessageTarget) String() string {
	switch {
	case t.Import != nil:
		return "import " + t.Import.String()
	case t.Promised != nil:
		return fmt.Sprintf("promise q%d[%d]", t.Promised.QuestionID, t.Promised.CapIndex)
	default:
		return "none"
	}
}

// RPCCall invokes a method. Capabilities passed in Params are listed in
// CapTable as handles in the caller's export table and referenced from
// Params by their position in CapTable.
type RPCCall struct {
	QuestionID  uint32          `cbor:"1,keyasint"`
	Target      MessageTarget   `cbor:"2,keyasint"`
	InterfaceID uint64          `cbor:"3,keyasint"`
	MethodID    uint16          `cbor:"4,keyasint"`
	Params      cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	CapTable    []CapHandle     `cbor:"6,keyasint"`
}

// ExceptionType classifies an RPC failure.
type ExceptionType uint8

const (
	ExceptionFailed        ExceptionType = 0 // The call failed
	ExceptionOverloaded    ExceptionType = 1 // Temporary lack of resources
	ExceptionDisconnected  ExceptionType = 2 // The capability's connection is gone
	ExceptionUnimplemented ExceptionType = 3 // Unknown interface or method
)

// String returns the string representation of the exception type.
func (t ExceptionType) String() string {
	switch t {
	case ExceptionFailed:
		return "failed"
	case ExceptionOverloaded:
		return "overloaded"
	case ExceptionDisconnected:
		return "disconnected"
	case ExceptionUnimplemented:
		return "unimplemented"
	default:
		return fmt.Sprintf("ExceptionType(%d)", uint8(t))
	}
}

// RPCException is the failure half of a return.
type RPCException struct {
	Type   ExceptionType `cbor:"1,keyasint"`
	Reason string        `cbor:"2,keyasint"`
}

// RPCReturn answers exactly one call.
type RPCReturn struct {
	AnswerID  uint32          `cbor:"1,keyasint"`
	Results   cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	CapTable  []CapHandle     `cbor:"3,keyasint"`
	Exception *RPCException   `cbor:"4,keyasint"`
}

// RPCFinish tells the callee the caller no longer needs an answer. With
// Cancel set the callee should abandon the call if it is still running.
type RPCFinish struct {
	QuestionID uint32 `cbor:"1,keyasint"`
	Cancel     bool   `cbor:"2,keyasint"`
}

// RPCRelease drops the caller's reference to an imported capability.
type RPCRelease struct {
	Handle CapHandle `cbor:"1,keyasint"`
}

// RPCAbort announces that the sender is closing the connection.
type RPCAbort struct {
	Reason string `cbor:"1,keyasint"`
}

// RPCMessage is the control stream envelope. Exactly one field is set.
type RPCMessage struct {
	Call    *RPCCall    `cbor:"1,keyasint"`
	Return  *RPCReturn  `cbor:"2,keyasint"`
	Finish  *RPCFinish  `cbor:"3,keyasint"`
	Release *RPCRelease `cbor:"4,keyasint"`
	Abort   *RPCAbort   `cbor:"5,keyasint"`
}

// Kind returns the name of the populated field, or "empty".
func (m *RPCMessage) Kind() string {
	switch {
	case m.Call != nil:
		return "call"
	case m.Return != nil:
		return "return"
	case m.Finish != nil:
		return "finish"
	case m.Release != nil:
		return "release"
	case m.Abort != nil:
		return "abort"
	default:
		return "empty"
	}
}
