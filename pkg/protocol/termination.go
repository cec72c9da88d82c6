package protocol

import "fmt"

// TerminationKind is the reason a server ends a connection.
type TerminationKind uint8

const (
	TerminationShuttingDown TerminationKind = 0 // Server is stopping
	TerminationKick         TerminationKind = 1 // Operator removed the player
	TerminationBan          TerminationKind = 2 // Player was banned
)

// String returns the string representation of the termination kind.
func (k TerminationKind) String() string {
	switch k {
	case TerminationShuttingDown:
		return "shuttingDown"
	case TerminationKick:
		return "kick"
	case TerminationBan:
		return "ban"
	default:
		return fmt.Sprintf("TerminationKind(%d)", uint8(k))
	}
}

// ConnectionTermination is delivered to the client right before the server
// closes the transport.
type ConnectionTermination struct {
	Kind    TerminationKind `cbor:"1,keyasint"`
	Message string          `cbor:"2,keyasint"`
}

// String returns "kind: message".
func (t ConnectionTermination) String() string {
	if t.Message == "" {
		return t.Kind.String()
	}
	return t.Kind.String() + ": " + t.Message
}
