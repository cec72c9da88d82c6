package game

import (
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// Interface ids. They are part of the wire format and never change.
const (
	GameServerID                    uint64 = 0xb7a3f1c2d4e50601
	AuthenticatedServerConnectionID uint64 = 0xb7a3f1c2d4e50602
	AuthenticatedClientConnectionID uint64 = 0xb7a3f1c2d4e50603
)

// GameServer methods.
var (
	MethodGetServerMetadata = rpc.Method{InterfaceID: GameServerID, MethodID: 0, InterfaceName: "GameServer", MethodName: "getServerMetadata"}
	MethodPing              = rpc.Method{InterfaceID: GameServerID, MethodID: 1, InterfaceName: "GameServer", MethodName: "ping"}
	MethodAuthenticate      = rpc.Method{InterfaceID: GameServerID, MethodID: 2, InterfaceName: "GameServer", MethodName: "authenticate"}
)

// AuthenticatedServerConnection methods.
var (
	MethodBootstrapGameData = rpc.Method{InterfaceID: AuthenticatedServerConnectionID, MethodID: 0, InterfaceName: "AuthenticatedServerConnection", MethodName: "bootstrapGameData"}
	MethodSendChatMessage   = rpc.Method{InterfaceID: AuthenticatedServerConnectionID, MethodID: 1, InterfaceName: "AuthenticatedServerConnection", MethodName: "sendChatMessage"}
)

// AuthenticatedClientConnection methods.
var (
	MethodTerminateConnection = rpc.Method{InterfaceID: AuthenticatedClientConnectionID, MethodID: 0, InterfaceName: "AuthenticatedClientConnection", MethodName: "terminateConnection"}
	MethodAddChatMessage      = rpc.Method{InterfaceID: AuthenticatedClientConnectionID, MethodID: 1, InterfaceName: "AuthenticatedClientConnection", MethodName: "addChatMessage"}
)

func describeFrom(id uint16, methods ...rpc.Method) rpc.Method {
	for _, m := range methods {
		if m.MethodID == id {
			return m
		}
	}
	return rpc.Method{MethodID: id}
}

// Parameter and result structs. Field keys are wire format.

type pingParams struct {
	Input int32 `cbor:"1,keyasint"`
}

type pingResults struct {
	Output int32 `cbor:"1,keyasint"`
}

// authenticateParams carries the client's AuthenticatedClientConnection as
// capability 0.
type authenticateParams struct {
	Username string `cbor:"1,keyasint"`
}

// authenticateResults carries either Error or, as capability 0, the
// AuthenticatedServerConnection.
type authenticateResults struct {
	Error *protocol.AuthenticationError `cbor:"1,keyasint,omitempty"`
}

type sendChatMessageParams struct {
	Text string `cbor:"1,keyasint"`
}

type terminateConnectionParams struct {
	Reason protocol.ConnectionTermination `cbor:"1,keyasint"`
}

type addChatMessageParams struct {
	Tick uint64 `cbor:"1,keyasint"`
	Text string `cbor:"2,keyasint"`
}
