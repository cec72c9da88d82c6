// Package game defines the three capability interfaces of the game
// protocol and binds them to the rpc layer.
//
// GameServer is the anonymous bootstrap capability every server exports.
// A successful authenticate call exchanges capabilities: the client hands
// over an AuthenticatedClientConnection and receives an
// AuthenticatedServerConnection in return.
//
// Each interface has a dispatcher (NewXServer) that turns an implementation
// into an rpc.Server, and a client stub (XClient) that turns an rpc.Client
// into typed calls. Client stubs implement the interface they call, so a
// server can hold a remote AuthenticatedClientConnection and a local fake
// interchangeably.
//
//	boot := game.NewGameServerClient(conn.Bootstrap())
//	auth := boot.Authenticate(ctx, "alice", handler)
//	data, err := auth.Connection().BootstrapGameData(ctx) // pipelined
package game
