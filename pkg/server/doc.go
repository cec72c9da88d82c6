// Package server is the game server side of the gsnet protocol.
//
// A Server accepts transport sessions from any number of listeners (QUIC,
// TCP, WebSocket or in-process pipes) and runs one Conn per session.
//
// # Connection Lifecycle
//
// The first stream a client opens is the control stream. It carries the
// capability RPC connection, whose bootstrap capability is the GameServer.
// Every later stream is classified by its header and handed to the stream
// registry; streams opened before the player has authenticated are closed.
//
// A Conn moves through the authentication states of package auth:
//
//	Unauthenticated -> Authenticating -> Authenticated -> Terminated
//
// Authenticate runs the validator (username format, ban list, player
// limit), reserves a slot in the player table and mints the player's
// AuthenticatedServerConnection. From then on the server streams chunks to
// the player over chunkData streams and accepts its datagrams.
//
// Kick, Ban and Shutdown send terminateConnection to the player before the
// transport is closed. A transport that closes first simply terminates the
// connection.
//
// # Example Usage
//
//	srv, err := server.New(&server.Config{
//	    Title:       "My Server",
//	    PlayerLimit: 8,
//	    Logger:      logger,
//	})
//	if err != nil {
//	    return err
//	}
//	ln, err := transport.ListenQUIC(":28032", tlsConf, nil)
//	if err != nil {
//	    return err
//	}
//	return srv.Serve(ctx, ln)
//
// # Thread Safety
//
// Every exported method of Server is safe for concurrent use. The player
// table and the connection set are guarded by their own mutexes; a Conn's
// state changes go through its auth.Machine.
package server
