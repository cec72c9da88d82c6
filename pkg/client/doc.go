// Package client is the game client side of the gsnet protocol.
//
// A Client owns one transport session. It opens the control stream, talks
// to the server's GameServer capability, and accepts the auxiliary streams
// and datagrams the server sends:
//
//	c, err := client.Dial(ctx, "quic://play.example.net", &client.Config{
//	    Handler:   handler,
//	    ChunkSink: world,
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	md, err := c.Metadata(ctx)
//	...
//	data, err := c.Login(ctx, "alice")
//
// Login pipelines bootstrapGameData on the promised connection capability,
// so a successful login costs a single round trip.
package client
