// Package miniserver implements the websocket client for a Loxone Miniserver.
//
// The client speaks the Miniserver's "remotecontrol" websocket protocol. It
// downloads the structure file, enables binary status updates and decodes the
// event tables that follow into Events.
//
// # Architecture
//
//	┌─────────────────┐  callbacks  ┌─────────────────┐  websocket  ┌────────────┐
//	│     Bridge      │◄───────────►│  Client (this)  │◄───────────►│ Miniserver │
//	└─────────────────┘             └─────────────────┘             └────────────┘
//
// # Framing
//
// Every message from the Miniserver is preceded by an 8-byte binary header:
//
//	byte 0     0x03
//	byte 1     identifier (see Identifier)
//	byte 2     info flags; 0x80 marks an estimated length
//	byte 3     reserved
//	byte 4..7  payload length, uint32 little endian
//
// An estimated header is followed by a second, exact header. Keepalive
// responses and out-of-service notices carry no payload.
//
// # Ordering
//
// Structure and event callbacks run on the read goroutine, so events are
// delivered in the order the Miniserver sent them. Callbacks must not block
// for long.
//
// # Usage
//
//	client, err := miniserver.New(cfg)
//	if err != nil {
//	    return err
//	}
//	client.SetOnStructure(func(data []byte) { ... })
//	client.SetOnEvent(func(ev miniserver.Event) { ... })
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
package miniserver
