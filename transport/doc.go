// Package transport moves OBEX packets between peers.
//
// A Transport listens for and opens links for a Service (a Bluetooth
// service class UUID plus its RFCOMM channel). Each link is a Conn, and
// link events go to a Handler:
//
//	type Handler interface {
//	    HandleConnect(c Conn)
//	    HandleReceive(c Conn, data []byte)
//	    HandleDisconnect(c Conn, err error)
//	}
//
// Handlers are called from the link's read goroutine. Protocol code posts
// them onto its control loop rather than mutating state in place.
//
// # Implementations
//
// BluezTransport registers org.bluez.Profile1 objects over D-Bus. Servers
// claim a fixed RFCOMM channel; clients call Device1.ConnectProfile and
// receive the socket through NewConnection. Reads are delivered as they
// arrive, so receivers must reassemble fragmented packets.
//
// TCPTransport listens on one address per service and frames reads by the
// OBEX packet length:
//
//	tr := transport.NewTCPTransport(map[uuid.UUID]string{
//	    transport.OPPUUID: "127.0.0.1:6509",
//	}, transport.DefaultRetryPolicy)
//	err := tr.Listen(transport.OPPService(transport.DefaultOPPChannel), handler)
//
// # Retry
//
// Connect retries service resolution with a constant backoff bounded by
// RetryPolicy.Window (three seconds by default). Established links are
// never retried.
package transport
