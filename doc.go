// Package natstunnel provides tools to carry a point-to-point, ordered byte
// stream over a NATS publish/subscribe broker. The two peers never open a
// network connection to each other: all bytes travel as NATS messages.
//
// A connection is established with a handshake. The calling side uses Connect
// to publish a request to a well-known subject, carrying an application
// payload and a freshly generated private inbox as its reply subject. The
// listening side uses Accept (or a Listener, which loops Accept over a single
// subscription) to receive that request, run an application-supplied
// HandshakeFunc over the payload, and reply with the function's output and
// its own private inbox. After the exchange, each side publishes stream data
// to the other side's inbox and reads from its own.
//
// The resulting *Conn implements [net.Conn]. Writes are split into chunks no
// larger than the broker's advertised maximum payload, and an inbound message
// larger than a caller's read buffer is held back and delivered across
// subsequent reads. Data messages are never empty: a zero-length message,
// which Close publishes, marks the end of the stream, and the receiving side
// reports io.EOF once it arrives.
//
// No acknowledgement, retransmission or encryption is layered on top of the
// broker: ordering comes from the broker preserving delivery order within a
// single subscription, and a message lost by the broker is lost from the
// stream.
package natstunnel
