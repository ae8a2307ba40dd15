// Package transport is the abstract network collaborator the kademlia
// core dispatches bytes through (spec §1): something that can send a
// payload to an endpoint and deliver inbound payloads, with no knowledge
// of the wire schema or RPC semantics layered on top of it.
package transport

import "context"

// Endpoint is an IP/port pair, kept distinct from net.UDPAddr so callers
// of Transport never need the net package directly.
type Endpoint struct {
	IP   string
	Port uint16
}

func (e Endpoint) String() string {
	if e.IP == "" {
		return ""
	}
	return e.IP + ":" + portString(e.Port)
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// Packet is one inbound datagram: raw bytes plus the endpoint it arrived
// from, as observed by the transport (not as claimed by the sender).
type Packet struct {
	From    Endpoint
	Payload []byte
}

// Transport sends and receives opaque byte payloads between endpoints. It
// makes no assumption about message framing beyond "one Send is one
// Packet on the other end" (spec §1, §4.5: the RpcLayer owns everything
// above this).
type Transport interface {
	// LocalEndpoint returns the address this transport is bound to.
	LocalEndpoint() Endpoint

	// Send delivers payload to the given endpoint. It returns
	// ErrUnreachable (wrapped) if the destination is known to be
	// unreachable, satisfying spec §4.5's TransportFailed path.
	Send(ctx context.Context, to Endpoint, payload []byte) error

	// Packets returns the channel inbound datagrams arrive on. It is
	// closed when the transport is closed.
	Packets() <-chan Packet

	// Close unbinds the transport. Further Sends fail.
	Close() error
}
