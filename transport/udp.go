package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// ErrUnreachable classes transport-level send failures, surfaced to the
// core as TransportFailed (spec §4.5, §7).
var ErrUnreachable = errs.Class("transport unreachable")

// UDP is a real net.UDPConn-backed Transport, generalized from the
// teacher's network.go read loop: a single goroutine reads datagrams off
// the socket and republishes them on a channel, decoupling socket I/O from
// whatever dispatches on Packets().
type UDP struct {
	conn *net.UDPConn
	self Endpoint

	packets chan Packet

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDP binds host:port and starts the read loop.
func NewUDP(host string, port uint16) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	u := &UDP{
		conn:    conn,
		self:    Endpoint{IP: local.IP.String(), Port: uint16(local.Port)},
		packets: make(chan Packet, 256),
		closed:  make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) LocalEndpoint() Endpoint { return u.self }

func (u *UDP) Send(ctx context.Context, to Endpoint, payload []byte) error {
	addr, err := net.ResolveUDPAddr("udp", to.String())
	if err != nil {
		return ErrUnreachable.Wrap(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(deadline)
		defer u.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := u.conn.WriteToUDP(payload, addr); err != nil {
		return ErrUnreachable.Wrap(err)
	}
	return nil
}

func (u *UDP) Packets() <-chan Packet { return u.packets }

func (u *UDP) Close() error {
	u.closeOnce.Do(func() { close(u.closed) })
	return u.conn.Close()
}

func (u *UDP) readLoop() {
	defer close(u.packets)
	buf := make([]byte, 64*1024)
	for {
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		pkt := Packet{From: Endpoint{IP: src.IP.String(), Port: uint16(src.Port)}, Payload: payload}
		select {
		case u.packets <- pkt:
		case <-u.closed:
			return
		}
	}
}
