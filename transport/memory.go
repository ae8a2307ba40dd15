package transport

import (
	"context"
	"sync"
)

// registry is the shared switchboard every Memory transport in a
// simulated network registers with, keyed by endpoint.
type registry struct {
	mu   sync.RWMutex
	byEP map[Endpoint]*Memory
}

// NewRegistry returns a fresh in-process network: Memory transports
// created against it can reach each other but nothing outside it,
// generalizing the teacher's `simCluster` in-process network (see
// m4_simulation_test.go / sim_network_test.go) into a reusable component.
func NewRegistry() *Registry {
	return &Registry{r: &registry{byEP: make(map[Endpoint]*Memory)}}
}

// Registry is the exported handle to an in-process network.
type Registry struct{ r *registry }

// Memory is a Transport backed by an in-process registry instead of a
// socket, used by kademliatest to drive many simulated nodes deterministically
// and fast (spec §8: S1-S7 scenario tests run without real sockets).
type Memory struct {
	reg  *registry
	self Endpoint

	mu      sync.Mutex
	packets chan Packet
	down    bool // simulated "unreachable" fault injection
	closed  bool
}

// NewMemory registers a new transport at endpoint ep on reg. It errors if
// ep is already taken.
func (reg *Registry) NewMemory(ep Endpoint) (*Memory, error) {
	reg.r.mu.Lock()
	defer reg.r.mu.Unlock()
	if _, exists := reg.r.byEP[ep]; exists {
		return nil, ErrUnreachable.New("endpoint %s already registered", ep)
	}
	m := &Memory{reg: reg.r, self: ep, packets: make(chan Packet, 256)}
	reg.r.byEP[ep] = m
	return m, nil
}

func (m *Memory) LocalEndpoint() Endpoint { return m.self }

func (m *Memory) Send(ctx context.Context, to Endpoint, payload []byte) error {
	m.mu.Lock()
	down, closed := m.down, m.closed
	m.mu.Unlock()
	if closed {
		return ErrUnreachable.New("transport closed")
	}
	if down {
		return ErrUnreachable.New("sender marked down")
	}

	m.reg.mu.RLock()
	dst, ok := m.reg.byEP[to]
	m.reg.mu.RUnlock()
	if !ok {
		return ErrUnreachable.New("no such endpoint %s", to)
	}

	dst.mu.Lock()
	dstDown, dstClosed := dst.down, dst.closed
	dst.mu.Unlock()
	if dstDown || dstClosed {
		return ErrUnreachable.New("destination %s unreachable", to)
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	pkt := Packet{From: m.self, Payload: cp}
	select {
	case dst.packets <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Packets() <-chan Packet { return m.packets }

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.reg.mu.Lock()
	delete(m.reg.byEP, m.self)
	m.reg.mu.Unlock()

	close(m.packets)
	return nil
}

// SetDown simulates the endpoint going unreachable without closing it:
// sends to or from it fail, but it can be restored with SetDown(false) to
// model the S3 survivability / rejoin scenario.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}
