package natutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMapper is an in-memory stand-in for a real gateway, letting callers
// of PortMapper (kademlia.Node.setupPortMapping) be tested without a LAN.
type fakeMapper struct {
	externalIP string
	mappings   map[uint16]uint16
}

func newFakeMapper(externalIP string) *fakeMapper {
	return &fakeMapper{externalIP: externalIP, mappings: make(map[uint16]uint16)}
}

func (f *fakeMapper) AddMapping(proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error) {
	f.mappings[internalPort] = externalPort
	return externalPort, nil
}

func (f *fakeMapper) RemoveMapping(proto Protocol, externalPort uint16) error {
	for in, out := range f.mappings {
		if out == externalPort {
			delete(f.mappings, in)
			return nil
		}
	}
	return ErrNoGateway.New("no mapping for external port %d", externalPort)
}

func (f *fakeMapper) ExternalIP() (string, error) {
	return f.externalIP, nil
}

func TestFakeMapper_SatisfiesPortMapper(t *testing.T) {
	var _ PortMapper = newFakeMapper("203.0.113.9")
}

func TestFakeMapper_AddThenRemoveMapping(t *testing.T) {
	m := newFakeMapper("203.0.113.9")

	mapped, err := m.AddMapping(UDP, 4000, 4000, time.Hour)
	require.NoError(t, err)
	require.Equal(t, uint16(4000), mapped)

	ip, err := m.ExternalIP()
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", ip)

	require.NoError(t, m.RemoveMapping(UDP, 4000))
	require.Error(t, m.RemoveMapping(UDP, 4000), "removing an already-removed mapping should fail")
}

func TestProtoLower(t *testing.T) {
	require.Equal(t, "tcp", protoLower(TCP))
	require.Equal(t, "udp", protoLower(UDP))
}

func TestDiscover_NoGatewayOnTestHost(t *testing.T) {
	// CI/sandbox hosts have no UPnP/NAT-PMP gateway reachable, so Discover
	// should fail fast rather than hang; this guards that it returns
	// ErrNoGateway instead of blocking indefinitely.
	_, err := Discover(200 * time.Millisecond)
	require.Error(t, err)
}
