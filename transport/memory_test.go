package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SendDeliversPacket(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.NewMemory(Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)
	b, err := reg.NewMemory(Endpoint{IP: "10.0.0.2", Port: 2})
	require.NoError(t, err)

	require.NoError(t, a.Send(context.Background(), b.LocalEndpoint(), []byte("hello")))

	select {
	case pkt := <-b.Packets():
		require.Equal(t, "hello", string(pkt.Payload))
		require.Equal(t, a.LocalEndpoint(), pkt.From)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestMemory_SendToDownEndpointFails(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.NewMemory(Endpoint{IP: "10.0.0.1", Port: 1})
	b, _ := reg.NewMemory(Endpoint{IP: "10.0.0.2", Port: 2})
	b.SetDown(true)

	err := a.Send(context.Background(), b.LocalEndpoint(), []byte("x"))
	require.Error(t, err)
}

func TestMemory_SendToUnknownEndpointFails(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.NewMemory(Endpoint{IP: "10.0.0.1", Port: 1})

	err := a.Send(context.Background(), Endpoint{IP: "10.0.0.9", Port: 9}, []byte("x"))
	require.Error(t, err)
}

func TestMemory_DuplicateEndpointRejected(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.NewMemory(Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)
	_, err = reg.NewMemory(Endpoint{IP: "10.0.0.1", Port: 1})
	require.Error(t, err)
}
