package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/kad/transport"
	"github.com/kadcore/kad/wire"
)

func newRpcPair(t *testing.T) (*RpcLayer, *RpcLayer, clock.Clock) {
	t.Helper()
	reg := transport.NewRegistry()
	ta, err := reg.NewMemory(transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)
	tb, err := reg.NewMemory(transport.Endpoint{IP: "10.0.0.2", Port: 2})
	require.NoError(t, err)

	mock := clock.NewMock()
	schedA := NewScheduler(mock)
	schedB := NewScheduler(mock)
	t.Cleanup(func() { schedA.Stop(); schedB.Stop(); ta.Close(); tb.Close() })

	rpcA := NewRpcLayer(ta, schedA, nil)
	rpcB := NewRpcLayer(tb, schedB, nil)
	t.Cleanup(func() { rpcA.Stop(); rpcB.Stop() })
	return rpcA, rpcB, mock
}

func TestRpcLayer_DispatchAndServe(t *testing.T) {
	rpcA, rpcB, _ := newRpcPair(t)

	rpcB.SetHandler(func(ctx context.Context, method string, body []byte, from transport.Endpoint) ([]byte, error) {
		var req wire.PingRequest
		require.NoError(t, wire.Unmarshal(body, &req))
		require.Equal(t, "ping", req.Ping)
		resp := &wire.Response{Result: wire.ResultTrue}
		return wire.Marshal(resp)
	})

	done := make(chan Outcome, 1)
	_, err := rpcA.Dispatch(context.Background(), transport.Endpoint{IP: "10.0.0.2", Port: 2}, MethodPing,
		&wire.PingRequest{Ping: "ping"}, false, func(o Outcome) { done <- o })
	require.NoError(t, err)

	select {
	case o := <-done:
		require.Equal(t, OutcomeSuccess, o.Kind)
		var resp wire.Response
		require.NoError(t, wire.Unmarshal(o.Body, &resp))
		require.Equal(t, wire.ResultTrue, resp.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RPC outcome")
	}
}

func TestRpcLayer_TimeoutFiresWhenNoHandler(t *testing.T) {
	rpcA, _, mock := newRpcPair(t)
	// rpcB has no handler installed: request is dropped, so the timeout
	// must fire through the shared mock clock.

	done := make(chan Outcome, 1)
	_, err := rpcA.Dispatch(context.Background(), transport.Endpoint{IP: "10.0.0.2", Port: 2}, MethodPing,
		&wire.PingRequest{Ping: "ping"}, false, func(o Outcome) { done <- o })
	require.NoError(t, err)

	mock.Add(TimeoutPing + time.Second)

	select {
	case o := <-done:
		require.Equal(t, OutcomeTimedOut, o.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout outcome")
	}
}

func TestRpcLayer_DispatchToUnreachableEndpointFailsTransport(t *testing.T) {
	rpcA, _, _ := newRpcPair(t)

	done := make(chan Outcome, 1)
	_, err := rpcA.Dispatch(context.Background(), transport.Endpoint{IP: "10.0.0.9", Port: 9}, MethodPing,
		&wire.PingRequest{Ping: "ping"}, false, func(o Outcome) { done <- o })
	require.Error(t, err)

	select {
	case o := <-done:
		require.Equal(t, OutcomeTransportFailed, o.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected immediate transport-failed outcome")
	}
}
