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

type testNode struct {
	contact Contact
	rt      *RoutingTable
	ds      *DataStore
	svc     *Service
	rpc     *RpcLayer
	sched   *Scheduler
	lookup  *LookupEngine
}

func (n *testNode) ping(ctx context.Context, c Contact) bool {
	done := make(chan Outcome, 1)
	_, err := n.rpc.Dispatch(ctx, transportEndpointOf(c), MethodPing, &wire.PingRequest{Ping: "ping", SenderInfo: toWireContact(n.contact)}, false,
		func(o Outcome) { done <- o })
	if err != nil {
		return false
	}
	select {
	case o := <-done:
		return o.Kind == OutcomeSuccess
	case <-ctx.Done():
		return false
	}
}

func newTestNetwork(t *testing.T, n int, k int) ([]*testNode, clock.Clock) {
	t.Helper()
	reg := transport.NewRegistry()
	mock := clock.NewMock()

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		ep := transport.Endpoint{IP: "127.0.0.1", Port: uint16(20000 + i)}
		mt, err := reg.NewMemory(ep)
		require.NoError(t, err)

		id := Random()
		contact := NewContact(id, Endpoint{IP: ep.IP, Port: ep.Port})
		rt := NewRoutingTable(contact, k)
		ds := NewDataStore(mock)
		sched := NewScheduler(mock)
		rpc := NewRpcLayer(mt, sched, nil)
		svc := NewService(contact, rt, ds, k, nil, nil, nil)
		rpc.SetHandler(svc.Handle)
		lookup := NewLookupEngine(contact, rt, rpc, k, nil)

		node := &testNode{contact: contact, rt: rt, ds: ds, svc: svc, rpc: rpc, sched: sched, lookup: lookup}
		rt.SetPingFunc(func(c Contact) bool { return node.ping(context.Background(), c) })
		svc.pinger = pingerFunc(node.ping)

		nodes[i] = node
		t.Cleanup(func() { rpc.Stop(); sched.Stop(); mt.Close() })
	}

	// Fully connect every node's routing table to every other, as a
	// bootstrapped network (bootstrap itself is Node's job, tested
	// separately).
	for i := range nodes {
		for j := range nodes {
			if i != j {
				nodes[i].rt.AddContact(nodes[j].contact)
			}
		}
	}

	return nodes, mock
}

type pingerFunc func(ctx context.Context, c Contact) bool

func (f pingerFunc) Ping(ctx context.Context, c Contact) bool { return f(ctx, c) }

func TestLookupEngine_FindNodeReturnsClosestContacts(t *testing.T) {
	nodes, _ := newTestNetwork(t, 6, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := nodes[3].contact.ID
	got, err := nodes[0].lookup.FindNode(ctx, target)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	found := false
	for _, c := range got {
		if c.ID.Equal(target) {
			found = true
		}
	}
	require.True(t, found, "expected the target's own contact among the closest results")
}

func TestLookupEngine_StoreThenFindValue(t *testing.T) {
	nodes, _ := newTestNetwork(t, 8, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := []byte("some-key")
	req := &wire.StoreRequest{Key: key, Value: []byte("some-value"), Ttl: 3600, Publish: true, SenderInfo: toWireContact(nodes[0].contact)}

	result, err := nodes[0].lookup.Store(ctx, key, req)
	require.NoError(t, err)
	require.Greater(t, result.Succeeded, 0)

	fvResult, err := nodes[1].lookup.FindValue(ctx, key)
	require.NoError(t, err)
	require.NotEmpty(t, fvResult.Values)
	require.Equal(t, []byte("some-value"), fvResult.Values[0])
}

func TestLookupEngine_FindValueNotFound(t *testing.T) {
	nodes, _ := newTestNetwork(t, 4, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := nodes[0].lookup.FindValue(ctx, []byte("nonexistent"))
	require.Error(t, err)
	require.True(t, ValueNotFound.Has(err))
}
