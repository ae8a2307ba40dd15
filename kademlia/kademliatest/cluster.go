// Package kademliatest provides an in-process Kademlia cluster for
// scenario-level tests, generalizing the teacher's sim_network_test.go
// simCluster (a hand-rolled node array over a fake address space) into a
// reusable harness that wires real kademlia.Node values over a shared
// transport.Registry/transport.Memory network, with a mock clock so
// republish/refresh/expire timing is deterministic.
package kademliatest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/kad/kademlia"
	"github.com/kadcore/kad/transport"
)

// Cluster is a set of in-process Kademlia nodes sharing one Registry and
// one mock clock, letting a test advance time and drive churn
// deterministically (spec §8, scenarios S1-S7).
type Cluster struct {
	t     *testing.T
	Reg   *transport.Registry
	Clock *clock.Mock
	Nodes []*kademlia.Node

	basePort uint16
	nextID   int
}

// New builds an empty cluster. Use Spawn / SpawnNetwork to populate it.
func New(t *testing.T, basePort uint16) *Cluster {
	t.Helper()
	return &Cluster{
		t:        t,
		Reg:      transport.NewRegistry(),
		Clock:    clock.NewMock(),
		basePort: basePort,
	}
}

// Spawn joins a new node against the given bootstrap contacts (nil or
// empty makes it the network's first node). k defaults to
// kademlia.DefaultBucketSize if 0.
func (c *Cluster) Spawn(bootstrap []kademlia.Contact, k int) *kademlia.Node {
	c.t.Helper()
	cfg := kademlia.DefaultNodeConfig()
	cfg.ListenIP = "127.0.0.1"
	cfg.ListenPort = c.basePort + uint16(c.nextID)
	c.nextID++
	if k > 0 {
		cfg.K = k
	}

	n, err := kademlia.NewNode(cfg, nil, nil)
	require.NoError(c.t, err)
	n.WithMemoryRegistry(c.Reg)
	n.WithClock(c.Clock)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(c.t, n.Join(ctx, bootstrap), "node %d join", c.nextID-1)

	c.Nodes = append(c.Nodes, n)
	c.t.Cleanup(func() { _ = n.Leave() })
	return n
}

// SpawnNetwork builds n nodes: the first with an empty bootstrap list, and
// every subsequent one bootstrapped against the first, matching how a real
// deployment grows from a seed node (spec §4.9).
func (c *Cluster) SpawnNetwork(n int, k int) []*kademlia.Node {
	c.t.Helper()
	if n <= 0 {
		c.t.Fatalf("SpawnNetwork: n must be > 0, got %d", n)
	}
	first := c.Spawn(nil, k)
	for i := 1; i < n; i++ {
		c.Spawn([]kademlia.Contact{first.Self()}, k)
	}
	return c.Nodes
}

// Advance moves the mock clock forward by d, letting scheduled Scheduler
// tasks (refresh, republish, expire sweeps) fire.
func (c *Cluster) Advance(d time.Duration) {
	c.Clock.Add(d)
}

// Describe renders a one-line summary of every node's id and NAT type,
// useful for failure output in scenario tests.
func (c *Cluster) Describe() string {
	out := ""
	for i, n := range c.Nodes {
		out += fmt.Sprintf("node[%d]=%s nat=%s joined=%v\n", i, n.Self().ID, n.NatType(), n.Joined())
	}
	return out
}
