// Package kademlia implements a 512-bit Kademlia distributed hash table:
// XOR-distance routing with bucket splitting, iterative FIND_NODE /
// FIND_VALUE / STORE lookups, TTL-based value storage with republish and
// refresh semantics, and NAT-type inference during bootstrap.
//
// The package is organized around five collaborators a Node wires
// together: RoutingTable (who we know), DataStore (what we hold),
// Scheduler (when maintenance runs), RpcLayer (how requests correlate to
// responses over an abstract transport.Transport), and LookupEngine (the
// iterative algorithms themselves). Service implements the eight
// server-side RPC handlers against those collaborators.
package kademlia
