package kademlia

import "time"

// FailedRPCLimit is the number of consecutive failed RPCs after which a
// contact is considered stale and eligible for eviction (spec §3).
const FailedRPCLimit = 2

// Contact is a peer's identity plus the addresses needed to reach it.
// Equality between two contacts holds if either the ids match or the
// (HostIP, HostPort) pair matches, per spec §3.
type Contact struct {
	ID   NodeID
	Addr

	// Rendezvous is set only while a contact is being reached through a
	// third peer during NAT-type-2 detection (spec §4.9).
	Rendezvous *Endpoint

	LastSeen       time.Time
	FailedRPCCount uint16
}

// Addr bundles a contact's external and local endpoints.
type Addr struct {
	Host  Endpoint
	Local Endpoint
}

// Endpoint is an IP/port pair. It is kept distinct from net.UDPAddr so the
// core has no compile-time dependency on the concrete transport (spec §1:
// the transport is an external collaborator).
type Endpoint struct {
	IP   string
	Port uint16
}

// String renders "ip:port", empty if the IP is unset.
func (e Endpoint) String() string {
	if e.IP == "" {
		return ""
	}
	return e.IP + ":" + portString(e.Port)
}

func portString(p uint16) string {
	// Avoid strconv import churn across the few call sites; simple manual
	// base-10 conversion for a uint16 is cheap and allocation-free.
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

// NewContact builds a Contact for id reachable at host, with no local or
// rendezvous endpoint set.
func NewContact(id NodeID, host Endpoint) Contact {
	return Contact{ID: id, Addr: Addr{Host: host}}
}

// Equal implements the spec §3 equality rule: same id, OR same host
// endpoint.
func (c Contact) Equal(other Contact) bool {
	if c.ID.Equal(other.ID) {
		return true
	}
	return c.Host == other.Host
}

// Stale reports whether the contact has failed enough RPCs to be evicted
// outright (spec §3).
func (c Contact) Stale() bool {
	return c.FailedRPCCount >= FailedRPCLimit
}

// Distance returns the XOR distance from c to target.
func (c Contact) Distance(target NodeID) NodeID {
	return c.ID.Distance(target)
}
