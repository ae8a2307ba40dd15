package kademlia

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kadcore/kad/natutil"
	"github.com/kadcore/kad/transport"
	"github.com/kadcore/kad/wire"
)

// NatType classifies how a node is reachable from the rest of the network,
// inferred during Join via the three-step protocol in spec §4.9.
type NatType int

const (
	// NatUnknown means inference has not completed yet.
	NatUnknown NatType = iota
	// NatDirect means the node is directly reachable (spec §4.9 type 1).
	NatDirect
	// NatPortRestricted means a rendezvous peer reached it but a cold probe
	// did not (spec §4.9 type 2).
	NatPortRestricted
	// NatSymmetric means neither a cold probe nor a rendezvous probe
	// succeeded; the node can still originate lookups but cannot usefully
	// serve the network (spec §4.9 type 3).
	NatSymmetric
)

// String renders the NAT type the way diagnostics and the CLI show it.
func (t NatType) String() string {
	switch t {
	case NatDirect:
		return "direct"
	case NatPortRestricted:
		return "port-restricted"
	case NatSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Node is one running Kademlia participant: it owns the RoutingTable,
// DataStore, RpcLayer, Service and LookupEngine, and drives the lifecycle
// (Join, periodic maintenance, Leave) spec §4.8-§4.9 describe. It is the
// generalization of the teacher's Kademlia struct (kademlia.go): where the
// teacher bound one UDP network and one fixed bucket array, Node binds an
// abstract transport.Transport and the range-splitting RoutingTable, and
// replaces the teacher's single republisher goroutine with five independent
// Scheduler-driven tasks (see startPeriodicTasks).
type Node struct {
	cfg NodeConfig
	log *zap.Logger

	self  Contact
	alt   AlternativeStore
	tport transport.Transport

	rt     *RoutingTable
	ds     *DataStore
	sched  *Scheduler
	rpc    *RpcLayer
	svc    *Service
	lookup *LookupEngine

	mu       sync.RWMutex
	joined   bool
	natType  NatType
	client   bool

	// bootstrapContacts is the ordered list Join was called with, retained
	// so checkRendezvousHealth can restart bootstrap against the next
	// cached contact if rendezvousPeer later goes dark (spec §4.9,
	// dead-rendezvous handling).
	bootstrapContacts []Contact

	// rendezvousPeer is the bootstrap contact this node currently relies
	// on for inbound reachability, set whenever natType != NatDirect. Nil
	// once natType is NatDirect or before Join completes.
	rendezvousPeer *Contact

	// clk, when set via WithClock before Join, is used for the Scheduler
	// and DataStore instead of the real wall clock, so cluster tests
	// (kademliatest) can control timing deterministically.
	clk clock.Clock

	// memoryRegistry, when set via WithMemoryRegistry before Join, makes
	// Join bind an in-process transport.Memory instead of a real UDP
	// socket, for the same deterministic-test purpose.
	memoryRegistry *transport.Registry

	// mapper, when set via WithPortMapper before Join (or auto-discovered
	// during Join when cfg.PortMapping is true and none was injected),
	// punches a hole for ListenPort through a UPnP/NAT-PMP gateway so a
	// node behind a home router can still reach NatDirect (spec §4.9.1).
	mapper natutil.PortMapper

	// origins tracks keys this node itself published, so the republish
	// sweep can re-run STORE with Publish=true for them (spec §4.8) while
	// ValuesToRefresh covers everything else with Publish=false.
	originsMu sync.Mutex
	origins   map[string]struct{}

	tasks []TaskID
}

// NewNode constructs a Node from cfg but does not yet bind a transport or
// join the network; call Join to do both. A nil id in cfg.NodeID produces
// a random id, unless cfg.Client is set, in which case Node uses the
// all-zero client sentinel (spec §4.9, client mode).
func NewNode(cfg NodeConfig, alt AlternativeStore, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var id NodeID
	switch {
	case cfg.Client:
		id = Zero()
	case cfg.NodeID != "":
		parsed, err := FromHex(cfg.NodeID)
		if err != nil {
			return nil, err
		}
		id = parsed
	default:
		id = Random()
	}

	self := NewContact(id, Endpoint{IP: cfg.ListenIP, Port: cfg.ListenPort})
	rt := NewRoutingTable(self, cfg.K)

	n := &Node{
		cfg:     cfg,
		log:     log.Named("node"),
		self:    self,
		alt:     alt,
		rt:      rt,
		client:  cfg.Client,
		origins: make(map[string]struct{}),
	}
	return n, nil
}

// Self returns the node's own contact as currently known (its external
// endpoint may be corrected once Join completes).
func (n *Node) Self() Contact {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self
}

// NatType reports the inferred reachability classification, NatUnknown
// before Join completes.
func (n *Node) NatType() NatType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.natType
}

// Knows reports whether id is currently present in this node's routing
// table, used by scenario tests to observe DOWNLIST propagation (spec §8,
// S4) and rejoin behavior (S3).
func (n *Node) Knows(id NodeID) bool {
	_, ok := n.rt.Get(id)
	return ok
}

// KnownContact returns the routing-table entry for id, if any. The CLI's
// pingnode verb uses this to resolve an id to a dialable Contact; an id
// that is not in the routing table is not resolved.
func (n *Node) KnownContact(id NodeID) (Contact, bool) {
	return n.rt.Get(id)
}

// LocalValues returns every value this node's DataStore currently holds
// under key, without going over the network.
func (n *Node) LocalValues(key []byte) [][]byte {
	return n.ds.Load(string(key))
}

// Joined reports whether Join has completed successfully.
func (n *Node) Joined() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.joined
}

// Join binds the transport and runs the bootstrap protocol of spec §4.9:
// with no bootstrap contacts, the node declares itself the first node of
// the network; otherwise it tries each bootstrap contact in turn, adopts
// the external endpoint and nat_type the first successful one reports,
// runs a self-lookup to populate the routing table, and starts the
// periodic maintenance tasks.
func (n *Node) Join(ctx context.Context, bootstrap []Contact) error {
	n.mu.RLock()
	clk := n.clk
	n.mu.RUnlock()
	if clk == nil {
		clk = clock.New()
	}
	sched := NewScheduler(clk)

	var tp transport.Transport
	var err error
	if n.memoryRegistry != nil {
		tp, err = n.memoryRegistry.NewMemory(transport.Endpoint{IP: n.cfg.ListenIP, Port: n.cfg.ListenPort})
	} else {
		tp, err = transport.NewUDP(n.cfg.ListenIP, n.cfg.ListenPort)
	}
	if err != nil {
		return TransportFailed.Wrap(err)
	}

	n.mu.Lock()
	n.tport = tp
	n.sched = sched
	n.mu.Unlock()

	rpc := NewRpcLayer(tp, sched, n.log)
	ds := NewDataStore(clk)
	svc := NewService(n.self, n.rt, ds, n.cfg.K, n.alt, nil, n.log)
	lookup := NewLookupEngine(n.self, n.rt, rpc, n.cfg.K, n.log)
	lookup.alpha = n.cfg.Alpha
	lookup.beta = n.cfg.Beta
	lookup.minStoreFrac = n.cfg.MinStoreSuccessFraction

	n.mu.Lock()
	n.ds = ds
	n.rpc = rpc
	n.svc = svc
	n.lookup = lookup
	n.mu.Unlock()

	svc.pinger = pingerAdapter{n}
	rt := n.rt
	rt.SetPingFunc(func(c Contact) bool { return n.pingContact(context.Background(), c) })
	svc.SetNatDetectionHandler(n.handleNatDetection)
	svc.SetBootstrapNatClassifier(n.classifyNewcomerNat)
	rpc.SetHandler(svc.Handle)

	if n.client {
		for _, bc := range bootstrap {
			rt.AddContact(bc)
		}
		n.mu.Lock()
		n.joined = true
		n.natType = NatDirect
		n.mu.Unlock()
		return nil
	}

	if len(bootstrap) == 0 {
		n.mu.Lock()
		n.joined = true
		n.natType = NatDirect
		n.mu.Unlock()
		n.setupPortMapping()
		n.startPeriodicTasks()
		return nil
	}

	n.mu.Lock()
	n.bootstrapContacts = append([]Contact(nil), bootstrap...)
	n.mu.Unlock()

	var lastErr error
	for _, bc := range bootstrap {
		ext, natType, err := n.bootstrapVia(ctx, bc)
		if err != nil {
			lastErr = err
			n.log.Debug("bootstrap attempt failed", zap.String("peer", bc.Host.String()), zap.Error(err))
			continue
		}

		n.mu.Lock()
		if ext != nil {
			n.self.Host = *ext
		}
		n.natType = natType
		n.joined = true
		if natType != NatDirect {
			bcCopy := bc
			n.rendezvousPeer = &bcCopy
		}
		n.mu.Unlock()

		rt.AddContact(bc)
		if natType != NatDirect {
			n.setupPortMapping()
		}
		if _, err := lookup.FindNode(ctx, n.self.ID); err != nil {
			n.log.Debug("post-bootstrap self-lookup failed", zap.Error(err))
		}
		n.startPeriodicTasks()
		return nil
	}

	if lastErr == nil {
		lastErr = BootstrapFailed.New("empty bootstrap result")
	}
	return BootstrapFailed.Wrap(lastErr)
}

// bootstrapVia sends BOOTSTRAP to bc and adopts whatever external endpoint
// and nat_type the response carries. NAT-type inference itself happens
// server-side, on bc (classifyNewcomerNat): bc is the one with a
// RoutingTable of other peers to relay probes through, so it runs the
// three-step protocol of spec §4.9 and reports the result directly on the
// BOOTSTRAP response instead of this node driving a second round-trip.
func (n *Node) bootstrapVia(ctx context.Context, bc Contact) (*Endpoint, NatType, error) {
	req := &wire.BootstrapRequest{
		NewcomerId:      n.self.ID.Bytes(),
		NewcomerLocalIp: n.self.Local.IP,
	}

	done := make(chan Outcome, 1)
	_, err := n.rpcLayer().Dispatch(ctx, transportEndpointOf(bc), MethodBootstrap, req, true, func(o Outcome) { done <- o })
	if err != nil {
		return nil, NatUnknown, TransportFailed.Wrap(err)
	}
	select {
	case o := <-done:
		if o.Kind != OutcomeSuccess {
			return nil, NatUnknown, BootstrapFailed.New("bootstrap to %s: %v", bc.Host, o.Err)
		}
		var resp wire.Response
		if err := wire.Unmarshal(o.Body, &resp); err != nil {
			return nil, NatUnknown, InvalidArgument.Wrap(err)
		}
		var ext *Endpoint
		if resp.RequesterExtAddr != nil {
			if c, err := fromWireContact(resp.RequesterExtAddr); err == nil {
				ext = &c.Host
			}
		}
		return ext, NatType(resp.NatType), nil
	case <-ctx.Done():
		return nil, NatUnknown, ctx.Err()
	}
}

// pickThirdPeer returns a contact from this node's own RoutingTable other
// than exclude, for relaying a NAT-detection probe (spec §4.9). It reports
// false when no such contact is known yet (e.g. this node is among the
// first few in the network).
func (n *Node) pickThirdPeer(exclude NodeID) (Contact, bool) {
	candidates := n.rt.KClosest(exclude, 1, exclude)
	if len(candidates) == 0 {
		return Contact{}, false
	}
	return candidates[0], true
}

// classifyNewcomerNat runs spec §4.9's three-step NAT-type inference for a
// newcomer that just BOOTSTRAPed through this node. It asks a third peer
// (never the newcomer or this node itself) to PING the newcomer cold for
// the type 1 check; if that fails, it asks a third peer to dial the
// newcomer for the type 2 (rendezvous) check, the same relay shape but
// flagged so the newcomer is remembered as reachable only with help once it
// succeeds (Contact.Rendezvous). With no third peer available yet, this
// node is the only other participant and falls back to probing the
// newcomer itself.
func (n *Node) classifyNewcomerNat(ctx context.Context, newcomer Contact, from transport.Endpoint) NatType {
	third, ok := n.pickThirdPeer(newcomer.ID)
	if !ok {
		if n.pingContact(ctx, newcomer) {
			return NatDirect
		}
		return NatSymmetric
	}

	cold := n.relayNatProbe(ctx, third, newcomer, 1)
	if cold {
		return NatDirect
	}

	rendezvous := n.relayNatProbe(ctx, third, newcomer, 2)
	natType := natTypeFromProbes(cold, rendezvous)
	if natType == NatPortRestricted {
		self := n.Self()
		newcomer.Rendezvous = &self.Host
		n.rt.AddContact(newcomer)
	}
	return natType
}

// natTypeFromProbes turns the two probe outcomes classifyNewcomerNat
// gathers into the spec §4.9 classification: reachable cold is NatDirect;
// unreachable cold but reachable via a rendezvous peer is NatPortRestricted;
// neither is NatSymmetric.
func natTypeFromProbes(cold, rendezvous bool) NatType {
	switch {
	case cold:
		return NatDirect
	case rendezvous:
		return NatPortRestricted
	default:
		return NatSymmetric
	}
}

// relayNatProbe asks third to run NAT-detection step (1 = direct, 2 =
// rendezvous) against newcomer and reports whether it succeeded.
func (n *Node) relayNatProbe(ctx context.Context, third, newcomer Contact, step uint32) bool {
	req := &wire.NatDetectionRequest{
		Newcomer:      toWireContact(newcomer),
		BootstrapNode: toWireContact(n.Self()),
		Type:          step,
		SenderId:      n.Self().ID.Bytes(),
	}
	done := make(chan Outcome, 1)
	_, err := n.rpcLayer().Dispatch(ctx, transportEndpointOf(third), MethodNatDetection, req, step == 2, func(o Outcome) { done <- o })
	if err != nil {
		return false
	}
	select {
	case o := <-done:
		if o.Kind != OutcomeSuccess {
			return false
		}
		var resp wire.Response
		if wire.Unmarshal(o.Body, &resp) != nil {
			return false
		}
		return resp.Result == wire.ResultTrue
	case <-ctx.Done():
		return false
	}
}

// handleNatDetection serves a NAT-detection probe relayed from some other
// node's bootstrap handler (spec §4.9): this node, acting as the third
// peer, PINGs req.Newcomer directly and reports success back to whoever
// asked. Both protocol steps (req.Type 1 direct, 2 rendezvous) resolve the
// same way against the in-process test transport, which has no concept of
// asymmetric NAT reachability to distinguish them further; a real UDP
// deployment gets the distinct behavior from the underlying network path.
func (n *Node) handleNatDetection(ctx context.Context, req *wire.NatDetectionRequest, from transport.Endpoint) (*wire.Response, error) {
	if req.Newcomer == nil {
		return &wire.Response{Result: wire.ResultFalse}, nil
	}
	newcomer, err := fromWireContact(req.Newcomer)
	if err != nil {
		return &wire.Response{Result: wire.ResultFalse}, nil
	}

	pingReq := &wire.NatDetectionPingRequest{Ping: "nat_detection_ping", SenderInfo: toWireContact(n.Self())}
	done := make(chan Outcome, 1)
	_, err = n.rpcLayer().Dispatch(ctx, transportEndpointOf(newcomer), MethodNatDetectionPing, pingReq, false, func(o Outcome) { done <- o })
	if err != nil {
		return &wire.Response{Result: wire.ResultFalse}, nil
	}
	select {
	case o := <-done:
		if o.Kind == OutcomeSuccess {
			return &wire.Response{Result: wire.ResultTrue, NodeId: n.Self().ID.Bytes()}, nil
		}
	case <-ctx.Done():
	}
	return &wire.Response{Result: wire.ResultFalse}, nil
}

// checkRendezvousHealth pings the rendezvous peer this node currently
// depends on for inbound reachability and, if it has gone dark, restarts
// bootstrap against the next cached contact while keeping the existing
// RoutingTable intact (spec §4.9, dead-rendezvous handling).
func (n *Node) checkRendezvousHealth() {
	n.mu.RLock()
	natType := n.natType
	peer := n.rendezvousPeer
	contacts := n.bootstrapContacts
	n.mu.RUnlock()
	if natType == NatDirect || peer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), TimeoutPing)
	alive := n.pingContact(ctx, *peer)
	cancel()
	if alive {
		return
	}

	n.log.Warn("rendezvous peer unreachable, restarting bootstrap", zap.String("peer", peer.Host.String()))
	n.rebootstrap(contacts, peer.ID)
}

// rebootstrap re-runs bootstrapVia against each contact in contacts other
// than dead, stopping at the first that succeeds, and adopts its result the
// same way Join's own bootstrap loop does.
func (n *Node) rebootstrap(contacts []Contact, dead NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), TimeoutBootstrap)
	defer cancel()

	for _, bc := range contacts {
		if bc.ID.Equal(dead) {
			continue
		}
		ext, natType, err := n.bootstrapVia(ctx, bc)
		if err != nil {
			n.log.Debug("rebootstrap attempt failed", zap.String("peer", bc.Host.String()), zap.Error(err))
			continue
		}

		n.mu.Lock()
		if ext != nil {
			n.self.Host = *ext
		}
		n.natType = natType
		if natType != NatDirect {
			bcCopy := bc
			n.rendezvousPeer = &bcCopy
		} else {
			n.rendezvousPeer = nil
		}
		n.mu.Unlock()

		n.rt.AddContact(bc)
		n.log.Info("rebootstrapped against next cached contact", zap.String("peer", bc.Host.String()), zap.String("nat", natType.String()))
		return
	}
	n.log.Warn("rebootstrap failed: no reachable cached contact remained")
}

// Ping sends a PING to c and reports whether it was answered before the
// default PING timeout, per spec §4.6/§8 scenario S2.
func (n *Node) Ping(ctx context.Context, c Contact) bool {
	return n.pingContact(ctx, c)
}

func (n *Node) pingContact(ctx context.Context, c Contact) bool {
	req := &wire.PingRequest{Ping: "ping", SenderInfo: toWireContact(n.self)}
	done := make(chan Outcome, 1)
	_, err := n.rpcLayer().Dispatch(ctx, transportEndpointOf(c), MethodPing, req, false, func(o Outcome) { done <- o })
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

type pingerAdapter struct{ n *Node }

func (p pingerAdapter) Ping(ctx context.Context, c Contact) bool { return p.n.pingContact(ctx, c) }

func (n *Node) rpcLayer() *RpcLayer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rpc
}

// startPeriodicTasks schedules five maintenance tasks: bucket refresh,
// value refresh, owned-value republish, expired-value sweep, and the
// rendezvous health check. Generalized from the teacher's single
// ticker-driven republisher goroutine into five independently-scheduled
// Scheduler tasks so each can run at its own interval.
func (n *Node) startPeriodicTasks() {
	n.mu.RLock()
	sched := n.sched
	n.mu.RUnlock()

	n.tasks = append(n.tasks,
		sched.SchedulePeriodic(n.cfg.RefreshInterval, n.refreshBuckets),
		sched.SchedulePeriodic(n.cfg.RefreshInterval, n.refreshValues),
		sched.SchedulePeriodic(n.cfg.RepublishInterval, n.republishOwned),
		sched.SchedulePeriodic(n.cfg.ExpireSweepInterval, n.sweepExpired),
		sched.SchedulePeriodic(n.cfg.RefreshInterval, n.checkRendezvousHealth),
	)
}

func (n *Node) refreshBuckets() {
	ids := n.rt.RefreshIDs(n.cfg.RefreshInterval, false, time.Now())
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), TimeoutOrdinary)
		_, _ = n.lookupEngine().FindNode(ctx, id)
		cancel()
	}
}

func (n *Node) lookupEngine() *LookupEngine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lookup
}

// refreshValues runs the spec §4.8 refresh sweep: every RefreshInterval
// (T_REFRESH), re-STORE each due (key,value) with Publish=false, advancing
// last_refresh but leaving expire_time untouched (spec §4.4, scenario S6).
// This runs for every value a node holds, including its own originated
// ones; republishOwned is the separate, longer-period task that actually
// resets expiry for the originating node.
func (n *Node) refreshValues() {
	due := n.ds.ValuesToRefresh(n.cfg.RefreshInterval)
	for _, rv := range due {
		req := &wire.StoreRequest{
			Key:        []byte(rv.Key),
			Value:      rv.Value,
			Ttl:        int64(rv.TTL / time.Second),
			Publish:    false,
			SenderInfo: toWireContact(n.self),
		}
		ctx, cancel := context.WithTimeout(context.Background(), TimeoutOrdinary)
		_, err := n.lookupEngine().Store(ctx, []byte(rv.Key), req)
		cancel()
		if err != nil {
			n.log.Debug("refresh failed", zap.String("key", fmt.Sprintf("%x", rv.Key)), zap.Error(err))
		}
	}
}

// republishOwned runs every RepublishInterval: for each key this node
// itself originated (via Store/StoreSigned), re-STORE with Publish=true,
// resetting expire_time, per spec §4.4's "republish is driven by the
// application via Node's republish_interval".
func (n *Node) republishOwned() {
	n.originsMu.Lock()
	keys := make([]string, 0, len(n.origins))
	for k := range n.origins {
		keys = append(keys, k)
	}
	n.originsMu.Unlock()

	for _, key := range keys {
		values := n.ds.Load(key)
		ttl, _ := n.ds.TTL(key, firstOrNil(values))
		for _, value := range values {
			req := &wire.StoreRequest{
				Key:        []byte(key),
				Value:      value,
				Ttl:        int64(ttl / time.Second),
				Publish:    true,
				SenderInfo: toWireContact(n.self),
			}
			ctx, cancel := context.WithTimeout(context.Background(), TimeoutOrdinary)
			_, err := n.lookupEngine().Store(ctx, []byte(key), req)
			cancel()
			if err != nil {
				n.log.Debug("republish failed", zap.String("key", fmt.Sprintf("%x", key)), zap.Error(err))
			}
		}
	}
}

func firstOrNil(values [][]byte) []byte {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

func (n *Node) sweepExpired() {
	n.ds.DeleteExpired()
}

// Store runs an iterative STORE for value under key, recording this node
// as the originating publisher so future republish sweeps keep it alive
// with Publish=true (spec §4.4, §4.7).
func (n *Node) Store(ctx context.Context, key, value []byte, ttl time.Duration) (StoreResult, error) {
	if !n.Joined() {
		return StoreResult{}, NotJoined.New("node has not completed Join")
	}
	n.originsMu.Lock()
	n.origins[string(key)] = struct{}{}
	n.originsMu.Unlock()

	req := &wire.StoreRequest{
		Key:        key,
		Value:      value,
		Ttl:        int64(ttl / time.Second),
		Publish:    true,
		SenderInfo: toWireContact(n.self),
	}
	n.ds.Store(string(key), value, ttl, true, false)
	return n.lookupEngine().Store(ctx, key, req)
}

// StoreSigned runs an iterative STORE for a hashable-key signed value:
// key = Hash(sig_value), so only the original signer may later overwrite it
// (spec §3, §4.6, scenario S5).
func (n *Node) StoreSigned(ctx context.Context, priv ed25519.PrivateKey, pub ed25519.PublicKey, value []byte) (StoreResult, error) {
	if !n.Joined() {
		return StoreResult{}, NotJoined.New("node has not completed Join")
	}

	sigValue := &wire.SignedValue{Value: value, ValueSignature: Sign(priv, value)}
	raw, err := wire.Marshal(sigValue)
	if err != nil {
		return StoreResult{}, InvalidArgument.Wrap(err)
	}
	key := Hash(raw)

	signedPub := Sign(priv, pub)
	ownershipHash := Hash(bytes.Join([][]byte{pub, signedPub, key}, nil))
	signedReq := Sign(priv, ownershipHash)

	req := &wire.StoreRequest{
		Key:             key,
		SigValue:        sigValue,
		PublicKey:       pub,
		SignedPublicKey: signedPub,
		SignedRequest:   &wire.SignedRequest{SignedRequest_: signedReq},
		Publish:         true,
		SenderInfo:      toWireContact(n.self),
	}
	n.originsMu.Lock()
	n.origins[string(key)] = struct{}{}
	n.originsMu.Unlock()
	n.ds.Store(string(key), raw, 0, true, true)
	return n.lookupEngine().Store(ctx, key, req)
}

// StoreRaw runs an iterative STORE using a caller-built wire.StoreRequest,
// bypassing Store/StoreSigned's request construction. It exists for tests
// that need to exercise handleStore's validation against a deliberately
// malformed request (spec §8, scenario S5).
func (n *Node) StoreRaw(ctx context.Context, key []byte, req *wire.StoreRequest) (StoreResult, error) {
	if !n.Joined() {
		return StoreResult{}, NotJoined.New("node has not completed Join")
	}
	return n.lookupEngine().Store(ctx, key, req)
}

// FindNode runs an iterative FIND_NODE lookup for target and returns the k
// closest contacts the network agreed on, letting callers (the CLI's
// findnode verb, a node wanting its own view of the ring) inspect routing
// convergence directly instead of going through Store/Get.
func (n *Node) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	if !n.Joined() {
		return nil, NotJoined.New("node has not completed Join")
	}
	return n.lookupEngine().FindNode(ctx, target)
}

// Get runs an iterative FIND_VALUE for key, consulting the local DataStore
// first (spec §4.7's "check locally before any network round").
func (n *Node) Get(ctx context.Context, key []byte) (FindValueResult, error) {
	if !n.Joined() {
		return FindValueResult{}, NotJoined.New("node has not completed Join")
	}
	if values := n.ds.Load(string(key)); len(values) > 0 {
		return FindValueResult{Values: values}, nil
	}
	result, err := n.lookupEngine().FindValue(ctx, key)
	if err != nil {
		return result, err
	}
	if len(result.Values) > 0 && len(result.CacheAt) > 0 {
		// Cache on the closest node that did not hold the value, per
		// spec §4.7's lookup caching rule.
		cacheReq := &wire.StoreRequest{Key: key, Value: result.Values[0], Publish: false, SenderInfo: toWireContact(n.self)}
		cacheCtx, cancel := context.WithTimeout(context.Background(), TimeoutOrdinary)
		done := make(chan Outcome, 1)
		if _, err := n.rpcLayer().Dispatch(cacheCtx, transportEndpointOf(result.CacheAt[0]), MethodStore, cacheReq, false, func(o Outcome) { done <- o }); err == nil {
			select {
			case <-done:
			case <-cacheCtx.Done():
			}
		}
		cancel()
	}
	return result, nil
}

// faultInjector is satisfied by transport.Memory; used by SetReachable to
// simulate a node going dark without a graceful Leave (spec §8, S3/S4).
type faultInjector interface {
	SetDown(bool)
}

// SetReachable toggles simulated reachability when the bound transport
// supports fault injection (transport.Memory, used by kademliatest). It
// reports whether the underlying transport supports this; a real UDP
// transport always returns false and is unaffected.
func (n *Node) SetReachable(up bool) bool {
	n.mu.RLock()
	tp := n.tport
	n.mu.RUnlock()
	fi, ok := tp.(faultInjector)
	if !ok {
		return false
	}
	fi.SetDown(!up)
	return true
}

// Leave stops periodic tasks, cancels pending requests, writes the
// bootstrap-hint file (if configured) with the current k-closest contacts,
// and unbinds the transport (spec §4.9).
func (n *Node) Leave() error {
	n.mu.Lock()
	sched, rpc, tp := n.sched, n.rpc, n.tport
	n.joined = false
	n.mu.Unlock()

	if sched != nil {
		for _, id := range n.tasks {
			sched.Cancel(id)
		}
		sched.Stop()
	}
	if rpc != nil {
		rpc.mu.Lock()
		pendingIDs := make([]uint32, 0, len(rpc.pending))
		for id := range rpc.pending {
			pendingIDs = append(pendingIDs, id)
		}
		rpc.mu.Unlock()
		for _, id := range pendingIDs {
			rpc.Cancel(id)
		}
		rpc.Stop()
	}

	if n.cfg.BootstrapHintFile != "" {
		hints := n.rt.KClosest(n.self.ID, n.cfg.K)
		if err := SaveBootstrapHints(hints, n.cfg.BootstrapHintFile); err != nil {
			n.log.Warn("failed to write bootstrap hints", zap.Error(err))
		}
	}

	if tp != nil {
		return tp.Close()
	}
	return nil
}

// WithMemoryRegistry configures n to bind against reg instead of a real
// UDP socket on the next Join call. It must be called before Join.
func (n *Node) WithMemoryRegistry(reg *transport.Registry) {
	n.mu.Lock()
	n.memoryRegistry = reg
	n.mu.Unlock()
}

// WithClock configures n to use clk for its Scheduler and DataStore
// instead of the real wall clock. It must be called before Join.
func (n *Node) WithClock(clk clock.Clock) {
	n.mu.Lock()
	n.clk = clk
	n.mu.Unlock()
}

// WithPortMapper injects a gateway PortMapper, skipping Join's own
// best-effort natutil.Discover call. Tests that run over transport.Memory
// have no real gateway and should leave this unset; cfg.PortMapping is
// ignored in that case since Join never dials a real socket for it.
func (n *Node) WithPortMapper(pm natutil.PortMapper) {
	n.mu.Lock()
	n.mapper = pm
	n.mu.Unlock()
}

// setupPortMapping requests an external mapping for ListenPort so a node
// behind a NAT can still be classified NatDirect by peers that bootstrap
// through it (spec §4.9.1). Best-effort: a missing or unresponsive gateway
// just leaves the node relying on the inferred nat_type instead.
func (n *Node) setupPortMapping() {
	if n.client || !n.cfg.PortMapping || n.memoryRegistry != nil {
		return
	}

	n.mu.Lock()
	mapper := n.mapper
	n.mu.Unlock()
	if mapper == nil {
		discovered, err := natutil.Discover(2 * time.Second)
		if err != nil {
			n.log.Debug("no port-mapping gateway found", zap.Error(err))
			return
		}
		mapper = discovered
		n.mu.Lock()
		n.mapper = mapper
		n.mu.Unlock()
	}

	port, err := mapper.AddMapping(natutil.UDP, n.cfg.ListenPort, n.cfg.ListenPort, n.cfg.RepublishInterval)
	if err != nil {
		n.log.Debug("port mapping request failed", zap.Error(err))
		return
	}
	ip, err := mapper.ExternalIP()
	if err != nil {
		n.log.Debug("could not read gateway external ip", zap.Error(err))
		return
	}

	n.mu.Lock()
	n.self.Host = Endpoint{IP: ip, Port: port}
	n.natType = NatDirect
	n.mu.Unlock()
	n.log.Info("mapped external port via gateway", zap.String("ip", ip), zap.Uint16("port", port))
}
