package kademlia

import (
	"bytes"
	"context"
	"time"

	proto "github.com/golang/protobuf/proto"
	"go.uber.org/zap"

	"github.com/kadcore/kad/transport"
	"github.com/kadcore/kad/wire"
)

// AlternativeStore is the polymorphic value-holder capability spec §4.6's
// FIND_VALUE handler checks before consulting the local DataStore: a
// caller-supplied store backing large values (e.g. files) out-of-band.
type AlternativeStore interface {
	Has(key string) bool
}

// Pinger probes whether a contact is still alive, used by the DOWNLIST
// handler's background liveness checks (spec §4.6). Node supplies this via
// the RpcLayer's PING dispatch.
type Pinger interface {
	Ping(ctx context.Context, c Contact) bool
}

// Service implements the eight server-side RPC handlers (spec §4.6): the
// common preamble updates the RoutingTable with the sender's contact, then
// dispatches by method to DataStore / RoutingTable / AlternativeStore.
type Service struct {
	self Contact
	rt   *RoutingTable
	ds   *DataStore
	alt  AlternativeStore
	pinger Pinger
	log  *zap.Logger

	k int

	// natDetection, when set, serves a NAT_DETECTION request relayed from
	// some other node's bootstrap handler, by probing the named newcomer
	// (spec §4.9). It is owned by Node because it needs the RpcLayer to
	// dial out, which Service does not have.
	natDetection func(ctx context.Context, req *wire.NatDetectionRequest, from transport.Endpoint) (*wire.Response, error)

	// natClassifier, when set, runs spec §4.9's NAT-type inference for a
	// newcomer that just BOOTSTRAPed through this node: it asks a third
	// peer from this node's own RoutingTable to probe the newcomer and
	// returns the resulting classification, included as nat_type on the
	// BOOTSTRAP response. Owned by Node for the same reason as natDetection.
	natClassifier func(ctx context.Context, newcomer Contact, from transport.Endpoint) NatType
}

// NewService builds a Service bound to the given state. alt and pinger may
// be nil.
func NewService(self Contact, rt *RoutingTable, ds *DataStore, k int, alt AlternativeStore, pinger Pinger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{self: self, rt: rt, ds: ds, alt: alt, pinger: pinger, k: k, log: log.Named("service")}
}

// SetNatDetectionHandler installs Node's NAT_DETECTION orchestration.
func (s *Service) SetNatDetectionHandler(f func(ctx context.Context, req *wire.NatDetectionRequest, from transport.Endpoint) (*wire.Response, error)) {
	s.natDetection = f
}

// SetBootstrapNatClassifier installs Node's third-peer NAT-type inference,
// run against every newcomer this node accepts via BOOTSTRAP.
func (s *Service) SetBootstrapNatClassifier(f func(ctx context.Context, newcomer Contact, from transport.Endpoint) NatType) {
	s.natClassifier = f
}

// Handle is the ServerHandler entry point wired into RpcLayer.
func (s *Service) Handle(ctx context.Context, method string, body []byte, from transport.Endpoint) ([]byte, error) {
	switch method {
	case MethodPing:
		return s.handlePing(body, from)
	case MethodFindNode:
		return s.handleFindNode(body, from)
	case MethodFindValue:
		return s.handleFindValue(body, from)
	case MethodStore:
		return s.handleStore(body, from)
	case MethodDownlist:
		return s.handleDownlist(ctx, body, from)
	case MethodBootstrap:
		return s.handleBootstrap(ctx, body, from)
	case MethodNatDetection:
		return s.handleNatDetection(ctx, body, from)
	case MethodNatDetectionPing:
		return s.handleNatDetectionPing(body, from)
	default:
		return wire.Marshal(&wire.Response{Result: wire.ResultFalse})
	}
}

// touch runs the common preamble: learn the sender's contact.
func (s *Service) touch(info *wire.ContactInfo, observed transport.Endpoint) {
	if info == nil {
		return
	}
	c, err := fromWireContact(info)
	if err != nil {
		return
	}
	if c.ID.Equal(Zero()) {
		return // client-mode sentinel id: never entered into a peer's routing table (spec §4.9)
	}
	if c.Host.IP == "" {
		c.Host = Endpoint{IP: observed.IP, Port: observed.Port}
	}
	s.rt.AddContact(c)
}

func (s *Service) handlePing(body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.PingRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	s.touch(req.SenderInfo, from)

	if req.Ping != "ping" {
		return wire.Marshal(&wire.Response{Result: wire.ResultFalse, NodeId: s.self.ID.Bytes()})
	}
	return wire.Marshal(&wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes()})
}

func (s *Service) handleFindNode(body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.FindRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	s.touch(req.SenderInfo, from)

	target, err := FromSlice(req.Key)
	if err != nil {
		return nil, err
	}

	var exclude []NodeID
	if req.SenderInfo != nil {
		if senderID, err := FromSlice(req.SenderInfo.NodeId); err == nil {
			exclude = append(exclude, senderID)
		}
	}

	closest := s.rt.KClosest(target, s.k, exclude...)
	resp := &wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes()}
	for _, c := range closest {
		resp.ClosestNodes = append(resp.ClosestNodes, toWireContact(c))
	}
	return wire.Marshal(resp)
}

func (s *Service) handleFindValue(body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.FindRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	s.touch(req.SenderInfo, from)

	key := string(req.Key)

	if s.alt != nil && s.alt.Has(key) {
		return wire.Marshal(&wire.Response{
			Result:                 wire.ResultTrue,
			NodeId:                 s.self.ID.Bytes(),
			AlternativeValueHolder: toWireContact(s.self),
		})
	}

	if values := s.ds.Load(key); len(values) > 0 {
		return wire.Marshal(&wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes(), Values: values})
	}

	target, err := FromSlice(req.Key)
	if err != nil {
		// Not a valid 512-bit id but also not locally held: treat as a
		// miss and still return closest nodes to a hash of the key so a
		// lookup can continue.
		target, _ = FromSlice(Hash([]byte(key)))
	}
	closest := s.rt.KClosest(target, s.k)
	resp := &wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes()}
	for _, c := range closest {
		resp.ClosestNodes = append(resp.ClosestNodes, toWireContact(c))
	}
	return wire.Marshal(resp)
}

func (s *Service) handleStore(body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.StoreRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	s.touch(req.SenderInfo, from)

	if len(req.Key) == 0 {
		return nil, InvalidArgument.New("store: empty key")
	}
	if len(req.Value) == 0 && req.SigValue == nil {
		return nil, InvalidArgument.New("store: neither value nor sig_value set")
	}

	if req.PublicKey != nil {
		if req.SignedPublicKey == nil || !Verify(req.PublicKey, req.PublicKey, req.SignedPublicKey) {
			return nil, SignatureMismatch.New("signed_public_key invalid")
		}
		if req.SignedRequest == nil {
			return nil, SignatureMismatch.New("missing signed_request")
		}
		ownershipHash := Hash(bytes.Join([][]byte{req.PublicKey, req.SignedPublicKey, req.Key}, nil))
		if !Verify(req.PublicKey, ownershipHash, req.SignedRequest.SignedRequest_) {
			return nil, SignatureMismatch.New("signed_request invalid")
		}
	}

	var serialized []byte
	appendable := false
	if req.SigValue != nil {
		if req.PublicKey == nil || !Verify(req.PublicKey, req.SigValue.Value, req.SigValue.ValueSignature) {
			return nil, SignatureMismatch.New("sig_value signature invalid")
		}
		raw, err := wire.Marshal(req.SigValue)
		if err != nil {
			return nil, InvalidArgument.Wrap(err)
		}
		serialized = raw
		appendable = bytes.Equal(req.Key, Hash(raw))
	} else {
		serialized = req.Value
	}

	// A key that is the hash of either the incoming value or a value already
	// held under it is hashable: no differing value may be stored there.
	for _, existing := range s.ds.Load(string(req.Key)) {
		if !bytes.Equal(existing, serialized) && (appendable || bytes.Equal(req.Key, Hash(existing))) {
			return nil, SignatureMismatch.New("hashable key already owns a different value")
		}
	}

	ok := s.ds.Store(string(req.Key), serialized, time.Duration(req.Ttl)*time.Second, req.Publish, appendable)
	if !ok {
		return nil, InvalidArgument.New("store rejected")
	}
	return wire.Marshal(&wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes()})
}

func (s *Service) handleDownlist(ctx context.Context, body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.DownlistRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	s.touch(req.SenderInfo, from)

	for _, raw := range req.Downlist {
		id, err := FromSlice(raw)
		if err != nil {
			continue
		}
		contact, known := s.rt.Get(id)
		if !known {
			continue
		}
		go s.probeAndEvict(contact)
	}

	return wire.Marshal(&wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes()})
}

func (s *Service) probeAndEvict(c Contact) {
	if s.pinger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), TimeoutPing)
	defer cancel()
	if !s.pinger.Ping(ctx, c) {
		s.rt.Remove(c.ID, true)
	}
}

func (s *Service) handleBootstrap(ctx context.Context, body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.BootstrapRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}

	newcomerID, err := FromSlice(req.NewcomerId)
	if err != nil {
		return nil, err
	}
	newcomer := Contact{
		ID: newcomerID,
		Addr: Addr{
			Host:  Endpoint{IP: from.IP, Port: from.Port},
			Local: Endpoint{IP: req.NewcomerLocalIp, Port: uint16(req.NewcomerLocalPort)},
		},
	}
	s.rt.AddContact(newcomer)

	resp := &wire.Response{
		Result:           wire.ResultTrue,
		NodeId:           s.self.ID.Bytes(),
		RequesterExtAddr: toWireContact(NewContact(newcomerID, newcomer.Host)),
	}

	// NAT-type inference is orchestrated by Node (it needs a third peer
	// drawn from the RoutingTable and the RpcLayer to relay probes through
	// it, neither of which Service has); a bare Service with no classifier
	// installed (e.g. service_test.go) reports nat_type 0 (unknown).
	if s.natClassifier != nil {
		resp.NatType = uint32(s.natClassifier(ctx, newcomer, from))
	}
	return wire.Marshal(resp)
}

func (s *Service) handleNatDetection(ctx context.Context, body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.NatDetectionRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	if s.natDetection == nil {
		return wire.Marshal(&wire.Response{Result: wire.ResultFalse, NodeId: s.self.ID.Bytes()})
	}
	resp, err := s.natDetection(ctx, &req, from)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(resp)
}

func (s *Service) handleNatDetectionPing(body []byte, from transport.Endpoint) ([]byte, error) {
	var req wire.NatDetectionPingRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	if req.Ping != "nat_detection_ping" {
		return wire.Marshal(&wire.Response{Result: wire.ResultFalse})
	}
	return wire.Marshal(&wire.Response{Result: wire.ResultTrue, NodeId: s.self.ID.Bytes()})
}

var _ proto.Message = (*wire.Response)(nil)
