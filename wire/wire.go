// Package wire defines the typed record schema exchanged between nodes:
// Contact headers, the seven RPC request/response shapes, and the
// bootstrap-hint config record, each satisfying the classic proto.Message
// interface (Reset/String/ProtoMessage) so they marshal through
// github.com/golang/protobuf/proto without a .proto/protoc step.
package wire

import (
	fmt "fmt"

	proto "github.com/golang/protobuf/proto"
)

// Contact mirrors kademlia.Contact on the wire: a node id plus the
// addresses needed to reach it, with optional rendezvous fields used only
// during NAT-type-2 detection (spec §3, §4.9).
type Contact struct {
	NodeId          []byte `protobuf:"bytes,1,opt,name=node_id,json=nodeId,proto3" json:"node_id,omitempty"`
	HostIp          string `protobuf:"bytes,2,opt,name=host_ip,json=hostIp,proto3" json:"host_ip,omitempty"`
	HostPort        uint32 `protobuf:"varint,3,opt,name=host_port,json=hostPort,proto3" json:"host_port,omitempty"`
	LocalIp         string `protobuf:"bytes,4,opt,name=local_ip,json=localIp,proto3" json:"local_ip,omitempty"`
	LocalPort       uint32 `protobuf:"varint,5,opt,name=local_port,json=localPort,proto3" json:"local_port,omitempty"`
	RendezvousIp    string `protobuf:"bytes,6,opt,name=rendezvous_ip,json=rendezvousIp,proto3" json:"rendezvous_ip,omitempty"`
	RendezvousPort  uint32 `protobuf:"varint,7,opt,name=rendezvous_port,json=rendezvousPort,proto3" json:"rendezvous_port,omitempty"`
}

func (m *Contact) Reset()         { *m = Contact{} }
func (m *Contact) String() string { return fmt.Sprintf("%+v", *m) }
func (*Contact) ProtoMessage()    {}

// ContactInfo is identical in shape to Contact; it is used as the sender
// header attached to every request (spec §6).
type ContactInfo = Contact

// SignedValue is a (payload, signature) pair, the shape of a signed STORE
// value (spec §3, §4.6).
type SignedValue struct {
	Value          []byte `protobuf:"bytes,1,opt,name=value,proto3" json:"value,omitempty"`
	ValueSignature []byte `protobuf:"bytes,2,opt,name=value_signature,json=valueSignature,proto3" json:"value_signature,omitempty"`
}

func (m *SignedValue) Reset()         { *m = SignedValue{} }
func (m *SignedValue) String() string { return fmt.Sprintf("%+v", *m) }
func (*SignedValue) ProtoMessage()    {}

// SignedRequest carries the public-key ownership proof required for a
// hashable-key STORE (spec §4.6).
type SignedRequest struct {
	PublicKey       []byte `protobuf:"bytes,1,opt,name=public_key,json=publicKey,proto3" json:"public_key,omitempty"`
	SignedPublicKey []byte `protobuf:"bytes,2,opt,name=signed_public_key,json=signedPublicKey,proto3" json:"signed_public_key,omitempty"`
	SignedRequest_  []byte `protobuf:"bytes,3,opt,name=signed_request,json=signedRequest,proto3" json:"signed_request,omitempty"`
}

func (m *SignedRequest) Reset()         { *m = SignedRequest{} }
func (m *SignedRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*SignedRequest) ProtoMessage()    {}

// PingRequest carries the literal "ping" body (spec §4.6).
type PingRequest struct {
	Ping       string      `protobuf:"bytes,1,opt,name=ping,proto3" json:"ping,omitempty"`
	SenderInfo *ContactInfo `protobuf:"bytes,2,opt,name=sender_info,json=senderInfo,proto3" json:"sender_info,omitempty"`
}

func (m *PingRequest) Reset()         { *m = PingRequest{} }
func (m *PingRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*PingRequest) ProtoMessage()    {}

// FindRequest serves both FIND_NODE and FIND_VALUE; Key is interpreted as
// a node id for FIND_NODE and as an opaque key for FIND_VALUE (spec §4.6).
type FindRequest struct {
	Key        []byte       `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	SenderInfo *ContactInfo `protobuf:"bytes,2,opt,name=sender_info,json=senderInfo,proto3" json:"sender_info,omitempty"`
}

func (m *FindRequest) Reset()         { *m = FindRequest{} }
func (m *FindRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*FindRequest) ProtoMessage()    {}

// StoreRequest is the full STORE shape, including the optional signed-value
// and signed-ownership fields (spec §3, §4.6).
type StoreRequest struct {
	Key             []byte         `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Value           []byte         `protobuf:"bytes,2,opt,name=value,proto3" json:"value,omitempty"`
	SigValue        *SignedValue   `protobuf:"bytes,3,opt,name=sig_value,json=sigValue,proto3" json:"sig_value,omitempty"`
	PublicKey       []byte         `protobuf:"bytes,4,opt,name=public_key,json=publicKey,proto3" json:"public_key,omitempty"`
	SignedPublicKey []byte         `protobuf:"bytes,5,opt,name=signed_public_key,json=signedPublicKey,proto3" json:"signed_public_key,omitempty"`
	SignedRequest   *SignedRequest `protobuf:"bytes,6,opt,name=signed_request,json=signedRequest,proto3" json:"signed_request,omitempty"`
	Publish         bool           `protobuf:"varint,7,opt,name=publish,proto3" json:"publish,omitempty"`
	Ttl             int64          `protobuf:"varint,8,opt,name=ttl,proto3" json:"ttl,omitempty"`
	SenderInfo      *ContactInfo   `protobuf:"bytes,9,opt,name=sender_info,json=senderInfo,proto3" json:"sender_info,omitempty"`
}

func (m *StoreRequest) Reset()         { *m = StoreRequest{} }
func (m *StoreRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*StoreRequest) ProtoMessage()    {}

// DownlistRequest reports ids believed dead (spec §4.6).
type DownlistRequest struct {
	Downlist   [][]byte     `protobuf:"bytes,1,rep,name=downlist,proto3" json:"downlist,omitempty"`
	SenderInfo *ContactInfo `protobuf:"bytes,2,opt,name=sender_info,json=senderInfo,proto3" json:"sender_info,omitempty"`
}

func (m *DownlistRequest) Reset()         { *m = DownlistRequest{} }
func (m *DownlistRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*DownlistRequest) ProtoMessage()    {}

// BootstrapRequest is a newcomer's self-introduction (spec §4.6, §4.9).
type BootstrapRequest struct {
	NewcomerId        []byte `protobuf:"bytes,1,opt,name=newcomer_id,json=newcomerId,proto3" json:"newcomer_id,omitempty"`
	NewcomerLocalIp   string `protobuf:"bytes,2,opt,name=newcomer_local_ip,json=newcomerLocalIp,proto3" json:"newcomer_local_ip,omitempty"`
	NewcomerLocalPort uint32 `protobuf:"varint,3,opt,name=newcomer_local_port,json=newcomerLocalPort,proto3" json:"newcomer_local_port,omitempty"`
	NewcomerExtIp     string `protobuf:"bytes,4,opt,name=newcomer_ext_ip,json=newcomerExtIp,proto3" json:"newcomer_ext_ip,omitempty"`
	NewcomerExtPort   uint32 `protobuf:"varint,5,opt,name=newcomer_ext_port,json=newcomerExtPort,proto3" json:"newcomer_ext_port,omitempty"`
}

func (m *BootstrapRequest) Reset()         { *m = BootstrapRequest{} }
func (m *BootstrapRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*BootstrapRequest) ProtoMessage()    {}

// NatDetectionRequest drives the three-step NAT inference protocol
// (spec §4.9). Type selects the sub-protocol step: 1 = direct probe,
// 2 = rendezvous probe via a third peer; no other value is sent.
type NatDetectionRequest struct {
	Newcomer      *ContactInfo `protobuf:"bytes,1,opt,name=newcomer,proto3" json:"newcomer,omitempty"`
	BootstrapNode *ContactInfo `protobuf:"bytes,2,opt,name=bootstrap_node,json=bootstrapNode,proto3" json:"bootstrap_node,omitempty"`
	Type          uint32       `protobuf:"varint,3,opt,name=type,proto3" json:"type,omitempty"`
	SenderId      []byte       `protobuf:"bytes,4,opt,name=sender_id,json=senderId,proto3" json:"sender_id,omitempty"`
}

func (m *NatDetectionRequest) Reset()         { *m = NatDetectionRequest{} }
func (m *NatDetectionRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*NatDetectionRequest) ProtoMessage()    {}

// NatDetectionPingRequest is shaped like PingRequest but carries the
// "nat_detection_ping" literal so a handler can tell the two apart without
// inspecting connection state (spec §4.6).
type NatDetectionPingRequest struct {
	Ping       string       `protobuf:"bytes,1,opt,name=ping,proto3" json:"ping,omitempty"`
	SenderInfo *ContactInfo `protobuf:"bytes,2,opt,name=sender_info,json=senderInfo,proto3" json:"sender_info,omitempty"`
}

func (m *NatDetectionPingRequest) Reset()         { *m = NatDetectionPingRequest{} }
func (m *NatDetectionPingRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*NatDetectionPingRequest) ProtoMessage()    {}

// Response is the single shape every RPC replies with; unused fields are
// left zero. Result is the literal "T" or "F" the spec names (kept as a
// string rather than a bool to match the wire schema exactly).
type Response struct {
	Result                 string       `protobuf:"bytes,1,opt,name=result,proto3" json:"result,omitempty"`
	NodeId                 []byte       `protobuf:"bytes,2,opt,name=node_id,json=nodeId,proto3" json:"node_id,omitempty"`
	Values                 [][]byte     `protobuf:"bytes,3,rep,name=values,proto3" json:"values,omitempty"`
	ClosestNodes           []*Contact   `protobuf:"bytes,4,rep,name=closest_nodes,json=closestNodes,proto3" json:"closest_nodes,omitempty"`
	AlternativeValueHolder *ContactInfo `protobuf:"bytes,5,opt,name=alternative_value_holder,json=alternativeValueHolder,proto3" json:"alternative_value_holder,omitempty"`
	RequesterExtAddr       *Contact     `protobuf:"bytes,6,opt,name=requester_ext_addr,json=requesterExtAddr,proto3" json:"requester_ext_addr,omitempty"`
	NatType                uint32       `protobuf:"varint,7,opt,name=nat_type,json=natType,proto3" json:"nat_type,omitempty"`
}

func (m *Response) Reset()         { *m = Response{} }
func (m *Response) String() string { return fmt.Sprintf("%+v", *m) }
func (*Response) ProtoMessage()    {}

// ResultTrue and ResultFalse are the two literal values Response.Result
// takes, per the wire schema's "T"/"F" convention.
const (
	ResultTrue  = "T"
	ResultFalse = "F"
)

// KadConfig is the bootstrap-hint file format: a serialized list of
// contacts, read on Join and rewritten on Leave (spec §6).
type KadConfig struct {
	Contact []*Contact `protobuf:"bytes,1,rep,name=contact,proto3" json:"contact,omitempty"`
}

func (m *KadConfig) Reset()         { *m = KadConfig{} }
func (m *KadConfig) String() string { return fmt.Sprintf("%+v", *m) }
func (*KadConfig) ProtoMessage()    {}

// Envelope is the outermost frame every RPC is wrapped in: a correlation
// id, a method name, and exactly one populated payload (spec §4.5's
// request_id and method_name fields travel alongside the typed body).
type Envelope struct {
	RequestId    uint32 `protobuf:"varint,1,opt,name=request_id,json=requestId,proto3" json:"request_id,omitempty"`
	Method       string `protobuf:"bytes,2,opt,name=method,proto3" json:"method,omitempty"`
	ConnectionId string `protobuf:"bytes,3,opt,name=connection_id,json=connectionId,proto3" json:"connection_id,omitempty"`
	IsResponse   bool   `protobuf:"varint,4,opt,name=is_response,json=isResponse,proto3" json:"is_response,omitempty"`
	Body         []byte `protobuf:"bytes,5,opt,name=body,proto3" json:"body,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return fmt.Sprintf("%+v", *m) }
func (*Envelope) ProtoMessage()    {}

// Marshal serializes any wire record via the classic reflection-based
// proto encoder.
func Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

// Unmarshal decodes bytes produced by Marshal into m.
func Unmarshal(b []byte, m proto.Message) error {
	return proto.Unmarshal(b, m)
}
