package kademlia

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadcore/kad/transport"
	"github.com/kadcore/kad/wire"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	self := NewContact(Random(), Endpoint{IP: "127.0.0.1", Port: 9000})
	rt := NewRoutingTable(self, 4)
	ds := NewDataStore(nil)
	return NewService(self, rt, ds, 4, nil, nil, nil)
}

func TestService_PingRepliesPong(t *testing.T) {
	svc := newTestService(t)
	req := &wire.PingRequest{Ping: "ping"}
	body, err := wire.Marshal(req)
	require.NoError(t, err)

	respBody, err := svc.Handle(context.Background(), MethodPing, body, transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)

	var resp wire.Response
	require.NoError(t, wire.Unmarshal(respBody, &resp))
	require.Equal(t, wire.ResultTrue, resp.Result)
}

func TestService_StoreUnsignedThenFindValue(t *testing.T) {
	svc := newTestService(t)

	storeReq := &wire.StoreRequest{Key: []byte("k1"), Value: []byte("v1"), Ttl: 3600, Publish: true}
	body, err := wire.Marshal(storeReq)
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), MethodStore, body, transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)

	findReq := &wire.FindRequest{Key: []byte("k1")}
	fbody, err := wire.Marshal(findReq)
	require.NoError(t, err)
	respBody, err := svc.Handle(context.Background(), MethodFindValue, fbody, transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)

	var resp wire.Response
	require.NoError(t, wire.Unmarshal(respBody, &resp))
	require.Len(t, resp.Values, 1)
	require.Equal(t, []byte("v1"), resp.Values[0])
}

func TestService_StoreRejectsEmptyValue(t *testing.T) {
	svc := newTestService(t)
	storeReq := &wire.StoreRequest{Key: []byte("k1")}
	body, _ := wire.Marshal(storeReq)
	_, err := svc.Handle(context.Background(), MethodStore, body, transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.Error(t, err)
}

// S5: hashable-key STORE must reject a differing value from a second
// signer under the same key, and accept the legitimate signer's store.
func TestService_HashableKeyRejectsForeignOverwrite(t *testing.T) {
	svc := newTestService(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sigValue := &wire.SignedValue{Value: []byte("v4")}
	sigValue.ValueSignature = Sign(priv, sigValue.Value)
	raw, err := wire.Marshal(sigValue)
	require.NoError(t, err)
	key := Hash(raw)

	signedPub := Sign(priv, pub)
	ownershipHash := Hash(append(append(append([]byte{}, pub...), signedPub...), key...))
	signedReq := Sign(priv, ownershipHash)

	storeReq := &wire.StoreRequest{
		Key:             key,
		SigValue:        sigValue,
		PublicKey:       pub,
		SignedPublicKey: signedPub,
		SignedRequest:   &wire.SignedRequest{SignedRequest_: signedReq},
		Publish:         true,
	}
	body, err := wire.Marshal(storeReq)
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), MethodStore, body, transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.NoError(t, err)

	// A different signer attempts to overwrite the same hashable key.
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sigValue2 := &wire.SignedValue{Value: []byte("different")}
	sigValue2.ValueSignature = Sign(priv2, sigValue2.Value)
	signedPub2 := Sign(priv2, pub2)
	ownershipHash2 := Hash(append(append(append([]byte{}, pub2...), signedPub2...), key...))
	signedReq2 := Sign(priv2, ownershipHash2)

	storeReq2 := &wire.StoreRequest{
		Key:             key,
		SigValue:        sigValue2,
		PublicKey:       pub2,
		SignedPublicKey: signedPub2,
		SignedRequest:   &wire.SignedRequest{SignedRequest_: signedReq2},
		Publish:         true,
	}
	body2, err := wire.Marshal(storeReq2)
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), MethodStore, body2, transport.Endpoint{IP: "10.0.0.1", Port: 1})
	require.Error(t, err)
}

func TestService_FindNodeExcludesSender(t *testing.T) {
	svc := newTestService(t)
	sender := NewContact(Random(), Endpoint{IP: "10.0.0.5", Port: 5})
	svc.rt.AddContact(sender)

	findReq := &wire.FindRequest{Key: Random().Bytes(), SenderInfo: toWireContact(sender)}
	body, err := wire.Marshal(findReq)
	require.NoError(t, err)
	respBody, err := svc.Handle(context.Background(), MethodFindNode, body, transport.Endpoint{IP: "10.0.0.5", Port: 5})
	require.NoError(t, err)

	var resp wire.Response
	require.NoError(t, wire.Unmarshal(respBody, &resp))
	for _, c := range resp.ClosestNodes {
		require.NotEqual(t, sender.ID.Bytes(), c.NodeId)
	}
}
