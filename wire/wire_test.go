package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeWrapsFindRequestBody(t *testing.T) {
	find := &FindRequest{
		Key:        []byte("some-key"),
		SenderInfo: &ContactInfo{NodeId: []byte{1, 2, 3}, HostIp: "127.0.0.1", HostPort: 9000},
	}
	body, err := Marshal(find)
	require.NoError(t, err)

	env := &Envelope{RequestId: 42, Method: "FIND_NODE", Body: body}
	raw, err := Marshal(env)
	require.NoError(t, err)

	var gotEnv Envelope
	require.NoError(t, Unmarshal(raw, &gotEnv))
	require.EqualValues(t, 42, gotEnv.RequestId)
	require.Equal(t, "FIND_NODE", gotEnv.Method)

	var gotFind FindRequest
	require.NoError(t, Unmarshal(gotEnv.Body, &gotFind))
	require.Equal(t, find.Key, gotFind.Key)
	require.Equal(t, find.SenderInfo.HostIp, gotFind.SenderInfo.HostIp)
}

func TestKadConfigRoundTrip(t *testing.T) {
	cfg := &KadConfig{Contact: []*Contact{
		{NodeId: []byte{9, 9}, HostIp: "10.0.0.1", HostPort: 7000},
		{NodeId: []byte{8, 8}, HostIp: "10.0.0.2", HostPort: 7001},
	}}
	raw, err := Marshal(cfg)
	require.NoError(t, err)

	var got KadConfig
	require.NoError(t, Unmarshal(raw, &got))
	require.Len(t, got.Contact, 2)
	require.Equal(t, "10.0.0.2", got.Contact[1].HostIp)
}
