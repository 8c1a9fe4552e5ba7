package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanalei/ice/internal/stun"
)

func TestNewChannelDefaults(t *testing.T) {
	ch := newTestChannel(t, Config{})

	assert.Len(t, ch.LocalUfrag(), 8)
	assert.Len(t, ch.LocalPassword(), 24)
	assert.Equal(t, GatheringNew, ch.GatheringState())
	assert.Equal(t, ConnectionNew, ch.ConnectionState())
	assert.Nil(t, ch.SelectedPair())
	assert.NotZero(t, ch.localPort())
}

func TestConfigRejectsTooManyServers(t *testing.T) {
	var servers []ServerConfig
	for i := 0; i < maxServers+1; i++ {
		servers = append(servers, ServerConfig{URLs: "stun:stun.example.org"})
	}
	_, err := NewChannel(Config{Servers: servers})
	assert.ErrorIs(t, err, ErrTooManyServers)
}

func TestConfigRejectsTLSSchemes(t *testing.T) {
	_, err := NewChannel(Config{Servers: []ServerConfig{{URLs: "turns:relay.example.org"}}})
	assert.Error(t, err)
}

func TestConfigRejectsBogusPolicy(t *testing.T) {
	_, err := NewChannel(Config{Policy: "half-relay"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestRelayPolicyDropsStunServers(t *testing.T) {
	ch := newTestChannel(t, Config{
		Policy: PolicyRelay,
		Servers: []ServerConfig{
			{URLs: "stun:stun.example.org"},
			{URLs: "turn:relay.example.org", Username: "u", Credential: "p"},
		},
	})
	require.Len(t, ch.servers, 1)
	assert.True(t, ch.servers[0].uri.IsTURN())
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := newTestChannel(t, Config{})

	var states []ConnectionState
	ch.OnConnectionStateChange = func(s ConnectionState) { states = append(states, s) }

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.Equal(t, []ConnectionState{ConnectionClosed}, states)
	assert.Equal(t, ErrClosed, ch.StartGathering())
	assert.Equal(t, ErrClosed, ch.SetRemoteCredentials("u", "p"))
	assert.Equal(t, ErrClosed, ch.AddRemoteCandidate(cand(1, "10.0.0.2", 50000)))
	assert.Equal(t, ErrClosed, ch.Send(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 50000}, []byte("x")))
	assert.Equal(t, ErrClosed, ch.Restart())
}

func TestDemuxApplicationData(t *testing.T) {
	ch := newTestChannel(t, Config{})

	var gotRemote *net.UDPAddr
	var gotData []byte
	ch.OnData = func(localPort int, remote *net.UDPAddr, data []byte) {
		assert.Equal(t, ch.localPort(), localPort)
		gotRemote = remote
		gotData = data
	}

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 50000}
	payload := []byte{0x80, 0x60, 0x01, 0x02, 0x03} // RTP-looking bytes
	ch.handleDatagram(payload, from, false)

	assert.Equal(t, from, gotRemote)
	assert.Equal(t, payload, gotData)
}

func TestDemuxDataIndication(t *testing.T) {
	ch := newTestChannel(t, Config{})

	var gotRemote *net.UDPAddr
	var gotData []byte
	ch.OnData = func(localPort int, remote *net.UDPAddr, data []byte) {
		gotRemote = remote
		gotData = data
	}

	peer := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 50000}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	ind := stun.New(stun.ClassIndication, stun.MethodData, "")
	ind.SetAddress(stun.AttrXorPeerAddress, peer.IP, peer.Port)
	ind.AddAttribute(stun.AttrData, payload)

	server := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478}
	ch.handleDatagram(ind.Bytes(), server, false)

	// The tunneled payload is dispatched as if received from the peer.
	require.NotNil(t, gotRemote)
	assert.Equal(t, peer.IP.To4(), gotRemote.IP.To4())
	assert.Equal(t, peer.Port, gotRemote.Port)
	assert.Equal(t, payload, gotData)
}

func TestDemuxDropsMalformedStun(t *testing.T) {
	ch := newTestChannel(t, Config{})

	delivered := false
	ch.OnData = func(int, *net.UDPAddr, []byte) { delivered = true }

	// Valid cookie, truncated attribute section.
	data := []byte{
		0x00, 0x01, 0x00, 0x08, 0x21, 0x12, 0xa4, 0x42,
		'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'A', 'B',
		0x00, 0x06, 0x00, 0x20,
	}
	ch.handleDatagram(data, &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 50000}, false)
	assert.False(t, delivered)
}

func TestGatherWithoutServersCompletes(t *testing.T) {
	ch := newTestChannel(t, Config{})

	gathering := make(chan GatheringState, 4)
	ch.OnGatheringStateChange = func(s GatheringState) { gathering <- s }

	require.NoError(t, ch.StartGathering())

	deadline := time.After(2 * time.Second)
	var last GatheringState
	for last != GatheringComplete {
		select {
		case last = <-gathering:
		case <-deadline:
			t.Fatalf("gathering did not complete; last state %s", last)
		}
	}
}

func TestSetRemoteCredentialsStartsChecking(t *testing.T) {
	ch := newTestChannel(t, Config{})

	states := make(chan ConnectionState, 4)
	ch.OnConnectionStateChange = func(s ConnectionState) { states <- s }

	require.NoError(t, ch.StartGathering())
	require.NoError(t, ch.SetRemoteCredentials("remoteufrag", "remotepwd"))

	select {
	case s := <-states:
		assert.Equal(t, Checking, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection state change")
	}
}

func TestRestartResetsNegotiation(t *testing.T) {
	ch := newTestChannel(t, Config{})
	require.NoError(t, ch.StartGathering())

	oldUfrag := ch.LocalUfrag()
	require.NoError(t, ch.SetRemoteCredentials("remoteufrag", "remotepwd"))
	require.NoError(t, ch.Restart())

	// Wait for the loop to process the restart.
	done := make(chan struct{})
	ch.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart not processed")
	}

	assert.NotEqual(t, oldUfrag, ch.LocalUfrag())
	assert.Equal(t, ConnectionNew, ch.ConnectionState())
	assert.Empty(t, ch.checklist.entries)
	assert.Empty(t, ch.checklist.remotePassword)
}
