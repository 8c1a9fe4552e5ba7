package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanalei/ice/internal/stun"
)

func newTestServer(t *testing.T, urls, username, credential string) (*Channel, *serverConnection, *[]*stun.Message) {
	t.Helper()
	ch := newTestChannel(t, Config{
		Servers: []ServerConfig{{URLs: urls, Username: username, Credential: credential}},
	})
	require.Len(t, ch.servers, 1)

	s := ch.servers[0]
	s.endpoint = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: s.uri.Port}
	s.state = serverResolved

	sent := new([]*stun.Message)
	ch.OnStunMessageSent = func(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
		*sent = append(*sent, msg)
	}
	return ch, s, sent
}

// The TURN allocate flow: bare Allocate, 401 challenge, authenticated retry
// under a fresh transaction ID, then the relay candidate from the success.
func TestAllocate401Flow(t *testing.T) {
	ch, s, sent := newTestServer(t, "turn:127.0.0.1:3478", "u", "p")

	now := time.Now()
	s.tick(now)

	require.Len(t, *sent, 1)
	alloc := (*sent)[0]
	assert.Equal(t, uint16(stun.ClassRequest), alloc.Class)
	assert.Equal(t, uint16(stun.MethodAllocate), alloc.Method)
	assert.Equal(t, "912450", alloc.TransactionID[:6])
	assert.False(t, alloc.HasAttribute(stun.AttrUsername))
	rt := alloc.Attribute(stun.AttrRequestedTransport)
	require.NotNil(t, rt)
	assert.Equal(t, byte(stun.ProtocolUDP), rt.Value[0])
	assert.Equal(t, serverChecking, s.state)

	// 401 challenge with realm and nonce.
	challenge := stun.New(stun.ClassErrorResponse, stun.MethodAllocate, alloc.TransactionID)
	challenge.SetErrorCode(stun.CodeUnauthorized, "Unauthorized")
	challenge.SetString(stun.AttrRealm, "R")
	challenge.SetString(stun.AttrNonce, "N")
	s.handleResponse(challenge, now)

	assert.Equal(t, "R", s.realm)
	assert.Equal(t, "N", s.nonce)
	require.Len(t, *sent, 2)
	retry := (*sent)[1]
	assert.NotEqual(t, alloc.TransactionID, retry.TransactionID)
	assert.Equal(t, "912450", retry.TransactionID[:6])
	assert.Equal(t, "u", retry.StringValue(stun.AttrUsername))
	assert.Equal(t, "R", retry.StringValue(stun.AttrRealm))

	// The retry is keyed with MD5("u:R:p").
	parsed, err := stun.Parse(retry.Bytes())
	require.NoError(t, err)
	assert.NoError(t, parsed.CheckIntegrity(stun.LongTermKey("u", "R", "p")))

	// Success: relay and reflexive endpoints, 600 second lifetime.
	var candidates []Candidate
	ch.OnCandidate = func(c Candidate) { candidates = append(candidates, c) }

	success := stun.New(stun.ClassSuccessResponse, stun.MethodAllocate, retry.TransactionID)
	success.SetAddress(stun.AttrXorRelayedAddress, net.ParseIP("198.51.100.9"), 49200)
	success.SetAddress(stun.AttrXorMappedAddress, net.ParseIP("192.0.2.7"), 50000)
	success.SetUint32(stun.AttrLifetime, 600)
	s.handleResponse(success, now)

	assert.Equal(t, serverUsable, s.state)
	assert.Equal(t, "198.51.100.9:49200", s.relay.String())
	assert.Equal(t, "192.0.2.7:50000", s.reflexive.String())
	assert.WithinDuration(t, now.Add(600*time.Second), s.expiry, time.Second)

	var relay *Candidate
	for i := range candidates {
		if candidates[i].Type() == relayType {
			relay = &candidates[i]
		}
	}
	require.NotNil(t, relay)
	assert.Equal(t, "198.51.100.9", relay.Address())
	assert.Equal(t, 49200, relay.Port())
	// Relay priority: (0 << 24) | (local pref << 8) | 255.
	lp := localPreference(0, net.ParseIP("198.51.100.9"), UDP)
	assert.Equal(t, lp<<8|255, relay.Priority())
	assert.Equal(t, "192.0.2.7", relay.relatedAddress)

	// The relay checklist candidate is installed.
	require.NotNil(t, ch.checklist.relayLocal)
	assert.Equal(t, s, ch.checklist.relayServer)
}

// A STUN-only server runs a Binding exchange and yields a server-reflexive
// candidate.
func TestStunServerBinding(t *testing.T) {
	ch, s, sent := newTestServer(t, "stun:127.0.0.1:3478", "", "")

	now := time.Now()
	s.tick(now)

	require.Len(t, *sent, 1)
	req := (*sent)[0]
	assert.Equal(t, uint16(stun.MethodBinding), req.Method)
	assert.Equal(t, "912450", req.TransactionID[:6])

	var candidates []Candidate
	ch.OnCandidate = func(c Candidate) { candidates = append(candidates, c) }

	resp := stun.New(stun.ClassSuccessResponse, stun.MethodBinding, req.TransactionID)
	resp.SetAddress(stun.AttrXorMappedAddress, net.ParseIP("203.0.113.99"), 61000)
	s.handleResponse(resp, now)

	assert.Equal(t, serverUsable, s.state)
	require.Len(t, candidates, 1)
	assert.Equal(t, srflxType, candidates[0].Type())
	assert.Equal(t, "203.0.113.99", candidates[0].Address())
	assert.Equal(t, 61000, candidates[0].Port())
}

// One minute before expiry the allocation is refreshed with lifetime 600.
func TestAllocationRefresh(t *testing.T) {
	_, s, sent := newTestServer(t, "turn:127.0.0.1:3478", "u", "p")

	now := time.Now()
	s.state = serverUsable
	s.realm, s.nonce = "R", "N"
	s.relay = &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 49200}
	s.expiry = now.Add(50 * time.Second)
	s.lastRequestAt = now.Add(-time.Second)

	s.tick(now)

	require.Len(t, *sent, 1)
	refresh := (*sent)[0]
	assert.Equal(t, uint16(stun.MethodRefresh), refresh.Method)
	assert.Equal(t, uint32(600), refresh.Uint32(stun.AttrLifetime))
	assert.Equal(t, "u", refresh.StringValue(stun.AttrUsername))

	// The success response pushes the expiry out.
	ok := stun.New(stun.ClassSuccessResponse, stun.MethodRefresh, refresh.TransactionID)
	ok.SetUint32(stun.AttrLifetime, 600)
	s.handleResponse(ok, now)
	assert.WithinDuration(t, now.Add(600*time.Second), s.expiry, time.Second)

	// Far from expiry, no refresh is sent.
	s.lastRequestAt = now.Add(-time.Minute)
	s.tick(now)
	assert.Len(t, *sent, 1)
}

// A server that never answers is cut off after 25 requests; one that keeps
// erroring after 3 error responses.
func TestServerCutoffs(t *testing.T) {
	ch, s, _ := newTestServer(t, "turn:127.0.0.1:3478", "u", "p")

	var errored []string
	ch.OnCandidateError = func(server string, err error) { errored = append(errored, server) }

	now := time.Now()
	s.state = serverChecking
	s.requestsSent = maxRequestsPerServer
	s.tick(now)
	assert.Equal(t, serverFailed, s.state)
	assert.Len(t, errored, 1)

	_, s2, _ := newTestServer(t, "turn:127.0.0.1:3478", "u", "bad")
	s2.tick(now)
	for i := 0; i < maxErrorResponses; i++ {
		resp := stun.New(stun.ClassErrorResponse, stun.MethodAllocate, s2.request.TransactionID)
		resp.SetErrorCode(stun.CodeUnauthorized, "Unauthorized")
		resp.SetString(stun.AttrRealm, "R")
		resp.SetString(stun.AttrNonce, "N")
		s2.handleResponse(resp, now)
	}
	assert.Equal(t, serverFailed, s2.state)
	assert.Equal(t, stun.CodeUnauthorized, s2.errorCode)
}

// Responses are routed to the server whose ID prefix they carry, never to
// the checklist.
func TestTransactionPrefixRouting(t *testing.T) {
	ch, s, _ := newTestServer(t, "stun:127.0.0.1:3478", "", "")

	now := time.Now()
	s.tick(now)
	tid := s.request.TransactionID
	assert.True(t, s.matchesTransaction(tid))
	assert.False(t, s.matchesTransaction("AAAABBBBCCCC"))

	// Plant a checklist entry that must not see the server's response.
	p := newCandidatePair(1, cand(100, "0.0.0.0", 1000), cand(100, "127.0.0.1", 6001), false)
	p.state = InProgress
	p.requestTransactionID = tid
	ch.checklist.entries = []*CandidatePair{p}

	resp := stun.New(stun.ClassSuccessResponse, stun.MethodBinding, tid)
	resp.SetAddress(stun.AttrXorMappedAddress, net.ParseIP("203.0.113.99"), 61000)
	ch.routeStun(resp, s.endpoint, false)

	assert.Equal(t, serverUsable, s.state)
	assert.Equal(t, InProgress, p.state)
}
