package ice

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanalei/ice/internal/stun"
)

func newTestChannel(t *testing.T, config Config) *Channel {
	t.Helper()
	config.BindAddress = "127.0.0.1"
	ch, err := NewChannel(config)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

// bindingRequest builds a peer's connectivity check that passes the local
// integrity check.
func bindingRequest(ch *Channel, useCandidate bool) *stun.Message {
	req := stun.New(stun.ClassRequest, stun.MethodBinding, "")
	req.SetString(stun.AttrUsername, ch.LocalUfrag()+":remoteufrag")
	req.SetUint32(stun.AttrPriority, computePriority(prflxType, 0, 1))
	req.SetUint64(stun.AttrIceControlling, 42)
	if useCandidate {
		req.AddAttribute(stun.AttrUseCandidate, nil)
	}
	req.AddMessageIntegrity([]byte(ch.LocalPassword()))
	req.AddFingerprint()
	return req
}

func TestChecklistInsertKeepsHigherPriority(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist

	remote := cand(100, "5.5.5.5", 5555)
	low := newCandidatePair(1, cand(90, "0.0.0.0", 1000), remote, false)
	high := newCandidatePair(2, cand(110, "0.0.0.0", 1000), remote, false)

	cl.mu.Lock()
	cl.insertLocked(low)
	cl.insertLocked(high)
	cl.mu.Unlock()

	// The higher-priority duplicate replaces the original.
	require.Len(t, cl.entries, 1)
	assert.Equal(t, high, cl.entries[0])

	// A lower-priority duplicate is discarded.
	cl.mu.Lock()
	cl.insertLocked(low)
	cl.mu.Unlock()
	require.Len(t, cl.entries, 1)
	assert.Equal(t, high, cl.entries[0])
}

func TestChecklistNeverReplacesNominated(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist

	remote := cand(100, "5.5.5.5", 5555)
	nominated := newCandidatePair(1, cand(90, "0.0.0.0", 1000), remote, false)
	nominated.nominated = true
	better := newCandidatePair(2, cand(110, "0.0.0.0", 1000), remote, false)

	cl.mu.Lock()
	cl.insertLocked(nominated)
	cl.insertLocked(better)
	cl.mu.Unlock()

	require.Len(t, cl.entries, 1)
	assert.Equal(t, nominated, cl.entries[0])
}

func TestChecklistSortAndTruncate(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist

	cl.mu.Lock()
	for i := 0; i < 30; i++ {
		remote := cand(uint32(i+1), fmt.Sprintf("10.0.0.%d", i+1), 4000+i)
		cl.insertLocked(newCandidatePair(i, cand(uint32(i+1), "0.0.0.0", 1000), remote, false))
	}
	cl.sortAndTruncateLocked()
	cl.mu.Unlock()

	require.Len(t, cl.entries, maxChecklistEntries)
	for i := 1; i < len(cl.entries); i++ {
		assert.GreaterOrEqual(t, cl.entries[i-1].Priority(), cl.entries[i].Priority())
	}
}

func TestUsableRemoteConstraints(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist

	ok := cand(100, "10.0.0.2", 50000)
	assert.True(t, cl.usableRemote(ok))

	wildcard := cand(100, "0.0.0.0", 50000)
	assert.False(t, cl.usableRemote(wildcard))

	tcp := cand(100, "10.0.0.2", 50000)
	tcp.address.protocol = TCP
	assert.False(t, cl.usableRemote(tcp))

	unresolved := Candidate{typ: hostType, component: 1}
	unresolved.address = makeHostAddress(UDP, "peer.local", 50000)
	assert.False(t, cl.usableRemote(unresolved))

	linkLocal := cand(100, "fe80::1", 50000)
	assert.False(t, cl.usableRemote(linkLocal))
}

// A binding request from an unknown source creates a peer-reflexive remote
// candidate, a Waiting entry, and a success response mirroring the sender.
func TestPeerReflexiveAdoption(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	var sent []*stun.Message
	ch.OnStunMessageSent = func(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
		sent = append(sent, msg)
		assert.False(t, relayed)
	}

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3333}
	cl.handleBindingRequest(bindingRequest(ch, false), from, false, time.Now())

	require.Len(t, cl.entries, 1)
	p := cl.entries[0]
	assert.Equal(t, Waiting, p.state)
	assert.Equal(t, prflxType, p.remote.typ)
	assert.Equal(t, "127.0.0.1", p.remote.Address())
	assert.Equal(t, 3333, p.remote.Port())
	require.Len(t, cl.remoteCandidates, 1)

	require.Len(t, sent, 1)
	resp := sent[0]
	assert.Equal(t, uint16(stun.ClassSuccessResponse), resp.Class)
	mapped, err := resp.MappedAddress()
	require.NoError(t, err)
	assert.Equal(t, from.IP.To4(), mapped.IP.To4())
	assert.Equal(t, from.Port, mapped.Port)

	// The reverse check is queued as a triggered check.
	assert.Contains(t, cl.triggered, p)
}

// A request failing the integrity check gets an error response and no entry.
func TestBindingRequestBadIntegrity(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist

	var sent []*stun.Message
	ch.OnStunMessageSent = func(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
		sent = append(sent, msg)
	}

	req := stun.New(stun.ClassRequest, stun.MethodBinding, "")
	req.SetString(stun.AttrUsername, ch.LocalUfrag()+":remoteufrag")
	req.AddMessageIntegrity([]byte("not the local password"))
	req.AddFingerprint()

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3334}
	cl.handleBindingRequest(req, from, false, time.Now())

	assert.Empty(t, cl.entries)
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(stun.ClassErrorResponse), sent[0].Class)
	code, _ := sent[0].ErrorCode()
	assert.Equal(t, stun.CodeUnauthorized, code)
}

// Under the relay-only policy a direct binding request is answered with an
// error response and no checklist entry is created.
func TestRelayOnlyPolicyRejectsDirect(t *testing.T) {
	ch := newTestChannel(t, Config{Policy: PolicyRelay})
	cl := &ch.checklist
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	var sent []*stun.Message
	ch.OnStunMessageSent = func(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
		sent = append(sent, msg)
	}

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4444}
	cl.handleBindingRequest(bindingRequest(ch, false), from, false, time.Now())

	assert.Empty(t, cl.entries)
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(stun.ClassErrorResponse), sent[0].Class)
	code, _ := sent[0].ErrorCode()
	assert.Equal(t, stun.CodeForbidden, code)
}

// USE-CANDIDATE from the controlling peer nominates the matching pair
// immediately and moves the connection to connected.
func TestUseCandidateNomination(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist
	ch.connectionState = Checking
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	var states []ConnectionState
	ch.OnConnectionStateChange = func(s ConnectionState) {
		states = append(states, s)
	}

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}
	cl.handleBindingRequest(bindingRequest(ch, true), from, false, time.Now())

	p := cl.nominated()
	require.NotNil(t, p)
	assert.True(t, p.nominated)
	assert.Equal(t, 2222, p.remote.Port())
	assert.Equal(t, Connected, ch.connectionState)
	assert.Equal(t, []ConnectionState{Connected}, states)

	// A second nomination for a different pair is ignored while the first
	// is still healthy.
	from2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2223}
	cl.handleBindingRequest(bindingRequest(ch, true), from2, false, time.Now())
	assert.Equal(t, p, cl.nominated())
}

// A pair with no response 16 seconds after its first check fails; when it is
// the only pair and gathering is done, the channel fails with it.
func TestPairTimeout(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist
	ch.connectionState = Checking
	ch.gatheringState = GatheringComplete
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	now := time.Now()
	p := newCandidatePair(1, cand(100, "0.0.0.0", 1000), cand(100, "127.0.0.1", 5555), false)
	p.state = InProgress
	p.firstCheckSentAt = now.Add(-failedTimeout - time.Second)
	p.lastCheckSentAt = now
	cl.entries = append(cl.entries, p)

	cl.tick(now)

	assert.Equal(t, Failed, p.state)
	assert.Equal(t, ConnectionFailed, ch.connectionState)
}

// The controller nominates the highest-priority succeeded entry, but waits
// while a higher-priority entry is still in flight.
func TestControllerNomination(t *testing.T) {
	ch := newTestChannel(t, Config{Controlling: true})
	cl := &ch.checklist
	cl.controller = true
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	var sent []*stun.Message
	ch.OnStunMessageSent = func(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
		sent = append(sent, msg)
	}

	high := newCandidatePair(1, cand(110, "0.0.0.0", 1000), cand(110, "127.0.0.1", 7001), true)
	low := newCandidatePair(2, cand(100, "0.0.0.0", 1000), cand(100, "127.0.0.1", 7002), true)
	high.state = InProgress
	low.state = Succeeded
	cl.entries = []*CandidatePair{high, low}

	now := time.Now()
	cl.mu.Lock()
	cl.maybeNominateLocked(now)
	cl.mu.Unlock()
	cl.flush()
	assert.Nil(t, cl.nominated(), "must wait for the higher-priority check")

	high.state = Succeeded
	cl.mu.Lock()
	cl.maybeNominateLocked(now)
	cl.mu.Unlock()
	cl.flush()

	require.Equal(t, high, cl.nominated())
	require.NotEmpty(t, sent)
	nominating := sent[len(sent)-1]
	assert.True(t, nominating.HasAttribute(stun.AttrUseCandidate))
	assert.True(t, nominating.HasAttribute(stun.AttrIceControlling))
}

// Responses are matched by transaction ID; others are ignored.
func TestBindingResponseMatching(t *testing.T) {
	ch := newTestChannel(t, Config{})
	cl := &ch.checklist
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	p := newCandidatePair(1, cand(100, "0.0.0.0", 1000), cand(100, "127.0.0.1", 6001), false)
	p.state = InProgress
	p.requestTransactionID = "AAAABBBBCCCC"
	cl.entries = []*CandidatePair{p}

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6001}

	other := stun.New(stun.ClassSuccessResponse, stun.MethodBinding, "XXXXYYYYZZZZ")
	cl.handleBindingResponse(other, from, time.Now())
	assert.Equal(t, InProgress, p.state)

	match := stun.New(stun.ClassSuccessResponse, stun.MethodBinding, "AAAABBBBCCCC")
	cl.handleBindingResponse(match, from, time.Now())
	assert.Equal(t, Succeeded, p.state)
	assert.False(t, p.lastResponseReceivedAt.IsZero())
}

// A 487 error response switches roles and requeues the pair.
func TestRoleConflict(t *testing.T) {
	ch := newTestChannel(t, Config{Controlling: true})
	cl := &ch.checklist
	cl.controller = true
	cl.setRemoteCredentials("remoteufrag", "remotepwd")

	p := newCandidatePair(1, cand(100, "0.0.0.0", 1000), cand(100, "127.0.0.1", 6002), true)
	p.state = InProgress
	p.requestTransactionID = "AAAABBBBCCCC"
	cl.entries = []*CandidatePair{p}

	resp := stun.New(stun.ClassErrorResponse, stun.MethodBinding, "AAAABBBBCCCC")
	resp.SetErrorCode(stun.CodeRoleConflict, "Role Conflict")
	cl.handleBindingResponse(resp, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6002}, time.Now())

	assert.False(t, cl.controller)
	assert.Equal(t, Waiting, p.state)
	assert.Contains(t, cl.triggered, p)
}
