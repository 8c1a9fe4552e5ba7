package ice

import (
	"fmt"
	"time"
)

// A CandidatePair is one checklist entry: a local candidate, a remote
// candidate, and the bookkeeping for connectivity checks on the pair.
type CandidatePair struct {
	id     string
	local  Candidate
	remote Candidate

	// Role of the local agent when the pair was formed.
	controller bool

	state     CandidatePairState
	nominated bool

	firstCheckSentAt time.Time
	lastCheckSentAt  time.Time
	checksSent       int

	lastRequestReceivedAt  time.Time
	lastResponseReceivedAt time.Time

	// Transaction ID of the most recent check, for matching responses.
	requestTransactionID string

	// TURN permission bookkeeping, relay pairs only.
	permissionRequestsSent  int
	permissionResponseAt    time.Time
	permissionRequestedAt   time.Time
	permissionTransactionID string
}

// Candidate pair states, RFC 8445 §6.1.2.6.
type CandidatePairState int

const (
	Frozen CandidatePairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s CandidatePairState) String() string {
	switch s {
	case Frozen:
		return "Frozen"
	case Waiting:
		return "Waiting"
	case InProgress:
		return "InProgress"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("CandidatePairState(%d)", int(s))
}

func newCandidatePair(seq int, local, remote Candidate, controller bool) *CandidatePair {
	return &CandidatePair{
		id:         fmt.Sprintf("pair#%d", seq),
		local:      local,
		remote:     remote,
		controller: controller,
		state:      Waiting,
	}
}

// Local returns the pair's local candidate.
func (p *CandidatePair) Local() Candidate { return p.local }

// Remote returns the pair's remote candidate.
func (p *CandidatePair) Remote() Candidate { return p.remote }

// Nominated reports whether this pair has been nominated for data.
func (p *CandidatePair) Nominated() bool { return p.nominated }

// isRelay reports whether checks and data for this pair are tunneled
// through a TURN server.
func (p *CandidatePair) isRelay() bool {
	return p.local.typ == relayType
}

// remoteEndpoint is the resolved address checks are sent toward.
func (p *CandidatePair) remoteEndpoint() TransportAddress {
	return p.remote.address
}

// Priority computes the pair priority, RFC 8445 §6.1.2.3:
// 2^32·min(G,D) + 2·max(G,D) + (G>D ? 1 : 0), where G is the controlling
// agent's candidate priority and D the controlled agent's.
func (p *CandidatePair) Priority() uint64 {
	G := uint64(p.remote.priority)
	D := uint64(p.local.priority)
	if p.controller {
		G, D = D, G
	}
	var B uint64
	if G > D {
		B = 1
	}
	return minU64(G, D)<<32 + maxU64(G, D)<<1 + B
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (p *CandidatePair) String() string {
	nom := ""
	if p.nominated {
		nom = " nominated"
	}
	return fmt.Sprintf("%s: %s -> %s [%s%s]", p.id, p.local.address, p.remote.address, p.state, nom)
}
