package ice

import (
	"net"

	"github.com/hanalei/ice/internal/stun"
)

// GatheringState tracks candidate gathering progress.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	Gathering
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "new"
	case Gathering:
		return "gathering"
	case GatheringComplete:
		return "complete"
	}
	return "unknown"
}

// ConnectionState tracks the overall checklist outcome.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	Checking
	Connected
	Disconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case Checking:
		return "checking"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// Events are delivered by assigning handler functions before StartGathering.
// Handlers run on the channel's event loop, except the change to
// ConnectionClosed, which is reported on the goroutine that calls Close.
// Handlers must not block, and no handler is invoked after Close.
type handlers struct {
	// OnCandidate fires for each gathered local candidate, after its
	// transport address is fully determined.
	OnCandidate func(Candidate)

	// OnCandidateError fires when a configured server cannot produce its
	// candidate.
	OnCandidateError func(server string, err error)

	// OnGatheringStateChange reports new → gathering → complete.
	OnGatheringStateChange func(GatheringState)

	// OnConnectionStateChange reports checklist progress.
	OnConnectionStateChange func(ConnectionState)

	// OnStunMessageReceived and OnStunMessageSent observe STUN traffic,
	// with relayed indicating TURN Send/Data encapsulation.
	OnStunMessageReceived func(msg *stun.Message, remote *net.UDPAddr, relayed bool)
	OnStunMessageSent     func(msg *stun.Message, remote *net.UDPAddr, relayed bool)

	// OnData delivers non-STUN datagrams (the media/application payload).
	OnData func(localPort int, remote *net.UDPAddr, data []byte)
}

func (ch *Channel) emitCandidate(c Candidate) {
	if ch.OnCandidate != nil {
		ch.OnCandidate(c)
	}
}

func (ch *Channel) emitCandidateError(server string, err error) {
	log.Warn("Candidate error for %s: %v", server, err)
	if ch.OnCandidateError != nil {
		ch.OnCandidateError(server, err)
	}
}

func (ch *Channel) setGatheringState(s GatheringState) {
	if ch.gatheringState == s {
		return
	}
	log.Info("Gathering state: %s -> %s", ch.gatheringState, s)
	ch.gatheringState = s
	if ch.OnGatheringStateChange != nil {
		ch.OnGatheringStateChange(s)
	}
}

func (ch *Channel) setConnectionState(s ConnectionState) {
	if ch.connectionState == s {
		return
	}
	log.Info("Connection state: %s -> %s", ch.connectionState, s)
	ch.connectionState = s
	if ch.OnConnectionStateChange != nil {
		ch.OnConnectionStateChange(s)
	}
}
