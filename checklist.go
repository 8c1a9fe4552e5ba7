package ice

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hanalei/ice/internal/stun"
)

// The checklist owns candidate pairs and drives connectivity checks over
// them: scheduling on the Ta tick, retransmission, peer-reflexive adoption,
// nomination, and the connected-pair keepalive. All methods take the
// checklist mutex so that resolver completions and TURN permission responses
// can update entries atomically with the tick; user-visible emissions are
// queued under the lock and flushed after it is released, so handlers may
// call back into the channel.
type Checklist struct {
	ch *Channel

	mu sync.Mutex

	localUfrag     string
	localPassword  string
	remoteUfrag    string
	remotePassword string

	// Role fixed at channel creation, with the 64-bit tiebreaker advertised
	// in every check.
	controller bool
	tiebreaker uint64

	// The single host checklist candidate, bound to the socket's wildcard
	// address, standing in for every host candidate.
	hostLocal Candidate

	// Relay checklist candidate, present once a TURN allocation succeeded.
	relayLocal  *Candidate
	relayServer *serverConnection

	// Remote candidates whose addresses have resolved, waiting to be formed
	// into entries on the next tick.
	pending []Candidate

	remoteCandidates []Candidate

	entries   []*CandidatePair
	triggered []*CandidatePair

	nominatedPair *CandidatePair

	nextPairID int

	// True once at least one link-local host address was gathered; governs
	// whether link-local remote candidates can be paired at all.
	hasLinkLocal bool

	// Emissions queued while the lock is held.
	actions []func()
}

func (cl *Checklist) init(ch *Channel, hostLocal Candidate, controller bool, tiebreaker uint64) {
	cl.ch = ch
	cl.hostLocal = hostLocal
	cl.controller = controller
	cl.tiebreaker = tiebreaker
}

func (cl *Checklist) setLocalCredentials(ufrag, password string) {
	cl.mu.Lock()
	cl.localUfrag = ufrag
	cl.localPassword = password
	cl.mu.Unlock()
}

func (cl *Checklist) setRemoteCredentials(ufrag, password string) {
	cl.mu.Lock()
	cl.remoteUfrag = ufrag
	cl.remotePassword = password
	cl.mu.Unlock()
}

// nominated returns the nominated pair, or nil.
func (cl *Checklist) nominated() *CandidatePair {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.nominatedPair
}

// queueLocked defers a user-visible emission until the lock is released.
func (cl *Checklist) queueLocked(f func()) {
	cl.actions = append(cl.actions, f)
}

// flush runs queued emissions. Must be called without the lock held.
func (cl *Checklist) flush() {
	cl.mu.Lock()
	actions := cl.actions
	cl.actions = nil
	cl.mu.Unlock()
	for _, f := range actions {
		f()
	}
}

// setRelayCandidate installs the relay checklist candidate once an
// allocation succeeds, and pairs it with every known remote candidate.
func (cl *Checklist) setRelayCandidate(c Candidate, server *serverConnection) {
	cl.mu.Lock()
	cl.relayLocal = &c
	cl.relayServer = server
	for _, remote := range cl.remoteCandidates {
		if remote.address.resolved() {
			cl.insertPairsLocked(remote)
		}
	}
	cl.mu.Unlock()
}

// enqueueRemote queues a resolved remote candidate for entry formation on
// the next tick.
func (cl *Checklist) enqueueRemote(c Candidate) {
	cl.mu.Lock()
	cl.pending = append(cl.pending, c)
	cl.mu.Unlock()
}

// usableRemote applies the pairing constraints: only UDP is probed,
// wildcard and v4-mapped addresses are rejected, and link-local peers are
// only usable from a link-local base.
func (cl *Checklist) usableRemote(c Candidate) bool {
	if c.address.protocol != UDP || !c.address.resolved() {
		return false
	}
	ip := net.IP(c.address.ip)
	if ip.IsUnspecified() {
		return false
	}
	if c.address.family == IPv6 {
		if ip.To4() != nil {
			// v4-mapped addresses must be signaled as IPv4.
			return false
		}
		if c.address.linkLocal && !cl.hasLinkLocal {
			return false
		}
	}
	return true
}

// insertPairsLocked forms entries for one resolved remote candidate,
// applying the duplicate and truncation policies.
func (cl *Checklist) insertPairsLocked(remote Candidate) {
	if !cl.usableRemote(remote) {
		log.Debug("Not pairing unusable remote candidate %s", remote)
		return
	}

	if cl.ch.config.Policy != PolicyRelay {
		cl.insertLocked(newCandidatePair(cl.nextID(), cl.hostLocal, remote, cl.controller))
	}
	if cl.relayLocal != nil {
		cl.insertLocked(newCandidatePair(cl.nextID(), *cl.relayLocal, remote, cl.controller))
	}

	cl.sortAndTruncateLocked()
}

func (cl *Checklist) nextID() int {
	cl.nextPairID++
	return cl.nextPairID
}

// insertLocked applies the entry insertion policy: on a duplicate (same
// remote endpoint, local type and remote protocol) the existing entry wins
// unless the new pair has strictly higher priority; nominated entries are
// never replaced.
func (cl *Checklist) insertLocked(p *CandidatePair) {
	for i, q := range cl.entries {
		if q.remote.address.sameEndpoint(p.remote.address) &&
			q.local.typ == p.local.typ &&
			q.remote.address.protocol == p.remote.address.protocol {
			if q.nominated || p.Priority() <= q.Priority() {
				log.Debug("Keeping %s over duplicate %s", q, p)
				return
			}
			log.Debug("Replacing %s with higher priority %s", q, p)
			cl.entries[i] = p
			return
		}
	}
	log.Debug("Adding %s (priority %d)", p, p.Priority())
	cl.entries = append(cl.entries, p)
}

func (cl *Checklist) sortAndTruncateLocked() {
	sort.SliceStable(cl.entries, func(i, j int) bool {
		return cl.entries[i].Priority() > cl.entries[j].Priority()
	})
	if len(cl.entries) > maxChecklistEntries {
		for _, p := range cl.entries[maxChecklistEntries:] {
			log.Debug("Truncating %s", p)
		}
		cl.entries = cl.entries[:maxChecklistEntries]
	}
}

// tick advances the checklist. Called from the channel loop every Ta.
func (cl *Checklist) tick(now time.Time) {
	cl.mu.Lock()
	cl.tickLocked(now)
	cl.mu.Unlock()
	cl.flush()
}

func (cl *Checklist) tickLocked(now time.Time) {
	switch cl.ch.connectionState {
	case ConnectionFailed, ConnectionClosed:
		return
	}

	// Drain pending remote candidates into entries.
	for _, c := range cl.pending {
		cl.remoteCandidates = append(cl.remoteCandidates, c)
		cl.insertPairsLocked(c)
	}
	cl.pending = nil

	if cl.remotePassword == "" {
		// No credentials yet; checks cannot be authenticated.
		return
	}

	if cl.nominatedPair != nil {
		cl.maintainNominatedLocked(now)
		return
	}

	// Expire in-progress checks.
	for _, p := range cl.entries {
		if p.state == InProgress && now.Sub(p.firstCheckSentAt) > failedTimeout {
			log.Debug("%s timed out after %d checks", p, p.checksSent)
			p.state = Failed
		}
	}

	if p := cl.nextToCheckLocked(); p != nil {
		cl.sendCheckLocked(p, now, false)
	} else if p := cl.nextToRetransmitLocked(now); p != nil {
		cl.sendCheckLocked(p, now, false)
	}

	// Total failure: gathering finished and every entry failed.
	if cl.ch.gatheringState == GatheringComplete && len(cl.entries) > 0 {
		allFailed := true
		for _, p := range cl.entries {
			if p.state != Failed {
				allFailed = false
				break
			}
		}
		if allFailed {
			cl.queueLocked(func() { cl.ch.setConnectionState(ConnectionFailed) })
		}
	}
}

// nextToCheckLocked picks the triggered queue first, then the first Waiting
// entry in priority order.
func (cl *Checklist) nextToCheckLocked() *CandidatePair {
	for len(cl.triggered) > 0 {
		p := cl.triggered[0]
		cl.triggered = cl.triggered[1:]
		if p.state == Waiting || p.state == Frozen {
			return p
		}
	}
	for _, p := range cl.entries {
		if p.state == Waiting {
			return p
		}
	}
	return nil
}

// nextToRetransmitLocked picks the first InProgress entry whose last check
// is older than the retransmission timeout.
func (cl *Checklist) nextToRetransmitLocked(now time.Time) *CandidatePair {
	rto := cl.rtoLocked()
	for _, p := range cl.entries {
		if p.state == InProgress && now.Sub(p.lastCheckSentAt) >= rto {
			return p
		}
	}
	return nil
}

// rtoLocked computes the retransmission timeout, RFC 8445 §14.3, with the
// configured floor.
func (cl *Checklist) rtoLocked() time.Duration {
	n := 0
	for _, p := range cl.entries {
		if p.state == Waiting || p.state == InProgress {
			n++
		}
	}
	rto := time.Duration(n) * Ta
	if rto < minRTO {
		rto = minRTO
	}
	return rto
}

// maintainNominatedLocked runs the connected-pair keepalive and the
// disconnected/failed timers.
func (cl *Checklist) maintainNominatedLocked(now time.Time) {
	p := cl.nominatedPair

	if now.Sub(p.lastCheckSentAt) >= connectedCheckPeriod {
		cl.sendCheckLocked(p, now, cl.controller)
	}

	lastSeen := p.lastResponseReceivedAt
	if p.lastRequestReceivedAt.After(lastSeen) {
		lastSeen = p.lastRequestReceivedAt
	}
	quiet := now.Sub(lastSeen)
	switch {
	case quiet > failedTimeout:
		p.state = Failed
		cl.queueLocked(func() { cl.ch.setConnectionState(ConnectionFailed) })
	case quiet > disconnectedTimeout:
		cl.queueLocked(func() { cl.ch.setConnectionState(Disconnected) })
	default:
		cl.queueLocked(func() { cl.ch.setConnectionState(Connected) })
	}
}

// sendCheckLocked sends one connectivity check on the pair. Relay pairs are
// gated on a TURN permission and wrapped in a Send indication.
func (cl *Checklist) sendCheckLocked(p *CandidatePair, now time.Time, nominate bool) {
	if p.isRelay() && !cl.ensurePermissionLocked(p, now) {
		return
	}

	req := stun.New(stun.ClassRequest, stun.MethodBinding, "")
	req.SetString(stun.AttrUsername, cl.remoteUfrag+":"+cl.localUfrag)
	req.SetUint32(stun.AttrPriority, p.local.peerPriority())
	if cl.controller {
		req.SetUint64(stun.AttrIceControlling, cl.tiebreaker)
		if nominate || p.nominated {
			req.AddAttribute(stun.AttrUseCandidate, nil)
		}
	} else {
		req.SetUint64(stun.AttrIceControlled, cl.tiebreaker)
	}
	req.AddMessageIntegrity([]byte(cl.remotePassword))
	req.AddFingerprint()

	p.requestTransactionID = req.TransactionID
	p.checksSent++
	p.lastCheckSentAt = now
	if p.firstCheckSentAt.IsZero() {
		p.firstCheckSentAt = now
	}
	if p.state == Waiting || p.state == Frozen {
		p.state = InProgress
	}

	log.Debug("%s: check %d -> %s", p, p.checksSent, p.remote.address)
	cl.sendStunLocked(req, p)
}

// sendStunLocked routes a STUN message for the pair: directly for host
// pairs, inside a Send indication via the TURN server for relay pairs.
func (cl *Checklist) sendStunLocked(msg *stun.Message, p *CandidatePair) {
	raddr := p.remoteEndpoint().udpAddr()
	relayed := p.isRelay()
	if relayed {
		ind := wrapSendIndication(raddr, msg.Bytes())
		if err := cl.ch.writeTo(ind.Bytes(), cl.relayServer.endpoint); err != nil {
			log.Warn("Failed to send relayed check on %s: %v", p, err)
			return
		}
	} else {
		if err := cl.ch.writeTo(msg.Bytes(), raddr); err != nil {
			log.Warn("Failed to send check on %s: %v", p, err)
			return
		}
	}
	cl.queueLocked(func() { cl.ch.observeStunSent(msg, raddr, relayed) })
}

// ensurePermissionLocked reports whether a fresh TURN permission exists for
// the pair's remote address, requesting or refreshing one if not.
func (cl *Checklist) ensurePermissionLocked(p *CandidatePair, now time.Time) bool {
	if cl.relayServer == nil || cl.relayServer.state != serverUsable {
		return false
	}
	fresh := !p.permissionResponseAt.IsZero() &&
		now.Sub(p.permissionResponseAt) < permissionRefreshPeriod
	if fresh {
		return true
	}

	if p.permissionRequestsSent >= maxPermissionRequests {
		log.Debug("%s: no permission after %d attempts", p, p.permissionRequestsSent)
		p.state = Failed
		return false
	}
	if now.Sub(p.permissionRequestedAt) >= minRTO {
		peer := p.remoteEndpoint().udpAddr()
		if req := cl.relayServer.sendPermission(peer, now); req != nil {
			p.permissionTransactionID = req.TransactionID
			server := cl.relayServer.endpoint
			cl.queueLocked(func() { cl.ch.observeStunSent(req, server, false) })
		}
		p.permissionRequestsSent++
		p.permissionRequestedAt = now
	}
	return false
}

// onPermissionResponse records a successful CreatePermission, unblocking
// checks on the matching relay pair.
func (cl *Checklist) onPermissionResponse(transactionID string, now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, p := range cl.entries {
		if p.permissionTransactionID == transactionID {
			p.permissionResponseAt = now
			log.Debug("%s: permission installed", p)
			return
		}
	}
}

// handleBindingResponse matches a Binding response to the entry that sent
// the check, by transaction ID.
func (cl *Checklist) handleBindingResponse(msg *stun.Message, from *net.UDPAddr, now time.Time) {
	cl.mu.Lock()
	cl.handleBindingResponseLocked(msg, from, now)
	cl.mu.Unlock()
	cl.flush()
}

func (cl *Checklist) handleBindingResponseLocked(msg *stun.Message, from *net.UDPAddr, now time.Time) {
	var p *CandidatePair
	for _, q := range cl.entries {
		if q.requestTransactionID == msg.TransactionID {
			p = q
			break
		}
	}
	if p == nil {
		log.Debug("Binding response from %s matches no check: %s", from, msg)
		return
	}

	// Responses are signed with the same key as the request.
	if msg.HasAttribute(stun.AttrMessageIntegrity) {
		if err := msg.CheckIntegrity([]byte(cl.remotePassword)); err != nil {
			log.Warn("Dropping response with bad integrity on %s", p)
			return
		}
	}

	switch msg.Class {
	case stun.ClassSuccessResponse:
		p.state = Succeeded
		p.lastResponseReceivedAt = now
		if p.nominated {
			cl.queueLocked(func() { cl.ch.setConnectionState(Connected) })
			return
		}
		if cl.controller {
			cl.maybeNominateLocked(now)
		}

	case stun.ClassErrorResponse:
		code, reason := msg.ErrorCode()
		if code == stun.CodeRoleConflict {
			// Switch roles and retry the pair.
			log.Info("Role conflict on %s; switching to controller=%v", p, !cl.controller)
			cl.controller = !cl.controller
			p.state = Waiting
			cl.triggered = append(cl.triggered, p)
			return
		}
		log.Debug("%s failed: %d %s", p, code, reason)
		p.state = Failed
	}
}

// maybeNominateLocked implements the controller nomination policy: once no
// higher-priority entry is still in flight, nominate the highest-priority
// Succeeded entry by sending a check with USE-CANDIDATE. Ties after the
// stable sort resolve by insertion order.
func (cl *Checklist) maybeNominateLocked(now time.Time) {
	if cl.nominatedPair != nil {
		return
	}
	for _, p := range cl.entries {
		switch p.state {
		case Waiting, InProgress:
			// A higher-priority entry may still succeed; hold off.
			return
		case Succeeded:
			log.Info("Nominating %s", p)
			p.nominated = true
			cl.nominatedPair = p
			cl.sendCheckLocked(p, now, true)
			return
		}
	}
}

// handleBindingRequest answers an inbound check, adopting a peer-reflexive
// candidate for unknown sources, and honours USE-CANDIDATE nomination.
func (cl *Checklist) handleBindingRequest(msg *stun.Message, from *net.UDPAddr, relayed bool, now time.Time) {
	cl.mu.Lock()
	cl.handleBindingRequestLocked(msg, from, relayed, now)
	cl.mu.Unlock()
	cl.flush()
}

func (cl *Checklist) handleBindingRequestLocked(msg *stun.Message, from *net.UDPAddr, relayed bool, now time.Time) {
	if cl.ch.config.Policy == PolicyRelay && !relayed {
		log.Debug("Rejecting direct binding request from %s under relay-only policy", from)
		cl.replyErrorLocked(msg, from, relayed, stun.CodeForbidden, "relay only")
		return
	}

	if err := msg.CheckIntegrity([]byte(cl.localPassword)); err != nil {
		log.Warn("Binding request from %s failed integrity check", from)
		cl.replyErrorLocked(msg, from, relayed, stun.CodeUnauthorized, "integrity check failed")
		return
	}

	p := cl.findPairLocked(from, relayed)
	if p == nil {
		p = cl.adoptPeerReflexiveLocked(msg, from, relayed)
		if p == nil {
			return
		}
	}
	p.lastRequestReceivedAt = now

	// [RFC8445 §7.3] Success response with the mirrored source address.
	resp := stun.New(stun.ClassSuccessResponse, stun.MethodBinding, msg.TransactionID)
	resp.SetAddress(stun.AttrXorMappedAddress, from.IP, from.Port)
	resp.AddMessageIntegrity([]byte(cl.localPassword))
	resp.AddFingerprint()
	cl.sendStunLocked(resp, p)

	if msg.HasAttribute(stun.AttrUseCandidate) && !cl.controller {
		cl.nominateFromPeerLocked(p)
	}
	if cl.nominatedPair == p {
		cl.queueLocked(func() { cl.ch.setConnectionState(Connected) })
	}

	// Queue a triggered check so the reverse direction validates promptly.
	if p.state == Waiting || p.state == Frozen {
		cl.triggered = append(cl.triggered, p)
	}
}

func (cl *Checklist) replyErrorLocked(msg *stun.Message, from *net.UDPAddr, relayed bool, code int, reason string) {
	resp := stun.New(stun.ClassErrorResponse, stun.MethodBinding, msg.TransactionID)
	resp.SetErrorCode(code, reason)
	resp.AddFingerprint()
	if relayed && cl.relayServer != nil {
		ind := wrapSendIndication(from, resp.Bytes())
		cl.ch.writeTo(ind.Bytes(), cl.relayServer.endpoint)
	} else {
		cl.ch.writeTo(resp.Bytes(), from)
	}
	cl.queueLocked(func() { cl.ch.observeStunSent(resp, from, relayed) })
}

// findPairLocked locates the entry matching the source endpoint and path.
func (cl *Checklist) findPairLocked(from *net.UDPAddr, relayed bool) *CandidatePair {
	fromTA := makeTransportAddress(from)
	for _, p := range cl.entries {
		if p.isRelay() == relayed && p.remote.address.sameEndpoint(fromTA) {
			return p
		}
	}
	return nil
}

// adoptPeerReflexiveLocked creates a prflx remote candidate and entry for an
// unknown source. RFC 8445 §7.3.1.3.
func (cl *Checklist) adoptPeerReflexiveLocked(msg *stun.Message, from *net.UDPAddr, relayed bool) *CandidatePair {
	c := makePeerReflexiveCandidate(from, msg.Uint32(stun.AttrPriority))
	log.Debug("New peer-reflexive candidate %s", c)
	cl.remoteCandidates = append(cl.remoteCandidates, c)

	var p *CandidatePair
	if relayed {
		if cl.relayLocal == nil {
			return nil
		}
		p = newCandidatePair(cl.nextID(), *cl.relayLocal, c, cl.controller)
	} else {
		p = newCandidatePair(cl.nextID(), cl.hostLocal, c, cl.controller)
	}
	cl.insertLocked(p)
	cl.sortAndTruncateLocked()

	// The entry may have been replaced or truncated; look it up again.
	return cl.findPairLocked(from, relayed)
}

// nominateFromPeerLocked honours USE-CANDIDATE from the controlling peer.
// At most one entry is nominated; a nominated entry is only ever displaced
// after it has failed.
func (cl *Checklist) nominateFromPeerLocked(p *CandidatePair) {
	if cl.nominatedPair == p {
		return
	}
	if cl.nominatedPair != nil && cl.nominatedPair.state != Failed {
		log.Debug("Ignoring nomination of %s; %s already nominated", p, cl.nominatedPair)
		return
	}
	log.Info("Peer nominated %s", p)
	if cl.nominatedPair != nil {
		cl.nominatedPair.nominated = false
	}
	p.nominated = true
	cl.nominatedPair = p
	cl.queueLocked(func() { cl.ch.setConnectionState(Connected) })
}

// relaySendTarget returns the TURN server endpoint when application data
// for the given destination must take the relay path, nil otherwise.
func (cl *Checklist) relaySendTarget(to *net.UDPAddr) *net.UDPAddr {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	p := cl.nominatedPair
	if p == nil || !p.isRelay() || cl.relayServer == nil {
		return nil
	}
	if !p.remoteEndpoint().sameEndpoint(makeTransportAddress(to)) {
		return nil
	}
	return cl.relayServer.endpoint
}

// restart drops all pair and credential state, keeping the socket and local
// candidates.
func (cl *Checklist) restart() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.entries = nil
	cl.triggered = nil
	cl.pending = nil
	cl.remoteCandidates = nil
	cl.nominatedPair = nil
	cl.remoteUfrag = ""
	cl.remotePassword = ""
}
