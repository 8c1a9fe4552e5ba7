package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hanalei/ice/internal/mdns"
	"github.com/hanalei/ice/internal/stun"
)

// A Channel owns one datagram socket and everything needed to negotiate a
// working path over it: the configured ICE servers, the checklist, the
// resolver, and the timers that drive them. All mutable state is touched
// only from the channel's event loop; blocking work (DNS, mDNS) runs in
// background goroutines that post their results back through the mailbox.
type Channel struct {
	handlers

	config  Config
	conn    *net.UDPConn
	servers []*serverConnection

	checklist Checklist
	resolver  *resolver
	mdns      *mdns.Client

	localUfrag    string
	localPassword string
	tiebreaker    uint64

	gatheringState  GatheringState
	connectionState ConnectionState

	mailbox chan func()
	closed  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// NewChannel binds the socket and prepares (but does not start) gathering.
func NewChannel(config Config) (*Channel, error) {
	parsed, err := config.validate()
	if err != nil {
		return nil, err
	}

	conn, err := bindSocket(config)
	if err != nil {
		return nil, err
	}
	log.Info("Listening on %s", conn.LocalAddr())

	ch := &Channel{
		config:  config,
		conn:    conn,
		mailbox: make(chan func(), 64),
		closed:  make(chan struct{}),
	}

	// mDNS is best-effort: used to resolve remote ".local" candidates and,
	// when configured, to hide our own host address.
	if m, err := mdns.NewClient(); err != nil {
		log.Warn("mDNS unavailable: %v", err)
	} else {
		ch.mdns = m
	}
	ch.resolver = newResolver(ch.mdns)

	ch.localUfrag = randomIdentifier(8)
	ch.localPassword = randomIdentifier(24)
	ch.tiebreaker = randomUint64()

	// The single host checklist candidate stands in for every host
	// candidate: it is bound to the socket's wildcard address.
	wildcard := makeTransportAddress(conn.LocalAddr())
	ch.checklist.init(ch, makeHostCandidate(wildcard, 0xff), config.Controlling, ch.tiebreaker)
	ch.checklist.setLocalCredentials(ch.localUfrag, ch.localPassword)

	for i, ps := range parsed {
		ch.servers = append(ch.servers, newServerConnection(i, ps, ch))
	}
	return ch, nil
}

func bindSocket(config Config) (*net.UDPConn, error) {
	var ip net.IP
	if config.BindAddress != "" {
		if ip = net.ParseIP(config.BindAddress); ip == nil {
			return nil, errors.Errorf("ice: invalid bind address %q", config.BindAddress)
		}
	}

	try := func(port int) (*net.UDPConn, error) {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	}

	if config.BindPort != 0 {
		return try(config.BindPort)
	}
	if config.PortRangeMin != 0 || config.PortRangeMax != 0 {
		var lastErr error
		for port := config.PortRangeMin; port <= config.PortRangeMax; port++ {
			conn, err := try(port)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, errors.Wrap(lastErr, "ice: no free port in range")
	}
	return try(0)
}

// LocalUfrag returns the local ice-ufrag for signaling.
func (ch *Channel) LocalUfrag() string { return ch.localUfrag }

// LocalPassword returns the local ice-pwd for signaling.
func (ch *Channel) LocalPassword() string { return ch.localPassword }

// GatheringState returns the last observed gathering state.
func (ch *Channel) GatheringState() GatheringState { return ch.gatheringState }

// ConnectionState returns the last observed connection state.
func (ch *Channel) ConnectionState() ConnectionState { return ch.connectionState }

// SelectedPair returns the nominated candidate pair, or nil.
func (ch *Channel) SelectedPair() *CandidatePair {
	return ch.checklist.nominated()
}

func (ch *Channel) localPort() int {
	return ch.conn.LocalAddr().(*net.UDPAddr).Port
}

func (ch *Channel) isClosed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}

// post hands a closure to the event loop. Posts after Close are dropped.
func (ch *Channel) post(f func()) {
	select {
	case ch.mailbox <- f:
	case <-ch.closed:
	}
}

// StartGathering enumerates host candidates, kicks off server processing,
// and starts the checklist timer.
func (ch *Channel) StartGathering() error {
	if ch.isClosed() {
		return ErrClosed
	}
	ch.startOnce.Do(func() {
		go ch.loop()
		go ch.readLoop()
		ch.post(func() {
			ch.setGatheringState(Gathering)
			ch.gatherHostCandidates()
			if len(ch.servers) == 0 {
				ch.setGatheringState(GatheringComplete)
			}
		})
	})
	return nil
}

// SetRemoteCredentials supplies the peer's ice-ufrag and ice-pwd, allowing
// checks to begin.
func (ch *Channel) SetRemoteCredentials(ufrag, password string) error {
	if ch.isClosed() {
		return ErrClosed
	}
	ch.post(func() {
		ch.checklist.setRemoteCredentials(ufrag, password)
		if ch.connectionState == ConnectionNew {
			ch.setConnectionState(Checking)
		}
	})
	return nil
}

// AddRemoteCandidate feeds one remote candidate into the checklist. A
// candidate with an unresolved hostname is resolved in the background and
// dropped on failure.
func (ch *Channel) AddRemoteCandidate(c Candidate) error {
	if ch.isClosed() {
		return ErrClosed
	}
	ch.post(func() {
		if c.address.resolved() {
			ch.checklist.enqueueRemote(c)
			return
		}
		host := string(c.address.ip)
		go func() {
			ip, err := ch.resolver.resolve(context.Background(), host)
			if err != nil {
				log.Warn("Dropping remote candidate %s: %v", c, err)
				return
			}
			ch.post(func() {
				c.address = makeIPAddress(c.address.protocol, ip, c.address.port)
				ch.checklist.enqueueRemote(c)
			})
		}()
	})
	return nil
}

// AddRemoteCandidateSDP parses an SDP candidate line and adds it.
func (ch *Channel) AddRemoteCandidateSDP(desc string) error {
	c, err := ParseCandidate(desc)
	if err != nil {
		return err
	}
	return ch.AddRemoteCandidate(c)
}

// Send transmits application data to the given endpoint. When the nominated
// pair is relayed and the destination is its remote endpoint, the payload is
// wrapped in a TURN Send indication; everything else goes out directly.
func (ch *Channel) Send(to *net.UDPAddr, data []byte) error {
	if ch.isClosed() {
		return ErrClosed
	}
	if server := ch.checklist.relaySendTarget(to); server != nil {
		ind := wrapSendIndication(to, data)
		return ch.writeTo(ind.Bytes(), server)
	}
	return ch.writeTo(data, to)
}

// Restart resets all negotiation state except the socket: fresh local
// credentials, an empty checklist, and connection state back to new.
func (ch *Channel) Restart() error {
	if ch.isClosed() {
		return ErrClosed
	}
	ch.post(func() {
		ch.localUfrag = randomIdentifier(8)
		ch.localPassword = randomIdentifier(24)
		ch.checklist.restart()
		ch.checklist.setLocalCredentials(ch.localUfrag, ch.localPassword)
		ch.setConnectionState(ConnectionNew)
	})
	return nil
}

// Close halts all timers, releases DNS and TURN resources, and closes the
// socket. It is idempotent and races safely with the timers.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.setConnectionState(ConnectionClosed)
		close(ch.closed)
		for _, s := range ch.servers {
			s.close()
		}
		if ch.mdns != nil {
			ch.mdns.Close()
		}
		ch.conn.Close()
	})
	return nil
}

func (ch *Channel) writeTo(data []byte, addr *net.UDPAddr) error {
	_, err := ch.conn.WriteToUDP(data, addr)
	return err
}

// loop is the single-threaded scheduler: it drains the mailbox and drives
// the server and checklist state machines every Ta.
func (ch *Channel) loop() {
	ticker := time.NewTicker(Ta)
	defer ticker.Stop()

	for {
		select {
		case <-ch.closed:
			return
		case f := <-ch.mailbox:
			f()
		case now := <-ticker.C:
			for _, s := range ch.servers {
				s.tick(now)
			}
			ch.checklist.tick(now)
		}
	}
}

// readLoop pulls datagrams off the socket and posts them to the loop.
func (ch *Channel) readLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, raddr, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			if ch.isClosed() {
				return
			}
			if neterr, ok := err.(net.Error); ok && neterr.Temporary() {
				log.Warn("Transient read error: %v", err)
				continue
			}
			log.Warn("Socket read failed: %v", err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		from := &net.UDPAddr{IP: append(net.IP(nil), raddr.IP...), Port: raddr.Port, Zone: raddr.Zone}
		ch.post(func() {
			ch.handleDatagram(data, from, false)
		})
	}
}

// handleDatagram is the packet demultiplexer: TURN Data indications are
// unwrapped first, STUN messages are routed by transaction ID, and anything
// else is application payload.
func (ch *Channel) handleDatagram(data []byte, from *net.UDPAddr, relayed bool) {
	if len(data) == 0 {
		return
	}

	if (data[0] == 0x00 || data[0] == 0x01) && stun.IsMessage(data) {
		msg, err := stun.Parse(data)
		if err != nil {
			log.Warn("Dropping malformed STUN message from %s: %v", from, err)
			return
		}

		if !relayed && stun.ComposeType(msg.Class, msg.Method) == stun.DataIndicationType {
			ch.observeStunReceived(msg, from, false)
			peer, payload, err := unwrapDataIndication(msg)
			if err != nil || peer == nil {
				log.Debug("Dropping Data indication without peer/data from %s", from)
				return
			}
			// Dispatch the tunneled payload as if received directly.
			ch.handleDatagram(payload, peer, true)
			return
		}

		ch.observeStunReceived(msg, from, relayed)
		ch.routeStun(msg, from, relayed)
		return
	}

	if ch.OnData != nil {
		ch.OnData(ch.localPort(), from, data)
	}
}

// routeStun binds a STUN message to its layer: ICE server by transaction-ID
// prefix, then checklist by transaction ID, with unmatched binding requests
// treated as peer-reflexive discovery.
func (ch *Channel) routeStun(msg *stun.Message, from *net.UDPAddr, relayed bool) {
	now := time.Now()
	switch msg.Class {
	case stun.ClassRequest:
		if msg.Method == stun.MethodBinding {
			ch.checklist.handleBindingRequest(msg, from, relayed, now)
		} else {
			log.Debug("Ignoring %s from %s", msg, from)
		}

	case stun.ClassIndication:
		// Binding indications are keepalives; nothing to do.

	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		for _, s := range ch.servers {
			if s.matchesTransaction(msg.TransactionID) {
				s.handleResponse(msg, now)
				ch.maybeFinishGathering()
				return
			}
		}
		ch.checklist.handleBindingResponse(msg, from, now)
	}
}

func (ch *Channel) observeStunSent(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
	log.Trace(5, "Sent to %s (relayed=%v): %s", remote, relayed, msg)
	if ch.OnStunMessageSent != nil {
		ch.OnStunMessageSent(msg, remote, relayed)
	}
}

func (ch *Channel) observeStunReceived(msg *stun.Message, remote *net.UDPAddr, relayed bool) {
	log.Trace(5, "Received from %s (relayed=%v): %s", remote, relayed, msg)
	if ch.OnStunMessageReceived != nil {
		ch.OnStunMessageReceived(msg, remote, relayed)
	}
}

// serverGotReflexive records a server-reflexive discovery and emits the
// candidate.
func (ch *Channel) serverGotReflexive(s *serverConnection, mapped *net.UDPAddr) {
	base := makeTransportAddress(ch.conn.LocalAddr())
	c := makeServerReflexiveCandidate(makeTransportAddress(mapped), base, s)
	c.ufrag = ch.localUfrag
	ch.emitCandidate(c)
	ch.maybeFinishGathering()
}

// serverGotRelay installs the relay checklist candidate and emits it.
func (ch *Channel) serverGotRelay(s *serverConnection, relayed *net.UDPAddr) {
	related := makeTransportAddress(ch.conn.LocalAddr())
	if s.reflexive != nil {
		related = makeTransportAddress(s.reflexive)
	}
	c := makeRelayCandidate(makeTransportAddress(relayed), related, s)
	c.ufrag = ch.localUfrag
	ch.checklist.setRelayCandidate(c, s)
	ch.emitCandidate(c)
	ch.maybeFinishGathering()
}

// maybeFinishGathering declares gathering complete once every configured
// server reached a terminal state. A failed gather still completes, with
// whatever candidates were produced.
func (ch *Channel) maybeFinishGathering() {
	if ch.gatheringState != Gathering {
		return
	}
	for _, s := range ch.servers {
		if !s.done() {
			return
		}
	}
	ch.setGatheringState(GatheringComplete)
}

func randomIdentifier(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

func randomUint64() uint64 {
	buf := make([]byte, 8)
	rand.Read(buf)
	return binary.BigEndian.Uint64(buf)
}
