package ice

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hanalei/ice/internal/stun"
)

// Per-server state machine: resolve the URI, send a Binding (stun:) or
// Allocate (turn:) request, answer a 401 challenge with long-term
// credentials, and keep any allocation refreshed until the channel closes.

type serverState int

const (
	serverUnresolved serverState = iota
	serverResolving
	serverResolved
	serverChecking // initial Binding/Allocate in flight
	serverUsable
	serverFailed
)

// Transaction IDs of requests to ICE servers start with this prefix plus the
// single-digit server ID, so responses can be demultiplexed to their server
// without consulting the checklist.
const serverTransactionIDPrefix = "91245"

type serverConnection struct {
	id  int
	uri *stun.URI

	// Transport to the server itself ("udp" or "tcp"); relayed traffic is
	// always UDP.
	protocol Protocol

	username   string
	credential string

	ch *Channel

	state    serverState
	endpoint *net.UDPAddr

	// Long-term credential state captured from the 401 challenge.
	realm string
	nonce string

	reflexive *net.UDPAddr
	relay     *net.UDPAddr

	// Outstanding control request, kept for retransmission.
	request *stun.Message

	requestsSent   int
	lastRequestAt  time.Time
	lastResponseAt time.Time
	errorResponses int
	errorCode      int

	// Allocation expiry; zero until an Allocate succeeds.
	expiry time.Time

	// Control connection when the server transport is TCP. Owned by this
	// record and closed with it. Data indications still arrive on the UDP
	// socket; only control traffic uses this connection.
	tcp net.Conn
}

func newServerConnection(id int, ps parsedServer, ch *Channel) *serverConnection {
	protocol := UDP
	if ps.uri.Transport == "tcp" {
		protocol = TCP
	}
	return &serverConnection{
		id:         id,
		uri:        ps.uri,
		protocol:   protocol,
		username:   ps.username,
		credential: ps.credential,
		ch:         ch,
	}
}

func (s *serverConnection) transactionPrefix() string {
	return serverTransactionIDPrefix + strconv.Itoa(s.id)
}

func (s *serverConnection) newTransactionID() string {
	return stun.NewTransactionID(s.transactionPrefix())
}

// matchesTransaction reports whether a response belongs to this server.
func (s *serverConnection) matchesTransaction(tid string) bool {
	return len(tid) == stun.TransactionIDLength && tid[:6] == s.transactionPrefix()
}

// tick advances the state machine. Called from the channel loop every Ta.
func (s *serverConnection) tick(now time.Time) {
	switch s.state {
	case serverUnresolved:
		s.state = serverResolving
		s.startResolving()

	case serverResolved:
		s.sendInitialRequest(now)

	case serverChecking:
		if s.requestsSent >= maxRequestsPerServer {
			s.fail(errors.Errorf("ice: no response from %s after %d requests", s.uri, s.requestsSent))
			return
		}
		if now.Sub(s.lastRequestAt) >= minRTO && s.request != nil {
			s.send(s.request, now)
		}

	case serverUsable:
		// Refresh the allocation when it is about to expire.
		if s.relay != nil && !s.expiry.IsZero() &&
			s.expiry.Sub(now) <= turnRefreshMargin && now.Sub(s.lastRequestAt) >= minRTO {
			s.request = s.newRefreshRequest()
			s.send(s.request, now)
		}
	}
}

func (s *serverConnection) startResolving() {
	host := s.uri.Host
	go func() {
		ip, err := s.ch.resolver.resolve(context.Background(), host)
		s.ch.post(func() {
			if s.state != serverResolving {
				return
			}
			if err != nil {
				s.fail(err)
				return
			}
			s.endpoint = &net.UDPAddr{IP: ip, Port: s.uri.Port}
			log.Debug("Resolved %s to %s", s.uri, s.endpoint)
			if s.protocol == TCP {
				s.dialControl()
				return
			}
			s.state = serverResolved
		})
	}()
}

// dialControl opens the TCP control connection for a TCP-transport TURN
// server, then lets the state machine proceed.
func (s *serverConnection) dialControl() {
	endpoint := s.endpoint.String()
	go func() {
		conn, err := net.DialTimeout("tcp", endpoint, dnsTimeout)
		s.ch.post(func() {
			if s.state != serverResolving {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				s.fail(errors.Wrapf(err, "ice: TURN control connection to %s", s.uri))
				return
			}
			s.tcp = conn
			s.state = serverResolved
			go s.controlReadLoop(conn)
		})
	}()
}

// controlReadLoop reads length-framed STUN messages off the TCP control
// connection and hands them to the channel's demultiplexer.
func (s *serverConnection) controlReadLoop(conn net.Conn) {
	for {
		header := make([]byte, stun.HeaderLength)
		if _, err := io.ReadFull(conn, header); err != nil {
			s.ch.post(func() {
				if s.state != serverFailed && !s.ch.isClosed() && s.tcp != nil {
					s.fail(errors.Wrapf(err, "ice: TURN control connection to %s", s.uri))
				}
			})
			return
		}
		length := binary.BigEndian.Uint16(header[2:4])
		data := make([]byte, stun.HeaderLength+int(length))
		copy(data, header)
		if _, err := io.ReadFull(conn, data[stun.HeaderLength:]); err != nil {
			return
		}
		from := s.endpoint
		s.ch.post(func() {
			s.ch.handleDatagram(data, from, false)
		})
	}
}

func (s *serverConnection) sendInitialRequest(now time.Time) {
	var req *stun.Message
	if s.uri.IsTURN() {
		req = s.newAllocateRequest()
	} else {
		req = stun.New(stun.ClassRequest, stun.MethodBinding, s.newTransactionID())
		req.AddFingerprint()
	}
	s.request = req
	s.state = serverChecking
	s.send(req, now)
}

func (s *serverConnection) send(msg *stun.Message, now time.Time) {
	if err := s.write(msg, now); err != nil {
		log.Warn("Failed to send to %s: %v", s.uri, err)
		return
	}
	s.ch.observeStunSent(msg, s.endpoint, false)
}

// write puts a control message on the wire without emitting events, so it
// is safe to call with the checklist lock held.
func (s *serverConnection) write(msg *stun.Message, now time.Time) error {
	s.requestsSent++
	s.lastRequestAt = now
	if s.tcp != nil {
		_, err := s.tcp.Write(msg.Bytes())
		return err
	}
	return s.ch.writeTo(msg.Bytes(), s.endpoint)
}

// sendPermission issues a CreatePermission for the peer; the checklist owns
// the per-pair attempt accounting, matches the response by transaction ID,
// and emits the stun-out event once its lock is released.
func (s *serverConnection) sendPermission(peer *net.UDPAddr, now time.Time) *stun.Message {
	req := s.newCreatePermissionRequest(peer)
	if err := s.write(req, now); err != nil {
		log.Warn("Failed to send CreatePermission to %s: %v", s.uri, err)
		return nil
	}
	return req
}

// handleResponse processes a STUN response whose transaction ID carries this
// server's prefix.
func (s *serverConnection) handleResponse(msg *stun.Message, now time.Time) {
	if s.state == serverFailed {
		return
	}
	s.lastResponseAt = now

	switch msg.Class {
	case stun.ClassErrorResponse:
		s.handleErrorResponse(msg, now)
	case stun.ClassSuccessResponse:
		s.handleSuccessResponse(msg, now)
	default:
		log.Debug("Unexpected STUN class from %s: %s", s.uri, msg)
	}
}

func (s *serverConnection) handleErrorResponse(msg *stun.Message, now time.Time) {
	code, reason := msg.ErrorCode()
	log.Debug("Error response from %s: %d %s", s.uri, code, reason)

	s.errorResponses++
	s.errorCode = code
	if s.errorResponses >= maxErrorResponses {
		s.fail(errors.Errorf("ice: %s responded %d %s (%d errors)", s.uri, code, reason, s.errorResponses))
		return
	}

	switch code {
	case stun.CodeUnauthorized, stun.CodeStaleNonce:
		realm := msg.StringValue(stun.AttrRealm)
		nonce := msg.StringValue(stun.AttrNonce)
		if realm == "" || nonce == "" || s.credential == "" {
			return
		}
		// Retry with long-term credentials under a fresh transaction ID.
		s.realm = realm
		s.nonce = nonce
		if s.uri.IsTURN() {
			if s.state == serverUsable {
				s.request = s.newRefreshRequest()
			} else {
				s.request = s.newAllocateRequest()
			}
			s.send(s.request, now)
		}
	}
}

func (s *serverConnection) handleSuccessResponse(msg *stun.Message, now time.Time) {
	switch msg.Method {
	case stun.MethodBinding:
		mapped, err := msg.MappedAddress()
		if err != nil || mapped == nil {
			log.Warn("Binding response from %s without mapped address", s.uri)
			return
		}
		s.reflexive = mapped
		s.request = nil
		s.state = serverUsable
		s.ch.serverGotReflexive(s, mapped)

	case stun.MethodAllocate:
		relayed, err := msg.Address(stun.AttrXorRelayedAddress)
		if err != nil || relayed == nil {
			log.Warn("Allocate response from %s without relayed address", s.uri)
			return
		}
		lifetime := msg.Uint32(stun.AttrLifetime)
		if lifetime == 0 {
			lifetime = turnRequestedLifetime
		}
		s.expiry = now.Add(time.Duration(lifetime) * time.Second)
		s.relay = relayed
		s.request = nil
		s.state = serverUsable
		if mapped, err := msg.MappedAddress(); err == nil && mapped != nil {
			s.reflexive = mapped
			s.ch.serverGotReflexive(s, mapped)
		}
		s.ch.serverGotRelay(s, relayed)

	case stun.MethodRefresh:
		lifetime := msg.Uint32(stun.AttrLifetime)
		if lifetime == 0 {
			lifetime = turnRequestedLifetime
		}
		s.expiry = now.Add(time.Duration(lifetime) * time.Second)
		s.request = nil
		log.Debug("Allocation on %s refreshed until %s", s.uri, s.expiry)

	case stun.MethodCreatePermission:
		s.ch.checklist.onPermissionResponse(msg.TransactionID, now)

	default:
		log.Debug("Unexpected success response from %s: %s", s.uri, msg)
	}
}

func (s *serverConnection) fail(err error) {
	if s.state == serverFailed {
		return
	}
	log.Warn("ICE server %s failed: %v", s.uri, err)
	s.state = serverFailed
	s.request = nil
	if s.tcp != nil {
		s.tcp.Close()
		s.tcp = nil
	}
	s.ch.emitCandidateError(s.uri.String(), err)
	s.ch.maybeFinishGathering()
}

// done reports a terminal state for gathering purposes.
func (s *serverConnection) done() bool {
	return s.state == serverUsable || s.state == serverFailed
}

func (s *serverConnection) close() {
	if s.tcp != nil {
		s.tcp.Close()
		s.tcp = nil
	}
}
