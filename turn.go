package ice

import (
	"net"

	"github.com/hanalei/ice/internal/stun"
)

// TURN client behaviour (RFC 5766): allocation requests and their long-term
// credential retries, allocation refresh, peer permissions, and the
// Send/Data indication encapsulation used for relayed traffic. The state
// that drives these messages lives on the serverConnection; the checklist
// decides when permissions are needed.

// newAllocateRequest builds an Allocate request for a UDP relay whose
// address family matches the server's. Authentication attributes are
// included once the 401 challenge has supplied a realm and nonce.
func (s *serverConnection) newAllocateRequest() *stun.Message {
	msg := stun.New(stun.ClassRequest, stun.MethodAllocate, s.newTransactionID())
	msg.SetRequestedTransport(stun.ProtocolUDP)
	if s.endpoint.IP.To4() == nil {
		msg.SetRequestedAddressFamily(stun.FamilyIPv6)
	} else {
		msg.SetRequestedAddressFamily(stun.FamilyIPv4)
	}
	msg.SetUint32(stun.AttrLifetime, turnRequestedLifetime)
	s.addLongTermAuth(msg)
	msg.AddFingerprint()
	return msg
}

// newRefreshRequest extends the allocation by the standard lifetime.
func (s *serverConnection) newRefreshRequest() *stun.Message {
	msg := stun.New(stun.ClassRequest, stun.MethodRefresh, s.newTransactionID())
	msg.SetUint32(stun.AttrLifetime, turnRequestedLifetime)
	s.addLongTermAuth(msg)
	msg.AddFingerprint()
	return msg
}

// newCreatePermissionRequest installs (or refreshes) a permission for the
// given peer address on the allocation.
func (s *serverConnection) newCreatePermissionRequest(peer *net.UDPAddr) *stun.Message {
	msg := stun.New(stun.ClassRequest, stun.MethodCreatePermission, s.newTransactionID())
	msg.SetAddress(stun.AttrXorPeerAddress, peer.IP, peer.Port)
	s.addLongTermAuth(msg)
	msg.AddFingerprint()
	return msg
}

// addLongTermAuth appends USERNAME/REALM/NONCE and the MESSAGE-INTEGRITY
// computed from the long-term credential key. Before the first 401
// challenge there is no realm or nonce, and the request goes out bare.
func (s *serverConnection) addLongTermAuth(msg *stun.Message) {
	if s.realm == "" {
		return
	}
	msg.SetString(stun.AttrUsername, s.username)
	msg.SetString(stun.AttrRealm, s.realm)
	msg.SetString(stun.AttrNonce, s.nonce)
	msg.AddMessageIntegrity(stun.LongTermKey(s.username, s.realm, s.credential))
}

// wrapSendIndication encapsulates a payload destined for peer in a TURN
// Send indication addressed to the relay server.
func wrapSendIndication(peer *net.UDPAddr, payload []byte) *stun.Message {
	msg := stun.New(stun.ClassIndication, stun.MethodSend, "")
	msg.SetAddress(stun.AttrXorPeerAddress, peer.IP, peer.Port)
	msg.AddAttribute(stun.AttrData, payload)
	return msg
}

// unwrapDataIndication extracts the peer address and payload from a Data
// indication received from the TURN server. Returns (nil, nil, nil) when
// either attribute is missing, which callers treat as a drop.
func unwrapDataIndication(msg *stun.Message) (*net.UDPAddr, []byte, error) {
	peer, err := msg.Address(stun.AttrXorPeerAddress)
	if err != nil {
		return nil, nil, err
	}
	data := msg.Attribute(stun.AttrData)
	if peer == nil || data == nil {
		return nil, nil, nil
	}
	return peer, data.Value, nil
}
