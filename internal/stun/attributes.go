package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
)

// Attribute types understood by this codec. Comprehension-optional types
// (0x8000 and up) may be ignored by receivers.
const (
	AttrMappedAddress          = 0x0001
	AttrChangeRequest          = 0x0003 // RFC 5780
	AttrUsername               = 0x0006
	AttrMessageIntegrity       = 0x0008
	AttrErrorCode              = 0x0009
	AttrUnknownAttributes      = 0x000A
	AttrChannelNumber          = 0x000C // RFC 5766
	AttrLifetime               = 0x000D // RFC 5766
	AttrXorPeerAddress         = 0x0012 // RFC 5766
	AttrData                   = 0x0013 // RFC 5766
	AttrRealm                  = 0x0014
	AttrNonce                  = 0x0015
	AttrXorRelayedAddress      = 0x0016 // RFC 5766
	AttrRequestedAddressFamily = 0x0017 // RFC 6156
	AttrRequestedTransport     = 0x0019 // RFC 5766
	AttrXorMappedAddress       = 0x0020
	AttrPriority               = 0x0024 // RFC 8445
	AttrUseCandidate           = 0x0025 // RFC 8445
	AttrConnectionID           = 0x002A // RFC 6062
	AttrSoftware               = 0x8022
	AttrFingerprint            = 0x8028
	AttrIceControlled          = 0x8029 // RFC 8445
	AttrIceControlling         = 0x802A // RFC 8445
)

// Address families used in address attributes.
const (
	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// Protocol number for REQUESTED-TRANSPORT. TURN allocations are UDP only.
const ProtocolUDP = 17

const fingerprintXor = 0x5354554e

// SetAddress appends an address attribute of the given type. The XOR variants
// mask the port with the top half of the magic cookie and the address with
// the cookie (IPv4) or the cookie followed by the transaction ID (IPv6).
func (msg *Message) SetAddress(t uint16, ip net.IP, port int) {
	var value []byte
	if ip4 := ip.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = FamilyIPv4
		copy(value[4:8], ip4)
	} else {
		value = make([]byte, 20)
		value[1] = FamilyIPv6
		copy(value[4:20], ip.To16())
	}
	binary.BigEndian.PutUint16(value[2:4], uint16(port))

	if isXorAddress(t) {
		xorBytes(value[2:4], magicCookieBytes[0:2])
		xorBytes(value[4:8], magicCookieBytes)
		xorBytes(value[8:], msg.TransactionID)
	}
	msg.AddAttribute(t, value)
}

// Address decodes the first address attribute of the given type.
func (msg *Message) Address(t uint16) (*net.UDPAddr, error) {
	attr := msg.Attribute(t)
	if attr == nil {
		return nil, nil
	}
	return decodeAddress(attr, msg.TransactionID, isXorAddress(t))
}

// MappedAddress returns the mapped address from either the XOR or the
// historical plain attribute, whichever is present.
func (msg *Message) MappedAddress() (*net.UDPAddr, error) {
	if addr, err := msg.Address(AttrXorMappedAddress); addr != nil || err != nil {
		return addr, err
	}
	return msg.Address(AttrMappedAddress)
}

func isXorAddress(t uint16) bool {
	switch t {
	case AttrXorMappedAddress, AttrXorPeerAddress, AttrXorRelayedAddress:
		return true
	}
	return false
}

func decodeAddress(attr *Attribute, transactionID string, doXor bool) (*net.UDPAddr, error) {
	addr := new(net.UDPAddr)
	switch {
	case len(attr.Value) >= 8 && attr.Value[1] == FamilyIPv4:
		addr.IP = make(net.IP, 4)
		copy(addr.IP, attr.Value[4:8])
	case len(attr.Value) >= 20 && attr.Value[1] == FamilyIPv6:
		addr.IP = make(net.IP, 16)
		copy(addr.IP, attr.Value[4:20])
	default:
		return nil, ErrUnsupportedFamily
	}
	addr.Port = int(binary.BigEndian.Uint16(attr.Value[2:4]))

	if doXor {
		addr.Port ^= MagicCookie >> 16
		xorBytes(addr.IP[0:4], magicCookieBytes)
		xorBytes(addr.IP[4:], transactionID)
	}
	return addr, nil
}

func xorBytes(dest []byte, xor string) {
	for i := range dest {
		dest[i] ^= xor[i]
	}
}

// SetString appends a UTF-8 string attribute (USERNAME, REALM, NONCE, ...).
func (msg *Message) SetString(t uint16, s string) {
	msg.AddAttribute(t, []byte(s))
}

// StringValue returns a string attribute's value, or "" if absent.
func (msg *Message) StringValue(t uint16) string {
	if attr := msg.Attribute(t); attr != nil {
		return string(attr.Value)
	}
	return ""
}

// SetUint32 appends a 4-byte big-endian attribute (PRIORITY, LIFETIME,
// CHANGE-REQUEST, CONNECTION-ID).
func (msg *Message) SetUint32(t uint16, v uint32) {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, v)
	msg.AddAttribute(t, value)
}

// Uint32 returns a 4-byte attribute's value, or 0 if absent.
func (msg *Message) Uint32(t uint16) uint32 {
	if attr := msg.Attribute(t); attr != nil && len(attr.Value) == 4 {
		return binary.BigEndian.Uint32(attr.Value)
	}
	return 0
}

// SetUint64 appends an 8-byte big-endian attribute (the ICE-CONTROLLING /
// ICE-CONTROLLED tiebreaker).
func (msg *Message) SetUint64(t uint16, v uint64) {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, v)
	msg.AddAttribute(t, value)
}

// Uint64 returns an 8-byte attribute's value, or 0 if absent.
func (msg *Message) Uint64(t uint16) uint64 {
	if attr := msg.Attribute(t); attr != nil && len(attr.Value) == 8 {
		return binary.BigEndian.Uint64(attr.Value)
	}
	return 0
}

// SetChannelNumber appends a CHANNEL-NUMBER attribute (number + RFFU).
func (msg *Message) SetChannelNumber(n uint16) {
	value := make([]byte, 4)
	binary.BigEndian.PutUint16(value[0:2], n)
	msg.AddAttribute(AttrChannelNumber, value)
}

// ChannelNumber returns the CHANNEL-NUMBER value, or 0 if absent.
func (msg *Message) ChannelNumber() uint16 {
	if attr := msg.Attribute(AttrChannelNumber); attr != nil && len(attr.Value) == 4 {
		return binary.BigEndian.Uint16(attr.Value[0:2])
	}
	return 0
}

// SetRequestedTransport appends a REQUESTED-TRANSPORT attribute
// (protocol number + 3 RFFU bytes).
func (msg *Message) SetRequestedTransport(protocol byte) {
	msg.AddAttribute(AttrRequestedTransport, []byte{protocol, 0, 0, 0})
}

// SetRequestedAddressFamily appends a REQUESTED-ADDRESS-FAMILY attribute.
func (msg *Message) SetRequestedAddressFamily(family byte) {
	msg.AddAttribute(AttrRequestedAddressFamily, []byte{family, 0, 0, 0})
}

// SetErrorCode appends an ERROR-CODE attribute: 2 reserved bytes, the
// hundreds class, the residual number, then the reason phrase.
func (msg *Message) SetErrorCode(code int, reason string) {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	msg.AddAttribute(AttrErrorCode, value)
}

// ErrorCode decodes the ERROR-CODE attribute. Returns (0, "") if absent.
func (msg *Message) ErrorCode() (int, string) {
	attr := msg.Attribute(AttrErrorCode)
	if attr == nil || len(attr.Value) < 4 {
		return 0, ""
	}
	code := int(attr.Value[2]&0x07)*100 + int(attr.Value[3])
	return code, string(attr.Value[4:])
}

// Well-known error codes.
const (
	CodeBadRequest       = 400
	CodeUnauthorized     = 401
	CodeForbidden        = 403
	CodeUnknownAttribute = 420
	CodeStaleNonce       = 438
	CodeRoleConflict     = 487
)

// LongTermKey derives the RFC 5389 long-term credential HMAC key,
// MD5(username ":" realm ":" password).
func LongTermKey(username, realm, password string) []byte {
	h := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return h[:]
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute: HMAC-SHA1 over
// the serialised message up to just before the attribute itself, with the
// header length already counting it.
func (msg *Message) AddMessageIntegrity(key []byte) {
	sig := hmac.New(sha1.New, key)

	// Add a dummy attribute first, so that it is included in msg.Length.
	attr := msg.AddAttribute(AttrMessageIntegrity, zeros[0:sha1.Size])

	b := msg.Bytes()
	sig.Write(b[0 : len(b)-attr.numBytes()])
	copy(attr.Value, sig.Sum(nil))
}

// CheckIntegrity verifies the MESSAGE-INTEGRITY attribute against the given
// key. Attributes following the integrity attribute (i.e. FINGERPRINT) are
// excluded from the computation, with the header length rewritten to match.
func (msg *Message) CheckIntegrity(key []byte) error {
	offset := 0
	var attr *Attribute
	for _, a := range msg.Attributes {
		if a.Type == AttrMessageIntegrity {
			attr = a
			break
		}
		offset += a.numBytes()
	}
	if attr == nil || len(attr.Value) != sha1.Size {
		return ErrIntegrityMismatch
	}

	b := msg.Bytes()
	binary.BigEndian.PutUint16(b[2:4], uint16(offset+attr.numBytes()))
	sig := hmac.New(sha1.New, key)
	sig.Write(b[0 : HeaderLength+offset])
	if !hmac.Equal(sig.Sum(nil), attr.Value) {
		return ErrIntegrityMismatch
	}
	return nil
}

// AddFingerprint appends the FINGERPRINT attribute, the CRC32 of the message
// XORed with 0x5354554E. Must be the last attribute added.
func (msg *Message) AddFingerprint() {
	attr := msg.AddAttribute(AttrFingerprint, zeros[0:4])

	b := msg.Bytes()
	crc := crc32.ChecksumIEEE(b[0 : len(b)-attr.numBytes()])
	binary.BigEndian.PutUint32(attr.Value, crc^fingerprintXor)
}

// CheckFingerprint verifies the FINGERPRINT attribute, if present. A message
// without one passes.
func (msg *Message) CheckFingerprint() bool {
	attr := msg.Attribute(AttrFingerprint)
	if attr == nil {
		return true
	}
	if len(attr.Value) != 4 || msg.Attributes[len(msg.Attributes)-1] != attr {
		return false
	}
	b := msg.Bytes()
	crc := crc32.ChecksumIEEE(b[0 : len(b)-attr.numBytes()])
	return binary.BigEndian.Uint32(attr.Value) == crc^fingerprintXor
}

func (attr *Attribute) describe(b *strings.Builder, transactionID string) {
	switch attr.Type {
	case AttrMappedAddress, AttrXorMappedAddress, AttrXorPeerAddress, AttrXorRelayedAddress:
		addr, err := decodeAddress(attr, transactionID, isXorAddress(attr.Type))
		if err != nil {
			fmt.Fprintf(b, ", %s <bad family>", attrName(attr.Type))
		} else {
			fmt.Fprintf(b, ", %s %s", attrName(attr.Type), addr)
		}
	case AttrUsername, AttrRealm, AttrNonce, AttrSoftware:
		fmt.Fprintf(b, ", %s %q", attrName(attr.Type), string(attr.Value))
	case AttrErrorCode:
		if len(attr.Value) >= 4 {
			fmt.Fprintf(b, ", ERROR-CODE %d %s",
				int(attr.Value[2]&0x07)*100+int(attr.Value[3]), string(attr.Value[4:]))
		}
	case AttrPriority, AttrLifetime, AttrConnectionID:
		if len(attr.Value) == 4 {
			fmt.Fprintf(b, ", %s %d", attrName(attr.Type), binary.BigEndian.Uint32(attr.Value))
		}
	case AttrUseCandidate, AttrIceControlled, AttrIceControlling:
		fmt.Fprintf(b, ", %s", attrName(attr.Type))
	case AttrData:
		fmt.Fprintf(b, ", DATA (%d bytes)", len(attr.Value))
	case AttrMessageIntegrity, AttrFingerprint:
		// Trailers carry no information worth printing.
	default:
		fmt.Fprintf(b, ", attribute %#x", attr.Type)
	}
}

func attrName(t uint16) string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrXorMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrXorPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrXorRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrPriority:
		return "PRIORITY"
	case AttrLifetime:
		return "LIFETIME"
	case AttrConnectionID:
		return "CONNECTION-ID"
	case AttrUseCandidate:
		return "USE-CANDIDATE"
	case AttrIceControlled:
		return "ICE-CONTROLLED"
	case AttrIceControlling:
		return "ICE-CONTROLLING"
	default:
		return fmt.Sprintf("%#x", t)
	}
}
