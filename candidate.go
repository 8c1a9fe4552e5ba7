package ice

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
)

// An ICE candidate, local or remote. See RFC 8445 §5.3 for the field
// definitions.
type Candidate struct {
	typ      string
	address  TransportAddress
	priority uint32

	foundation string
	component  int

	relatedAddress string
	relatedPort    int

	// For TCP candidates: "active", "passive" or "so".
	tcpType string

	// Username fragment of the agent that offered the candidate, when known.
	ufrag string

	// Unknown trailing "name value" attribute pairs, kept for round-tripping.
	attrs []Attribute

	// Index of the ICE server that produced this candidate (reflexive and
	// relay candidates only), used as an interned key instead of a pointer
	// back to the server record. -1 for host and peer-reflexive candidates.
	serverID int
}

type Attribute struct {
	name  string
	value string
}

const (
	hostType  = "host"
	srflxType = "srflx"
	prflxType = "prflx"
	relayType = "relay"
)

// Type preferences, per RFC 8445 §5.1.2.2.
func typePreference(typ string) uint32 {
	switch typ {
	case hostType:
		return 126
	case prflxType:
		return 110
	case srflxType:
		return 100
	case relayType:
		return 0
	default:
		panic("ice: illegal candidate type: " + typ)
	}
}

// Address precedence following the RFC 3484-bis ordering.
func addrPrecedence(ip net.IP) uint32 {
	if ip.To4() != nil {
		return 30
	}
	ip = ip.To16()
	switch {
	case ip == nil:
		return 1
	case ip.IsLoopback():
		return 60
	case ip[0]&0xfe == 0xfc: // fc00::/7 unique local
		return 50
	case ip[0] == 0x20 && ip[1] == 0x02: // 2002::/16 6to4
		return 20
	case ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0 && ip[3] == 0: // 2001::/32 Teredo
		return 10
	case ip.IsLinkLocalUnicast() || ip.IsUnspecified():
		return 1
	default:
		return 40
	}
}

// localPreference combines the interface preference, address precedence and
// a small bump for the relay transport protocol into the 16-bit local
// preference field.
func localPreference(ifacePref uint32, ip net.IP, serverProtocol Protocol) uint32 {
	pref := ifacePref<<8 | addrPrecedence(ip)
	switch serverProtocol {
	case UDP:
		pref += 2
	case TCP:
		pref += 1
	}
	return pref & 0xffff
}

// computePriority implements RFC 8445 §5.1.2.1:
// (type pref << 24) | (local pref << 8) | (256 - component).
func computePriority(typ string, localPref uint32, component int) uint32 {
	return typePreference(typ)<<24 | (localPref&0xffff)<<8 | uint32(256-component)
}

// computeFoundation hashes (type, address, protocol, server protocol) so that
// candidates of the same type from the same base and server share a
// foundation. RFC 8445 §5.1.1.3.
func computeFoundation(typ string, address string, protocol, serverProtocol Protocol) string {
	crc := crc32.ChecksumIEEE([]byte(typ + address + string(protocol) + string(serverProtocol)))
	return strconv.FormatUint(uint64(crc), 10)
}

func makeHostCandidate(address TransportAddress, ifacePref uint32) Candidate {
	return Candidate{
		typ:        hostType,
		address:    address,
		priority:   computePriority(hostType, localPreference(ifacePref, net.IP(address.ip), UDP), 1),
		foundation: computeFoundation(hostType, address.displayIP(), address.protocol, UDP),
		component:  1,
		serverID:   -1,
	}
}

func makeServerReflexiveCandidate(mapped TransportAddress, base TransportAddress, server *serverConnection) Candidate {
	return Candidate{
		typ:            srflxType,
		address:        mapped,
		priority:       computePriority(srflxType, localPreference(0, net.IP(mapped.ip), server.protocol), 1),
		foundation:     computeFoundation(srflxType, mapped.displayIP(), mapped.protocol, server.protocol),
		component:      1,
		relatedAddress: base.displayIP(),
		relatedPort:    base.port,
		serverID:       server.id,
	}
}

func makeRelayCandidate(relay TransportAddress, related TransportAddress, server *serverConnection) Candidate {
	return Candidate{
		typ:            relayType,
		address:        relay,
		priority:       computePriority(relayType, localPreference(0, net.IP(relay.ip), server.protocol), 1),
		foundation:     computeFoundation(relayType, relay.displayIP(), relay.protocol, server.protocol),
		component:      1,
		relatedAddress: related.displayIP(),
		relatedPort:    related.port,
		serverID:       server.id,
	}
}

func makePeerReflexiveCandidate(raddr net.Addr, priority uint32) Candidate {
	ta := makeTransportAddress(raddr)
	if priority == 0 {
		priority = computePriority(prflxType, localPreference(0, net.IP(ta.ip), UDP), 1)
	}
	return Candidate{
		typ:        prflxType,
		address:    ta,
		priority:   priority,
		foundation: computeFoundation(prflxType, ta.displayIP(), ta.protocol, UDP),
		component:  1,
		serverID:   -1,
	}
}

// Type returns one of "host", "srflx", "prflx" or "relay".
func (c *Candidate) Type() string { return c.typ }

// Protocol returns the candidate's transport protocol.
func (c *Candidate) Protocol() Protocol { return c.address.protocol }

// Address returns the textual address, which may be an unresolved hostname.
func (c *Candidate) Address() string { return c.address.displayIP() }

// Port returns the candidate's port.
func (c *Candidate) Port() int { return c.address.port }

// Priority returns the computed (or signaled) candidate priority.
func (c *Candidate) Priority() uint32 { return c.priority }

// Foundation returns the candidate's foundation string.
func (c *Candidate) Foundation() string { return c.foundation }

func (c *Candidate) isReflexive() bool {
	return c.typ == srflxType || c.typ == prflxType
}

// peerPriority is the priority advertised in connectivity checks, computed
// as if this candidate were peer reflexive. RFC 8445 §7.1.1.
func (c *Candidate) peerPriority() uint32 {
	return computePriority(prflxType, c.priority>>8&0xffff, c.component)
}

func (c *Candidate) addAttribute(name, value string) {
	c.attrs = append(c.attrs, Attribute{name, value})
}

// String renders the candidate as an SDP candidate line, including the
// leading "candidate:" prefix.
func (c Candidate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.foundation, c.component, c.address.protocol, c.priority,
		c.address.displayIP(), c.address.port, c.typ)
	if c.tcpType != "" {
		fmt.Fprintf(&b, " tcptype %s", c.tcpType)
	}
	if c.relatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.relatedAddress, c.relatedPort)
	}
	for _, a := range c.attrs {
		fmt.Fprintf(&b, " %s %s", a.name, a.value)
	}
	b.WriteString(" generation 0")
	return b.String()
}

// ParseCandidate parses an SDP candidate line of the form
//   [candidate:]{foundation} {component} {protocol} {priority} {address} {port} typ {type} ...
// Unknown trailing "name value" pairs are retained.
func ParseCandidate(desc string) (Candidate, error) {
	c := Candidate{serverID: -1}

	desc = strings.TrimSpace(desc)
	if !strings.HasPrefix(desc, "candidate:") {
		desc = "candidate:" + desc
	}
	r := strings.NewReader(desc)

	var protocol, host string
	var port int
	_, err := fmt.Fscanf(r, "candidate:%s %d %s %d %s %d typ %s",
		&c.foundation, &c.component, &protocol, &c.priority, &host, &port, &c.typ)
	if err != nil {
		return c, fmt.Errorf("ice: malformed candidate line %q: %v", desc, err)
	}
	if c.component < 1 || c.component > 256 {
		return c, fmt.Errorf("ice: component ID out of range: %d", c.component)
	}
	switch c.typ {
	case hostType, srflxType, prflxType, relayType:
	default:
		return c, fmt.Errorf("ice: unknown candidate type: %s", c.typ)
	}

	p, err := parseProtocol(protocol)
	if err != nil {
		return c, err
	}
	c.address = makeHostAddress(p, host, port)

	// The rest of the line consists of "name value" pairs.
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	var name string
	for scanner.Scan() {
		if name == "" {
			name = scanner.Text()
			continue
		}
		value := scanner.Text()
		switch name {
		case "tcptype":
			c.tcpType = value
		case "raddr":
			c.relatedAddress = value
		case "rport":
			if c.relatedPort, err = strconv.Atoi(value); err != nil {
				return c, fmt.Errorf("ice: invalid rport: %s", value)
			}
		case "ufrag":
			c.ufrag = value
		case "generation":
			// Ignored; we only produce generation 0.
		default:
			c.addAttribute(name, value)
		}
		name = ""
	}
	if name != "" {
		return c, fmt.Errorf("ice: unmatched attribute name: %s", name)
	}

	return c, nil
}

// CandidateInit is the JSON form used to signal a candidate, mirroring the
// W3C RTCIceCandidateInit dictionary.
type CandidateInit struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid"`
	SDPMLineIndex    uint16 `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// ToInit wraps the candidate for JSON signaling.
func (c Candidate) ToInit(mid string, mLineIndex uint16) CandidateInit {
	return CandidateInit{
		Candidate:        c.String(),
		SDPMid:           mid,
		SDPMLineIndex:    mLineIndex,
		UsernameFragment: c.ufrag,
	}
}

// ParseCandidateJSON decodes a CandidateInit JSON document into a Candidate.
func ParseCandidateJSON(data []byte) (Candidate, error) {
	var init CandidateInit
	if err := json.Unmarshal(data, &init); err != nil {
		return Candidate{}, err
	}
	c, err := ParseCandidate(init.Candidate)
	if err != nil {
		return c, err
	}
	if c.ufrag == "" {
		c.ufrag = init.UsernameFragment
	}
	return c, nil
}
