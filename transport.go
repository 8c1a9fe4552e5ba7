package ice

import (
	"fmt"
	"net"
	"strings"
)

// Transport protocol of a candidate.
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

// Address family of a transport address.
type Family int

const (
	Unresolved Family = 0
	IPv4       Family = 4
	IPv6       Family = 6
)

// IPAddress holds either a raw 4- or 16-byte IP address, or a hostname
// (including ephemeral ".local" names) that has not been resolved yet.
type IPAddress string

// A TransportAddress is the (protocol, address, port) triple a candidate
// offers. A candidate is usable in the checklist only once its address has
// been resolved to a concrete IP.
type TransportAddress struct {
	protocol  Protocol
	ip        IPAddress
	port      int
	family    Family
	linkLocal bool
}

func makeTransportAddress(addr net.Addr) TransportAddress {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return makeIPAddress(TCP, a.IP, a.Port)
	case *net.UDPAddr:
		return makeIPAddress(UDP, a.IP, a.Port)
	default:
		panic("ice: unsupported net.Addr type: " + addr.String())
	}
}

func makeIPAddress(protocol Protocol, ip net.IP, port int) TransportAddress {
	ta := TransportAddress{protocol: protocol, port: port}
	if ip4 := ip.To4(); ip4 != nil {
		ta.ip = IPAddress(ip4)
		ta.family = IPv4
	} else {
		ta.ip = IPAddress(ip.To16())
		ta.family = IPv6
	}
	ta.linkLocal = ip.IsLinkLocalUnicast()
	return ta
}

// makeHostAddress wraps an address that may be a hostname. Literal IPs are
// classified immediately; anything else stays Unresolved.
func makeHostAddress(protocol Protocol, host string, port int) TransportAddress {
	if ip := net.ParseIP(host); ip != nil {
		return makeIPAddress(protocol, ip, port)
	}
	return TransportAddress{protocol: protocol, ip: IPAddress(host), port: port}
}

func (ta TransportAddress) resolved() bool {
	return ta.family != Unresolved
}

// IP returns the concrete address, or nil if unresolved.
func (ta TransportAddress) IP() net.IP {
	if !ta.resolved() {
		return nil
	}
	return net.IP(ta.ip)
}

// displayIP renders the address or hostname without the port.
func (ta TransportAddress) displayIP() string {
	if ta.resolved() {
		return net.IP(ta.ip).String()
	}
	return string(ta.ip)
}

// netAddr converts to a net.Addr. Only valid for resolved addresses.
func (ta TransportAddress) netAddr() net.Addr {
	switch ta.protocol {
	case TCP:
		return &net.TCPAddr{IP: net.IP(ta.ip), Port: ta.port}
	default:
		return &net.UDPAddr{IP: net.IP(ta.ip), Port: ta.port}
	}
}

// udpAddr converts to a *net.UDPAddr. Only valid for resolved addresses.
func (ta TransportAddress) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(ta.ip), Port: ta.port}
}

// sameEndpoint ignores the protocol, comparing only address and port.
func (ta TransportAddress) sameEndpoint(other TransportAddress) bool {
	return ta.ip == other.ip && ta.port == other.port
}

func (ta TransportAddress) String() string {
	ip := ta.displayIP()
	if ta.family == IPv6 {
		ip = "[" + ip + "]"
	}
	return fmt.Sprintf("%s/%s:%d", ta.protocol, ip, ta.port)
}

func parseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	default:
		return "", fmt.Errorf("ice: invalid transport protocol: %s", s)
	}
}
