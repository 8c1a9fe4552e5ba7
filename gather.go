package ice

import (
	"net"
	"time"

	"github.com/hanalei/ice/internal/mdns"
)

// Host candidate enumeration, per draft-ietf-rtcweb-ip-handling-12: Mode 1
// exposes only the default-route address (or, when that lookup fails, every
// usable interface address), Mode 2 every usable interface address. All host
// candidates share the channel's single socket port.

const mdnsAnnounceTTL = 2 * time.Hour

func (ch *Channel) gatherHostCandidates() {
	ips := ch.enumerateHostIPs()
	if len(ips) == 0 {
		log.Warn("No usable host addresses found")
		return
	}

	port := ch.localPort()
	pref := uint32(0xff)
	for _, ip := range ips {
		c := makeHostCandidate(makeIPAddress(UDP, ip, port), pref)
		c.ufrag = ch.localUfrag
		if pref > 0 {
			pref--
		}

		if ch.config.UseMdnsHostname && ch.mdns != nil {
			name := mdns.EphemeralName()
			if err := ch.mdns.Announce(name, ip, mdnsAnnounceTTL); err != nil {
				log.Warn("Failed to announce %s: %v", name, err)
			} else {
				// Signal the ephemeral name instead of the raw address.
				c.address = TransportAddress{protocol: UDP, ip: IPAddress(name), port: port}
			}
		}

		ch.emitCandidate(c)
	}
}

func (ch *Channel) enumerateHostIPs() []net.IP {
	if !ch.config.IncludeAllInterfaceAddresses {
		// Mode 1: the address a packet to a public destination would use.
		if ip, err := defaultRouteIP(); err == nil && usableHostIP(ip) {
			return []net.IP{ip}
		}
		log.Debug("Default route lookup failed; falling back to interface scan")
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn("Interface enumeration failed: %v", err)
		return nil
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if usableHostIP(ipnet.IP) {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips
}

// defaultRouteIP finds the local address used to reach a public destination.
// No packet is actually sent.
func defaultRouteIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// usableHostIP excludes loopback, link-local, unspecified addresses, and
// the IPv6 site-local and v4-compatible forms RFC 6724 keeps off the wire.
// A v4-mapped IPv6 address is not told apart from IPv4 (net.IP stores both
// the same way), so it is accepted as an IPv4 address.
func usableHostIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return false
	}
	if ip.To4() != nil {
		return true
	}
	ip = ip.To16()
	if ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 { // fec0::/10 site-local
		return false
	}
	if isZeroPrefix(ip[:12]) { // ::a.b.c.d v4-compatible
		return false
	}
	return true
}

func isZeroPrefix(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
