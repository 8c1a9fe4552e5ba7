// Package mdns implements the client side of the RTCWeb mdns-ice-candidates
// proposal: resolving (and announcing) ephemeral Multicast DNS hostnames so
// that candidates need not expose local IP addresses.
// See https://tools.ietf.org/html/draft-ietf-rtcweb-mdns-ice-candidates-04
package mdns

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/hanalei/ice/internal/logging"
)

var log = logging.DefaultLogger.WithTag("mdns")

// Multicast DNS addresses, per RFC 6762.
var (
	groupAddr4 = &net.UDPAddr{IP: net.ParseIP("224.0.0.251"), Port: 5353}
	groupAddr6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}
)

// High bit of the CLASS field in questions and resource records, repurposed
// by mDNS to request/flag unicast handling.
const classMask = 1 << 15

func errInvalidDomain(name string) error {
	return errors.Errorf("mdns: not an ephemeral .local domain: %s", name)
}

// EphemeralName returns a fresh v4-UUID ".local" hostname.
func EphemeralName() string {
	return uuid.NewString() + ".local"
}

// IsEphemeralName checks whether host looks like an ephemeral mDNS-ICE
// hostname: a single label of at least 36 characters (the length of a UUID)
// followed by ".local". The label itself is not checked to be a UUID.
func IsEphemeralName(host string) bool {
	return strings.HasSuffix(host, ".local") && strings.Count(host, ".") == 1 && len(host) >= 36+6
}

// A cached record, either learned from the network or announced by us.
type record struct {
	name    dnsmessage.Name
	ip      net.IP
	expires time.Time
	ours    bool

	// ready and readyCh resolve pending queries exactly once.
	ready   *uint32
	readyCh chan struct{}
}

func (r *record) rrType() dnsmessage.Type {
	if r.ip.To4() != nil {
		return dnsmessage.TypeA
	}
	return dnsmessage.TypeAAAA
}

// Finalize the IP address for this record after an answer arrives.
func (r *record) update(ip net.IP, expires time.Time) {
	r.ip = ip
	r.expires = expires
	if r.ready != nil && atomic.AddUint32(r.ready, 1) == 1 && r.readyCh != nil {
		close(r.readyCh)
	}
}

// Client owns the multicast sockets and the record cache for one ICE channel.
type Client struct {
	conn4 *net.UDPConn
	conn6 *net.UDPConn

	mu sync.Mutex

	// Cache keyed by the UUID part of the domain (without ".local").
	cache map[string]*record

	closed bool
}

func NewClient() (*Client, error) {
	// Listen on the wildcard address, otherwise outgoing queries sent to the
	// group just get looped back to ourselves.
	conn4, err := net.ListenMulticastUDP("udp4", nil, groupAddr4)
	if err != nil {
		return nil, err
	}
	conn6, err := net.ListenMulticastUDP("udp6", nil, groupAddr6)
	if err != nil {
		conn4.Close()
		return nil, err
	}

	// Multicast loopback matters when the peer runs on the same host,
	// which is mostly a testing setup.
	if err := ipv4.NewPacketConn(conn4).SetMulticastLoopback(true); err != nil {
		conn4.Close()
		conn6.Close()
		return nil, err
	}
	if err := ipv6.NewPacketConn(conn6).SetMulticastLoopback(true); err != nil {
		conn4.Close()
		conn6.Close()
		return nil, err
	}

	c := &Client{
		conn4: conn4,
		conn6: conn6,
		cache: make(map[string]*record),
	}
	go c.readLoop(conn4)
	go c.readLoop(conn6)
	return c, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.conn4.Close()
	c.conn6.Close()
}

// Resolve blocks until the ephemeral hostname resolves, the context ends, or
// the deadline passes.
func (c *Client) Resolve(ctx context.Context, host string) (net.IP, error) {
	if !IsEphemeralName(host) {
		return nil, errInvalidDomain(host)
	}
	key := host[:len(host)-6] // strip ".local"

	c.mu.Lock()
	r := c.cache[key]
	if r == nil {
		r = &record{
			name:    dnsmessage.MustNewName(host + "."),
			ready:   new(uint32),
			readyCh: make(chan struct{}),
		}
		c.cache[key] = r
	}
	c.mu.Unlock()

	if r.ip != nil {
		return r.ip, nil
	}

	// Re-send the query until we either get an answer or run out of time.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := c.sendQuery(r); err != nil {
			return nil, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.readyCh:
			log.Debug("resolved %s to %s", r.name, r.ip)
			return r.ip, nil
		}
	}
}

// Announce publishes an ephemeral name for one of our own addresses, and
// caches it for answering later queries.
func (c *Client) Announce(name string, ip net.IP, ttl time.Duration) error {
	if !strings.HasSuffix(name, ".local") {
		return errInvalidDomain(name)
	}

	r := &record{
		name:    dnsmessage.MustNewName(name + "."),
		ip:      ip,
		expires: time.Now().Add(ttl),
		ours:    true,
	}
	c.mu.Lock()
	c.cache[name[:len(name)-6]] = r
	c.mu.Unlock()

	conn := c.conn4
	if ip.To4() == nil {
		conn = c.conn6
	}
	// Unsolicited response to the multicast group.
	return c.sendResponse(r, conn.LocalAddr().(*net.UDPAddr), conn)
}

func (c *Client) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Error("read error (%s): %v", conn.LocalAddr(), err)
			}
			return
		}
		c.handleMessage(buf[:n], src, conn)
	}
}

func (c *Client) handleMessage(msg []byte, src *net.UDPAddr, conn *net.UDPConn) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		log.Warn("invalid DNS message: %v", err)
		return
	}
	if hdr.OpCode != 0 {
		// Ignore non-zero OPCODE: https://tools.ietf.org/html/rfc6762#section-18.3
		return
	}

	for {
		q, err := p.Question()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			log.Debug("invalid question: %v", err)
			break
		}
		c.handleQuestion(&q, src, conn)
	}

	for {
		a, err := p.Answer()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			log.Debug("invalid answer: %v", err)
			break
		}
		c.handleAnswer(&a)
	}
}

// Answer an incoming question if we hold an authoritative record for it.
func (c *Client) handleQuestion(q *dnsmessage.Question, src *net.UDPAddr, conn *net.UDPConn) {
	name := q.Name.String()[:q.Name.Length-1] // strip final "."
	if !IsEphemeralName(name) {
		return
	}
	key := name[:len(name)-6]

	c.mu.Lock()
	r, found := c.cache[key]
	c.mu.Unlock()
	if !found || !r.ours || q.Type != r.rrType() {
		return
	}

	if time.Now().After(r.expires) {
		c.mu.Lock()
		delete(c.cache, key)
		c.mu.Unlock()
		return
	}

	dst := src
	if (q.Class & classMask) == 0 {
		// High bit of QCLASS clear means a multicast response.
		dst = conn.LocalAddr().(*net.UDPAddr)
	}
	log.Debug("responding to %v with %v", q.Name, r.ip)
	if err := c.sendResponse(r, dst, conn); err != nil {
		log.Warn("failed to send response: %v", err)
	}
}

func (c *Client) handleAnswer(a *dnsmessage.Resource) {
	if a.Header.Class&^classMask != dnsmessage.ClassINET {
		return
	}
	name := a.Header.Name.String()[:a.Header.Name.Length-1]
	if !IsEphemeralName(name) {
		return
	}

	var ip net.IP
	switch res := a.Body.(type) {
	case *dnsmessage.AResource:
		ip = append(ip, res.A[:]...)
	case *dnsmessage.AAAAResource:
		ip = append(ip, res.AAAA[:]...)
	default:
		return
	}

	key := name[:len(name)-6]
	expires := time.Now().Add(time.Duration(a.Header.TTL) * time.Second)

	c.mu.Lock()
	if r := c.cache[key]; r != nil {
		// Answers a pending query. Update the record and wake waiters.
		r.update(ip, expires)
	} else {
		// Cache it anyway, in case a candidate for it arrives later.
		c.cache[key] = &record{
			name:    a.Header.Name,
			ip:      ip,
			expires: expires,
		}
	}
	c.mu.Unlock()
}

func (c *Client) sendResponse(r *record, dst *net.UDPAddr, conn *net.UDPConn) error {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:            0, // mDNS query ID is always 0
		Response:      true,
		Authoritative: true,
		RCode:         dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()
	b.StartAnswers()
	resHdr := dnsmessage.ResourceHeader{
		Name:  r.name,
		Class: dnsmessage.ClassINET,
		TTL:   uint32(time.Until(r.expires) / time.Second),
	}
	if ip4 := r.ip.To4(); ip4 != nil {
		var res dnsmessage.AResource
		copy(res.A[:], ip4)
		b.AResource(resHdr, res)
	} else {
		var res dnsmessage.AAAAResource
		copy(res.AAAA[:], r.ip)
		b.AAAAResource(resHdr, res)
	}

	msg, err := b.Finish()
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(msg, dst)
	return err
}

func (c *Client) sendQuery(r *record) error {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 0})
	b.EnableCompression()
	b.StartQuestions()
	// The name can map to an IPv4 or an IPv6 address, and we have no way of
	// knowing which. Query for both.
	b.Question(dnsmessage.Question{
		Name:  r.name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET | classMask,
	})
	b.Question(dnsmessage.Question{
		Name:  r.name,
		Type:  dnsmessage.TypeAAAA,
		Class: dnsmessage.ClassINET | classMask,
	})

	msg, err := b.Finish()
	if err != nil {
		return err
	}

	// Fire the request twice to ride out packet loss, as other mDNS
	// implementations do.
	for i := 0; i < 2; i++ {
		if _, err := c.conn4.WriteTo(msg, groupAddr4); err != nil {
			return err
		}
		if _, err := c.conn6.WriteTo(msg, groupAddr6); err != nil {
			return err
		}
	}
	return nil
}
