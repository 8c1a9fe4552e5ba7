package stun

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A parsed STUN or TURN URI, per RFC 7064/7065:
//   scheme:host[:port][?transport=udp|tcp]
type URI struct {
	Scheme    string // "stun" or "turn"
	Host      string
	Port      int
	Transport string // "udp" or "tcp"
}

const defaultPort = 3478

// ParseURI canonicalises a stun/turn URI. The TLS schemes stuns and turns
// are recognised but rejected.
func ParseURI(s string) (*URI, error) {
	uri := &URI{Port: defaultPort, Transport: "udp"}

	rest := s
	if i := strings.Index(rest, "?"); i >= 0 {
		query := rest[i+1:]
		rest = rest[:i]
		for _, kv := range strings.Split(query, "&") {
			v := strings.SplitN(kv, "=", 2)
			if len(v) != 2 || v[0] != "transport" {
				return nil, errors.Errorf("stun: unexpected URI parameter %q in %q", kv, s)
			}
			switch v[1] {
			case "udp", "tcp":
				uri.Transport = v[1]
			default:
				return nil, errors.Errorf("stun: invalid transport %q in %q", v[1], s)
			}
		}
	}

	i := strings.Index(rest, ":")
	if i < 0 {
		return nil, errors.Errorf("stun: missing scheme in URI %q", s)
	}
	uri.Scheme, rest = rest[:i], rest[i+1:]
	switch uri.Scheme {
	case "stun", "turn":
	case "stuns", "turns":
		return nil, errors.Errorf("stun: TLS scheme %q not supported", uri.Scheme)
	default:
		return nil, errors.Errorf("stun: unknown scheme %q in %q", uri.Scheme, s)
	}

	if host, port, err := net.SplitHostPort(rest); err == nil {
		uri.Host = host
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, errors.Errorf("stun: invalid port %q in %q", port, s)
		}
		uri.Port = n
	} else {
		uri.Host = strings.Trim(rest, "[]")
	}
	if uri.Host == "" {
		return nil, errors.Errorf("stun: missing host in URI %q", s)
	}
	return uri, nil
}

// ParseURIList parses a comma-separated list of URIs, as found in the "urls"
// field of an ICE server configuration.
func ParseURIList(s string) ([]*URI, error) {
	var uris []*URI
	for _, u := range strings.Split(s, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		uri, err := ParseURI(u)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	if len(uris) == 0 {
		return nil, errors.Errorf("stun: no URIs in %q", s)
	}
	return uris, nil
}

// IsTURN reports whether the URI names a TURN relay server.
func (u *URI) IsTURN() bool {
	return u.Scheme == "turn"
}

// HostPort joins the host and port for dialing or resolution.
func (u *URI) HostPort() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u *URI) String() string {
	s := fmt.Sprintf("%s:%s:%d", u.Scheme, u.Host, u.Port)
	if u.Transport != "udp" {
		s += "?transport=" + u.Transport
	}
	return s
}
