package ice

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/hanalei/ice/internal/mdns"
)

// resolver turns the textual addresses of URIs and remote candidates into
// concrete IPs: literals immediately, ephemeral ".local" names through the
// mDNS client, anything else through an A-record lookup. Every lookup is
// bounded by dnsTimeout. Results are cached per channel rather than
// process-wide so tests can run channels side by side.
type resolver struct {
	system *net.Resolver
	mdns   *mdns.Client // nil when mDNS is disabled

	mu    sync.Mutex
	cache *lru.Cache
}

const resolverCacheSize = 64

func newResolver(m *mdns.Client) *resolver {
	return &resolver{
		system: net.DefaultResolver,
		mdns:   m,
		cache:  lru.New(resolverCacheSize),
	}
}

func (r *resolver) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	r.mu.Lock()
	cached, ok := r.cache.Get(host)
	r.mu.Unlock()
	if ok {
		return cached.(net.IP), nil
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	var ip net.IP
	if strings.HasSuffix(host, ".local") {
		if r.mdns == nil {
			return nil, errors.Wrapf(ErrHostNotFound, "no mDNS resolver for %s", host)
		}
		var err error
		if ip, err = r.mdns.Resolve(ctx, host); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ErrDNSTimeout, host)
			}
			return nil, errors.Wrap(err, host)
		}
	} else {
		addrs, err := r.system.LookupIPAddr(ctx, host)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ErrDNSTimeout, host)
			}
			return nil, errors.Wrapf(ErrHostNotFound, "%s: %v", host, err)
		}
		// Prefer an IPv4 address when the host has both.
		for _, a := range addrs {
			if a.IP.To4() != nil {
				ip = a.IP
				break
			}
		}
		if ip == nil {
			ip = addrs[0].IP
		}
	}

	r.mu.Lock()
	r.cache.Add(host, ip)
	r.mu.Unlock()
	return ip, nil
}
