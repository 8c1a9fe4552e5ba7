package ice

import (
	"github.com/pkg/errors"

	"github.com/hanalei/ice/internal/stun"
)

// ServerConfig names one or more STUN/TURN servers sharing credentials.
// URLs is a comma-separated list of stun:/turn: URIs.
type ServerConfig struct {
	URLs       string `yaml:"urls" json:"urls"`
	Username   string `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// TransportPolicy restricts which candidate pairs may carry data.
type TransportPolicy string

const (
	// PolicyAll permits direct and relayed pairs.
	PolicyAll TransportPolicy = "all"

	// PolicyRelay permits only relayed pairs: STUN-only servers are ignored
	// and direct binding requests from peers are rejected.
	PolicyRelay TransportPolicy = "relay"
)

// Config parameterises a Channel.
type Config struct {
	Servers []ServerConfig  `yaml:"servers"`
	Policy  TransportPolicy `yaml:"policy"`

	// Controlling sets the local agent's role. The offerer of a session is
	// typically the controller.
	Controlling bool `yaml:"controlling"`

	// IncludeAllInterfaceAddresses selects Mode 2 host enumeration from
	// draft-ietf-rtcweb-ip-handling-12: every usable interface address
	// becomes a host candidate. The default (Mode 1) exposes only the
	// default-route address; when that address cannot be determined, it
	// falls back to every usable interface address as well.
	IncludeAllInterfaceAddresses bool `yaml:"include_all_interface_addresses"`

	// UseMdnsHostname hides the host candidate address behind an ephemeral
	// ".local" name announced over mDNS.
	UseMdnsHostname bool `yaml:"use_mdns_hostname"`

	// Socket binding hints. Zero values mean "any".
	BindAddress  string `yaml:"bind_address"`
	BindPort     int    `yaml:"bind_port"`
	PortRangeMin int    `yaml:"port_range_min"`
	PortRangeMax int    `yaml:"port_range_max"`
}

// parsedServer couples one canonicalised URI with its credentials.
type parsedServer struct {
	uri        *stun.URI
	username   string
	credential string
}

func (c *Config) validate() ([]parsedServer, error) {
	switch c.Policy {
	case "":
		c.Policy = PolicyAll
	case PolicyAll, PolicyRelay:
	default:
		return nil, errors.Wrapf(ErrInvalidPolicy, "%q", c.Policy)
	}

	if c.PortRangeMin != 0 || c.PortRangeMax != 0 {
		if c.PortRangeMin < 0 || c.PortRangeMax > 65535 || c.PortRangeMin > c.PortRangeMax {
			return nil, errors.Errorf("ice: invalid port range [%d, %d]", c.PortRangeMin, c.PortRangeMax)
		}
	}

	var servers []parsedServer
	for _, sc := range c.Servers {
		uris, err := stun.ParseURIList(sc.URLs)
		if err != nil {
			return nil, err
		}
		for _, uri := range uris {
			if c.Policy == PolicyRelay && !uri.IsTURN() {
				// STUN-only servers cannot produce relay candidates.
				log.Debug("Ignoring %s under relay-only policy", uri)
				continue
			}
			servers = append(servers, parsedServer{uri, sc.Username, sc.Credential})
		}
	}
	if len(servers) > maxServers {
		return nil, ErrTooManyServers
	}
	return servers, nil
}
