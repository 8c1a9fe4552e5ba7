// Package ice implements an Interactive Connectivity Establishment agent
// (RFC 8445) for a single component data stream, together with the STUN
// (RFC 5389) and TURN (RFC 5766) client machinery that drives it. A Channel
// gathers local candidates, pairs them with remote candidates received over
// signaling, probes each pair with connectivity checks, and nominates one
// pair for data transport. When the nominated pair uses a TURN relay, data
// is tunneled through Send/Data indications.
package ice

import (
	"time"

	"github.com/hanalei/ice/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

// Protocol timing and sizing constants. These are bit-exact for
// interoperability; see RFC 8445 §14 and RFC 5766 §7.
const (
	// Ta is the checklist tick period.
	Ta = 50 * time.Millisecond

	// minRTO is the floor for the retransmission timeout of an in-progress
	// connectivity check.
	minRTO = 500 * time.Millisecond

	// disconnectedTimeout moves a connected channel to disconnected when
	// neither a check response nor a binding request has arrived.
	disconnectedTimeout = 8 * time.Second

	// failedTimeout marks a pair (and ultimately the channel) failed.
	failedTimeout = 16 * time.Second

	// connectedCheckPeriod paces keepalive checks on the nominated pair.
	connectedCheckPeriod = 3 * time.Second

	// turnRefreshMargin is how long before allocation expiry a Refresh is
	// sent.
	turnRefreshMargin = 60 * time.Second

	// turnRequestedLifetime is the LIFETIME value requested on Allocate and
	// Refresh, in seconds.
	turnRequestedLifetime = 600

	// permissionRefreshPeriod re-installs TURN peer permissions.
	permissionRefreshPeriod = 240 * time.Second

	// dnsTimeout bounds every DNS and mDNS lookup.
	dnsTimeout = 3 * time.Second

	// maxRequestsPerServer cuts off an ICE server that never responds.
	maxRequestsPerServer = 25

	// maxErrorResponses cuts off an ICE server that keeps erroring.
	maxErrorResponses = 3

	// maxServers bounds the configured ICE server list.
	maxServers = 10

	// maxChecklistEntries truncates the sorted checklist.
	maxChecklistEntries = 25

	// maxPermissionRequests bounds CreatePermission attempts per relay pair.
	maxPermissionRequests = 9
)

// Packets larger than the path MTU are fragmented or dropped; 1500 is a
// safe read buffer size.
const maxPacketSize = 1500
