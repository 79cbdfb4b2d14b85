// Package netresolve applies the single externally-visible address
// transformation the fleet performs: a node registered with a
// container-internal address is dialed through the host-loopback alias
// instead, since the control plane itself may run inside a container that
// cannot route directly to a sibling container's bridge IP.
package netresolve

import "strings"

const (
	containerBridgePrefix = "172.17."
	hostLoopbackAlias     = "host.docker.internal"
)

// ResolveHost rewrites a container-internal hostname/IP to the host-loopback
// alias used by the reference deployment. Any other host passes through
// unchanged.
func ResolveHost(host string) string {
	if strings.HasPrefix(host, containerBridgePrefix) {
		return hostLoopbackAlias
	}
	return host
}
