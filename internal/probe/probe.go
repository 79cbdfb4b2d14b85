// Package probe is the liveness oracle the Health loop consults: given a
// node endpoint, it reports alive or dead within a bounded time budget.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/wisbric/fleetrent/internal/netresolve"
)

const (
	StatusAlive = "alive"
	StatusDead  = "dead"
)

// Prober checks node liveness with a configured timeout.
type Prober struct {
	timeout time.Duration
	dialer  net.Dialer
}

// New creates a Prober bounded by timeout. A non-positive timeout falls
// back to the 5 second default from spec.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{timeout: timeout}
}

// Check reports whether a node is alive by attempting a TCP connection to
// its SSH port, resolving container-internal addresses first. The result is
// the oracle-level outcome; the connection is closed immediately and never
// authenticated.
func (p *Prober) Check(ctx context.Context, host string, port int) string {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resolved := netresolve.ResolveHost(host)
	addr := net.JoinHostPort(resolved, fmt.Sprintf("%d", port))

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return StatusDead
	}
	_ = conn.Close()
	return StatusAlive
}
