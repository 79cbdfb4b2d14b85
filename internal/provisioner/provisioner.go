// Package provisioner is the uniform, outbound-only interface to the
// external tool that creates and deletes OS users on a worker node. It
// holds no state of its own; every call is a fresh SSH session bounded by a
// per-invocation timeout.
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/wisbric/fleetrent/internal/netresolve"
)

// Endpoint identifies the worker a provisioning call targets.
type Endpoint struct {
	Hostname string
	SSHPort  int
}

// Config holds the administrative SSH credentials and the opaque playbook
// identifiers the Provisioner interprets.
type Config struct {
	AdminUser        string
	AdminKey         []byte // PEM-encoded private key
	CreateUserScript string // opaque identifier, e.g. "create_user"
	DeleteUserScript string // opaque identifier, e.g. "delete_user"
	Timeout          time.Duration
}

// Adapter is the Provisioner Adapter: createUser/deleteUser against a
// worker over SSH, each idempotent and bounded by Config.Timeout.
type Adapter struct {
	cfg    Config
	signer ssh.Signer
	logger *slog.Logger
}

// New creates an Adapter from the administrative key material.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	signer, err := ssh.ParsePrivateKey(cfg.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("parsing admin key: %w", err)
	}
	return &Adapter{cfg: cfg, signer: signer, logger: logger}, nil
}

// CreateUser ensures the OS user exists on the node with the given secret
// as its login credential. Idempotent: calling again with the same args
// after success is a no-op success.
func (a *Adapter) CreateUser(ctx context.Context, node Endpoint, user, secret string) bool {
	return a.run(ctx, node, a.cfg.CreateUserScript, user, secret)
}

// DeleteUser ensures the OS user does not exist on the node. Idempotent:
// calling again after the account is already gone is a no-op success. The
// secret is advisory only.
func (a *Adapter) DeleteUser(ctx context.Context, node Endpoint, user, secret string) bool {
	return a.run(ctx, node, a.cfg.DeleteUserScript, user, secret)
}

func (a *Adapter) run(ctx context.Context, node Endpoint, script, user, secret string) bool {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	client, err := a.dial(ctx, node)
	if err != nil {
		a.logger.Error("provisioner dial failed",
			"node", node.Hostname, "script", script, "error", err)
		return false
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		a.logger.Error("provisioner session failed",
			"node", node.Hostname, "script", script, "error", err)
		return false
	}
	defer session.Close()

	// user and secret are attacker-influenced (tenant-supplied handle and
	// optional custom secret); quote them so neither can break out of the
	// remote shell's argument parsing.
	cmd := fmt.Sprintf("%s %s %s", script, shellescape.Quote(user), shellescape.Quote(secret))
	if err := session.Run(cmd); err != nil {
		a.logger.Error("provisioner command failed",
			"node", node.Hostname, "script", script, "user", user, "error", err)
		return false
	}
	return true
}

func (a *Adapter) dial(ctx context.Context, node Endpoint) (*ssh.Client, error) {
	host := netresolve.ResolveHost(node.Hostname)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", node.SSHPort))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            a.cfg.AdminUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(a.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // worker host keys are not pinned in this deployment
		Timeout:         a.cfg.Timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("establishing ssh connection to %s: %w", addr, err)
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}
