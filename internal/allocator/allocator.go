// Package allocator implements the synchronous placement path: given a
// lease request, atomically pick eligible nodes, insert lease records, mark
// nodes allocated, and invoke provisioning — all inside one transaction so
// any failure rolls back every effect.
package allocator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/auth"
	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/netresolve"
	"github.com/wisbric/fleetrent/internal/provisioner"
)

const secretLength = 16

// Allocation is one per-node result of a successful rent call. Secret is
// the in-memory cleartext copy from this call; afterwards the stored
// secret is encrypted and its cleartext is available only through
// GetLeaseSecret.
type Allocation struct {
	LeaseID     int64
	NodeEndpoint string
	User        string
	Secret      string
	LeasedUntil time.Time
}

// Allocator is the Allocator component.
type Allocator struct {
	store       Store
	vault       Vault
	provisioner Provisioner
	logger      *slog.Logger
}

// New creates an Allocator. store, v, and p accept any implementation of
// this package's Store/Vault/Provisioner interfaces — production code
// passes the concrete *catalog.Store, *vault.Vault, and *provisioner.Adapter.
func New(store Store, v Vault, p Provisioner, logger *slog.Logger) *Allocator {
	return &Allocator{store: store, vault: v, provisioner: p, logger: logger}
}

// Rent claims k eligible nodes and places a lease on each, all inside one
// transaction. If fewer than k nodes are eligible, or provisioning fails on
// any claimed node, the entire batch is rolled back.
func (a *Allocator) Rent(ctx context.Context, principal auth.Principal, k int, duration time.Duration, providedSecret string) ([]Allocation, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1", ErrInternal)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInternal)
	}

	var allocations []Allocation

	err := a.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		nodes, err := a.store.ClaimEligibleNodes(ctx, tx, k)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if len(nodes) < k {
			return &InsufficientCapacityError{Requested: k, Found: len(nodes)}
		}

		now := time.Now().UTC()
		leasedUntil := now.Add(duration)

		allocations = make([]Allocation, 0, len(nodes))
		for _, node := range nodes {
			perNodeSecret := providedSecret
			if perNodeSecret == "" {
				perNodeSecret, err = generateSecret()
				if err != nil {
					return fmt.Errorf("%w: generating secret: %v", ErrInternal, err)
				}
			}

			encrypted, err := a.vault.Encrypt(perNodeSecret)
			if err != nil {
				return fmt.Errorf("%w: encrypting secret: %v", ErrInternal, err)
			}

			leaseID, err := a.store.InsertLease(ctx, tx, node.ID, principal.ID, now, leasedUntil, encrypted)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInternal, err)
			}

			if err := a.store.MarkAllocated(ctx, tx, node.ID); err != nil {
				return fmt.Errorf("%w: %v", ErrInternal, err)
			}

			endpoint := provisioner.Endpoint{Hostname: node.Hostname, SSHPort: node.SSHPort}
			if ok := a.provisioner.CreateUser(ctx, endpoint, principal.Handle, perNodeSecret); !ok {
				return ErrProvisioningFailed
			}

			allocations = append(allocations, Allocation{
				LeaseID:      leaseID,
				NodeEndpoint: fmt.Sprintf("%s:%d", netresolve.ResolveHost(node.Hostname), node.SSHPort),
				User:         principal.Handle,
				Secret:       perNodeSecret,
				LeasedUntil:  leasedUntil,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return allocations, nil
}

// Release tears down a lease: deletes the OS user best-effort, deactivates
// the lease, and frees the node. requester must be the lease's own tenant
// or the admin principal.
func (a *Allocator) Release(ctx context.Context, principal auth.Principal, leaseID int64) error {
	return a.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row, err := a.store.GetLeaseForUpdate(ctx, tx, leaseID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		if !auth.CanAccessLease(&principal, row.TenantID) {
			return ErrPermissionDenied
		}
		if !row.Active {
			return ErrNotActive
		}

		secret, err := a.vault.Decrypt(row.Secret)
		if err != nil {
			a.logger.Error("decrypting lease secret on release", "lease_id", leaseID, "error", err)
		} else {
			endpoint := provisioner.Endpoint{Hostname: row.NodeHostname, SSHPort: row.NodeSSHPort}
			if ok := a.provisioner.DeleteUser(ctx, endpoint, row.TenantHandle, secret); !ok {
				a.logger.Error("best-effort deleteUser failed on release", "lease_id", leaseID)
			}
		}

		if err := a.store.DeactivateLease(ctx, tx, leaseID); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if err := a.store.MarkFree(ctx, tx, row.NodeID); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return nil
	})
}

// Extend pushes a lease's end time further into the future. The new end
// must be strictly greater than the current one.
func (a *Allocator) Extend(ctx context.Context, principal auth.Principal, leaseID int64, additional time.Duration) (time.Time, error) {
	var newUntil time.Time

	err := a.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row, err := a.store.GetLeaseForUpdate(ctx, tx, leaseID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		if !auth.CanAccessLease(&principal, row.TenantID) {
			return ErrPermissionDenied
		}
		if !row.Active {
			return ErrNotActive
		}
		if additional <= 0 {
			return fmt.Errorf("%w: additional duration must be positive", ErrInternal)
		}

		newUntil = row.LeasedUntil.Add(additional)
		if !newUntil.After(row.LeasedUntil) {
			return ErrConflict
		}

		if err := a.store.UpdateLeaseEnd(ctx, tx, leaseID, newUntil); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return newUntil, nil
}

// GetLeaseSecret decrypts and returns a lease's per-node secret. Only the
// owning tenant or the admin principal may call this.
func (a *Allocator) GetLeaseSecret(ctx context.Context, principal auth.Principal, leaseID int64) (string, error) {
	row, err := a.store.GetLease(ctx, leaseID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if !auth.CanAccessLease(&principal, row.TenantID) {
		return "", ErrPermissionDenied
	}

	secret, err := a.vault.Decrypt(row.Secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return secret, nil
}

// generateSecret produces a fresh 16-character alphanumeric secret from a
// cryptographically secure source.
func generateSecret() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, secretLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b), nil
}
