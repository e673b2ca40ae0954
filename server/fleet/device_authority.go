package fleet

import (
	"context"
	"time"
)

// DeviceAuthority is one generation of the device authority: a self-signed CA
// certificate and its private key, both PEM encoded. Rows are never updated.
type DeviceAuthority struct {
	ID            uint      `db:"id"`
	PublicKeyPEM  string    `db:"public_key"`
	PrivateKeyPEM string    `db:"private_key"`
	CreatedAt     time.Time `db:"created_at"`
	ExpiresAt     time.Time `db:"expires_at"`
}

// ExpiresWithin reports whether the authority expires less than d after now.
func (a *DeviceAuthority) ExpiresWithin(now time.Time, d time.Duration) bool {
	return a.ExpiresAt.Sub(now) < d
}

// AuthorityStore persists device authorities.
type AuthorityStore interface {
	// GetCandidateAuthority returns the newest authority whose expiration is
	// later than now - 2*cacheValidity. It returns a NotFoundError if no row
	// qualifies.
	GetCandidateAuthority(ctx context.Context, cacheValidity time.Duration) (*DeviceAuthority, error)
	// ListValidTrustAnchors returns every authority that expires after now,
	// oldest first.
	ListValidTrustAnchors(ctx context.Context, now time.Time) ([]*DeviceAuthority, error)
	// InsertDeviceAuthority persists a newly issued authority and returns it
	// with its ID set.
	InsertDeviceAuthority(ctx context.Context, authority *DeviceAuthority) (*DeviceAuthority, error)
	// PruneDeviceAuthorities deletes authorities that expired before the
	// provided time and returns how many were deleted.
	PruneDeviceAuthorities(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// Locker coordinates work across gateway instances.
type Locker interface {
	Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error)
	Unlock(ctx context.Context, name string, owner string) error
}

// Datastore combines every persistence concern of the gateway.
type Datastore interface {
	AuthorityStore
	Locker

	HealthCheck() error
	MigrateTables(ctx context.Context) error
	Close() error
}
