package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/jmoiron/sqlx"
)

const deviceAuthorityColumns = `id, public_key, private_key, created_at, expires_at`

func (d *Datastore) GetCandidateAuthority(ctx context.Context, cacheValidity time.Duration) (*fleet.DeviceAuthority, error) {
	// an authority that expired less than two cache windows ago is still
	// returned so that the caller can decide to renew it
	threshold := d.clock.Now().UTC().Add(-2 * cacheValidity)

	stmt := `SELECT ` + deviceAuthorityColumns + ` FROM device_authorities
		WHERE expires_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var authority fleet.DeviceAuthority
	if err := sqlx.GetContext(ctx, d.reader, &authority, stmt, threshold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ctxerr.Wrap(ctx, notFound("DeviceAuthority").WithMessage("with a recent expiration"), "get candidate authority")
		}
		return nil, storageErr(ctx, "get candidate authority", err)
	}
	return &authority, nil
}

func (d *Datastore) ListValidTrustAnchors(ctx context.Context, now time.Time) ([]*fleet.DeviceAuthority, error) {
	stmt := `SELECT ` + deviceAuthorityColumns + ` FROM device_authorities
		WHERE expires_at > ?
		ORDER BY created_at ASC, id ASC`

	var authorities []*fleet.DeviceAuthority
	if err := sqlx.SelectContext(ctx, d.reader, &authorities, stmt, now.UTC()); err != nil {
		return nil, storageErr(ctx, "list trust anchors", err)
	}
	return authorities, nil
}

func (d *Datastore) InsertDeviceAuthority(ctx context.Context, authority *fleet.DeviceAuthority) (*fleet.DeviceAuthority, error) {
	if authority.CreatedAt.IsZero() {
		authority.CreatedAt = d.clock.Now().UTC()
	}

	stmt := `INSERT INTO device_authorities (public_key, private_key, created_at, expires_at) VALUES (?, ?, ?, ?)`
	err := d.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, stmt,
			authority.PublicKeyPEM,
			authority.PrivateKeyPEM,
			authority.CreatedAt.UTC(),
			authority.ExpiresAt.UTC(),
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "insert device authority")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ctxerr.Wrap(ctx, err, "last insert id")
		}
		authority.ID = uint(id) //nolint:gosec
		return nil
	})
	if err != nil {
		if isDuplicate(err) {
			return nil, ctxerr.Wrap(ctx, err, "device authority already stored")
		}
		return nil, storageErr(ctx, "insert device authority", err)
	}
	return authority, nil
}

func (d *Datastore) PruneDeviceAuthorities(ctx context.Context, expiredBefore time.Time) (int64, error) {
	res, err := d.writer.ExecContext(ctx, `DELETE FROM device_authorities WHERE expires_at < ?`, expiredBefore.UTC())
	if err != nil {
		return 0, storageErr(ctx, "prune device authorities", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ctxerr.Wrap(ctx, err, "rows affected")
	}
	return n, nil
}
