package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
)

// Lock tries to acquire the named lock for owner until expiration elapses.
// An owner that already holds the lock extends it, and an expired lock is
// taken over. It returns false without error when another owner holds a live
// lock.
func (d *Datastore) Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
	lockObtainers := []func(context.Context, string, string, time.Time) (sql.Result, error){
		d.extendLockIfAlreadyAcquired,
		d.overwriteLockIfExpired,
		d.createLock,
	}

	expiresAt := d.clock.Now().UTC().Add(expiration)
	for _, lockFunc := range lockObtainers {
		res, err := lockFunc(ctx, name, owner, expiresAt)
		if err != nil {
			return false, storageErr(ctx, "lock "+name, err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return false, ctxerr.Wrap(ctx, err, "rows affected")
		}
		if rowsAffected > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (d *Datastore) createLock(ctx context.Context, name string, owner string, expiresAt time.Time) (sql.Result, error) {
	return d.writer.ExecContext(ctx,
		`INSERT IGNORE INTO locks (name, owner, expires_at) VALUES (?, ?, ?)`,
		name, owner, expiresAt,
	)
}

func (d *Datastore) extendLockIfAlreadyAcquired(ctx context.Context, name string, owner string, expiresAt time.Time) (sql.Result, error) {
	return d.writer.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		expiresAt, name, owner,
	)
}

func (d *Datastore) overwriteLockIfExpired(ctx context.Context, name string, owner string, expiresAt time.Time) (sql.Result, error) {
	return d.writer.ExecContext(ctx,
		`UPDATE locks SET owner = ?, expires_at = ? WHERE name = ? AND expires_at < ?`,
		owner, expiresAt, name, d.clock.Now().UTC(),
	)
}

// Unlock releases the named lock if owner holds it.
func (d *Datastore) Unlock(ctx context.Context, name string, owner string) error {
	_, err := d.writer.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	return storageErr(ctx, "unlock "+name, err)
}
