package mysql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	ctx := context.Background()
	expiration := time.Minute
	expiresAt := testNow.Add(expiration)

	extend := regexp.QuoteMeta("UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?")
	overwrite := regexp.QuoteMeta("UPDATE locks SET owner = ?, expires_at = ? WHERE name = ? AND expires_at < ?")
	create := regexp.QuoteMeta("INSERT IGNORE INTO locks (name, owner, expires_at) VALUES (?, ?, ?)")

	t.Run("already held by owner", func(t *testing.T) {
		mock, ds := mockDatastore(t)
		defer ds.Close()

		mock.ExpectExec(extend).WithArgs(expiresAt, "renewal", "a").WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := ds.Lock(ctx, "renewal", "a", expiration)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired lock is taken over", func(t *testing.T) {
		mock, ds := mockDatastore(t)
		defer ds.Close()

		mock.ExpectExec(extend).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(overwrite).WithArgs("b", expiresAt, "renewal", testNow).WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := ds.Lock(ctx, "renewal", "b", expiration)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("new lock", func(t *testing.T) {
		mock, ds := mockDatastore(t)
		defer ds.Close()

		mock.ExpectExec(extend).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(overwrite).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(create).WithArgs("renewal", "c", expiresAt).WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := ds.Lock(ctx, "renewal", "c", expiration)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held by someone else", func(t *testing.T) {
		mock, ds := mockDatastore(t)
		defer ds.Close()

		mock.ExpectExec(extend).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(overwrite).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(create).WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := ds.Lock(ctx, "renewal", "d", expiration)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure", func(t *testing.T) {
		mock, ds := mockDatastore(t)
		defer ds.Close()

		mock.ExpectExec(extend).WillReturnError(errors.New("bad connection"))

		ok, err := ds.Lock(ctx, "renewal", "e", expiration)
		require.False(t, ok)
		var storageErr *fleet.StorageUnavailableError
		require.ErrorAs(t, err, &storageErr)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUnlock(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM locks WHERE name = ? AND owner = ?")).
		WithArgs("renewal", "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ds.Unlock(context.Background(), "renewal", "a"))
	require.NoError(t, mock.ExpectationsWereMet())
}
