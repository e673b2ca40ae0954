package mysql

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/VividCortex/mysqlerr"
	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/go-kit/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func mockDatastore(t *testing.T) (sqlmock.Sqlmock, *Datastore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	dbmock := sqlx.NewDb(db, "sqlmock")
	ds := &Datastore{
		writer: dbmock,
		reader: dbmock,
		logger: log.NewNopLogger(),
		clock:  clock.NewMockClock(testNow),
	}

	return mock, ds
}

func TestWithRetryTxxSuccess(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(context.Background(), "SELECT 1")
		return err
	}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryTxxRollbackSuccess(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnError(errors.New("fail"))
	mock.ExpectRollback()

	require.Error(t, ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(context.Background(), "SELECT 1")
		return err
	}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryTxxRollbackError(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnError(errors.New("fail"))
	mock.ExpectRollback().WillReturnError(errors.New("rollback failed"))

	err := ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(context.Background(), "SELECT 1")
		return err
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "rollback failed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryTxxRetrySuccess(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	// deadlocks are retried
	mock.ExpectExec("SELECT 1").WillReturnError(&mysql.MySQLError{Number: mysqlerr.ER_LOCK_DEADLOCK})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(context.Background(), "SELECT 1")
		return err
	}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryTxxCommitRetrySuccess(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(&mysql.MySQLError{Number: mysqlerr.ER_LOCK_WAIT_TIMEOUT})
	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(context.Background(), "SELECT 1")
		return err
	}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryTxxCommitError(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("fail"))

	assert.Error(t, ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(context.Background(), "SELECT 1")
		return err
	}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryTxxWillRollbackWhenPanic(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	require.Panics(t, func() {
		_ = ds.withRetryTxx(context.Background(), func(tx sqlx.ExtContext) error {
			panic("ROLLBACK")
		})
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryableError(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errors.New("nope"), false},
		{"duplicate", &mysql.MySQLError{Number: mysqlerr.ER_DUP_ENTRY}, false},
		{"deadlock", &mysql.MySQLError{Number: mysqlerr.ER_LOCK_DEADLOCK}, true},
		{"wrapped wait timeout", storageErr(ctx, "op", &mysql.MySQLError{Number: mysqlerr.ER_LOCK_WAIT_TIMEOUT}), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, retryableError(c.err))
		})
	}
}

func TestHealthCheck(t *testing.T) {
	mock, ds := mockDatastore(t)
	defer ds.Close()

	mock.ExpectExec("select 1").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, ds.HealthCheck())

	mock.ExpectExec("select 1").WillReturnError(errors.New("gone"))
	require.Error(t, ds.HealthCheck())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckConfigReadsPasswordFromDisk(t *testing.T) {
	passwordFile, err := os.CreateTemp(t.TempDir(), "*.passwordtest")
	require.NoError(t, err)
	_, err = passwordFile.WriteString("s3cr3t\n")
	require.NoError(t, err)
	require.NoError(t, passwordFile.Close())

	conf := config.MysqlConfig{PasswordPath: passwordFile.Name()}
	require.NoError(t, checkConfig(&conf))
	require.Equal(t, "s3cr3t", conf.Password)

	conf = config.MysqlConfig{PasswordPath: passwordFile.Name(), Password: "other"}
	require.Error(t, checkConfig(&conf))

	conf = config.MysqlConfig{PasswordPath: t.TempDir() + "/missing"}
	require.Error(t, checkConfig(&conf))
}

func TestGenerateMysqlConnectionString(t *testing.T) {
	dsn := generateMysqlConnectionString(config.MysqlConfig{
		Protocol: "tcp",
		Address:  "localhost:3306",
		Username: "gateway",
		Password: "pw",
		Database: "mdmgateway",
	})
	prefix, rawQuery, ok := strings.Cut(dsn, "?")
	require.True(t, ok)
	require.Equal(t, "gateway:pw@tcp(localhost:3306)/mdmgateway", prefix)

	params, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	assert.Equal(t, "utf8mb4", params.Get("charset"))
	assert.Equal(t, "true", params.Get("parseTime"))
	assert.Equal(t, "UTC", params.Get("loc"))
	assert.Equal(t, "'-00:00'", params.Get("time_zone"))
	assert.Empty(t, params.Get("tls"))

	dsn = generateMysqlConnectionString(config.MysqlConfig{TLSConfig: "custom"})
	require.Contains(t, dsn, "tls=custom")

	// the driver must be able to parse what we generate
	cfg, err := mysql.ParseDSN(generateMysqlConnectionString(config.MysqlConfig{
		Protocol: "tcp",
		Address:  "db:3306",
		Username: "u",
		Password: "p",
		Database: "d",
	}))
	require.NoError(t, err)
	require.Equal(t, "db:3306", cfg.Addr)
	require.True(t, cfg.ParseTime)
}

func TestLimitAttempts(t *testing.T) {
	opts := &dbOptions{maxAttempts: defaultMaxAttempts}
	require.NoError(t, LimitAttempts(3)(opts))
	require.Equal(t, 3, opts.maxAttempts)
	require.NoError(t, LimitAttempts(0)(opts))
	require.Equal(t, 1, opts.maxAttempts)
}
