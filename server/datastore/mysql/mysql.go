// Package mysql is a MySQL implementation of the fleet.Datastore interface.
// It stores device authorities and the locks used to coordinate gateway
// instances.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/VividCortex/mysqlerr"
	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// dbReader is an interface that defines the methods required for reads.
type dbReader interface {
	sqlx.QueryerContext

	Close() error
	Rebind(string) string
}

// Datastore is an implementation of fleet.Datastore interface backed by
// MySQL
type Datastore struct {
	reader dbReader // so it cannot be used to perform writes
	writer *sqlx.DB

	logger log.Logger
	clock  clock.Clock
	config config.MysqlConfig
}

var _ fleet.Datastore = (*Datastore)(nil)

type txFn func(sqlx.ExtContext) error

// retryableError determines whether a MySQL error can be retried. Only lock
// contention errors are worth a second attempt, everything else fails the
// transaction right away.
func retryableError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlerr.ER_LOCK_DEADLOCK, mysqlerr.ER_LOCK_WAIT_TIMEOUT:
		return true
	}
	return false
}

// withRetryTxx runs fn in a transaction, retrying the whole transaction with
// exponential backoff when it fails on lock contention.
func (d *Datastore) withRetryTxx(ctx context.Context, fn txFn) error {
	attempt := func() error {
		tx, err := d.writer.BeginTxx(ctx, nil)
		if err != nil {
			return backoff.Permanent(ctxerr.Wrap(ctx, err, "create transaction"))
		}

		defer func() {
			if p := recover(); p != nil {
				if err := tx.Rollback(); err != nil {
					level.Error(d.logger).Log("err", err, "msg", "rollback after panic in transaction")
				}
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return backoff.Permanent(ctxerr.Wrapf(ctx, err, "got err '%s' rolling back after err", rbErr.Error()))
			}
			if retryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			err = ctxerr.Wrap(ctx, err, "commit transaction")
			if retryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

// New creates an MySQL datastore.
func New(conf config.MysqlConfig, c clock.Clock, opts ...DBOption) (*Datastore, error) {
	options := &dbOptions{
		maxAttempts: defaultMaxAttempts,
		logger:      log.NewNopLogger(),
	}
	for _, setOpt := range opts {
		if setOpt == nil {
			continue
		}
		if err := setOpt(options); err != nil {
			return nil, err
		}
	}

	if err := checkConfig(&conf); err != nil {
		return nil, err
	}

	db, err := newDB(&conf, options)
	if err != nil {
		return nil, err
	}

	return &Datastore{
		writer: db,
		reader: db,
		logger: options.logger,
		clock:  c,
		config: conf,
	}, nil
}

func newDB(conf *config.MysqlConfig, opts *dbOptions) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", generateMysqlConnectionString(*conf))
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(conf.MaxIdleConns)
	db.SetMaxOpenConns(conf.MaxOpenConns)
	db.SetConnMaxLifetime(time.Second * time.Duration(conf.ConnMaxLifetime))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0
	retries := uint64(0)
	if opts.maxAttempts > 1 {
		retries = uint64(opts.maxAttempts - 1)
	}
	ping := func() error {
		if err := db.Ping(); err != nil {
			level.Info(opts.logger).Log("mysql", "could not connect to db", "err", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(bo, retries)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func checkConfig(conf *config.MysqlConfig) error {
	if conf.PasswordPath != "" && conf.Password != "" {
		return errors.New("A MySQL password and a MySQL password file were provided - please specify only one")
	}

	if conf.PasswordPath != "" {
		fileContents, err := os.ReadFile(conf.PasswordPath)
		if err != nil {
			return err
		}
		conf.Password = strings.TrimSpace(string(fileContents))
	}

	if conf.TLSCA != "" {
		conf.TLSConfig = "custom"
		if err := registerTLS(*conf); err != nil {
			return fmt.Errorf("register TLS config for mysql: %w", err)
		}
	}
	return nil
}

// HealthCheck returns an error if the MySQL backend is not healthy.
func (d *Datastore) HealthCheck() error {
	// health.Checker does not take a context, the check is bounded by the
	// driver timeouts instead.
	_, err := d.writer.ExecContext(context.Background(), "select 1")
	return err
}

// Close frees resources associated with underlying mysql connection
func (d *Datastore) Close() error {
	return d.writer.Close()
}

func registerTLS(conf config.MysqlConfig) error {
	tlsCfg := config.TLS{
		TLSCert:       conf.TLSCert,
		TLSKey:        conf.TLSKey,
		TLSCA:         conf.TLSCA,
		TLSServerName: conf.TLSServerName,
	}
	cfg, err := tlsCfg.ToTLSConfig()
	if err != nil {
		return err
	}
	if err := mysql.RegisterTLSConfig(conf.TLSConfig, cfg); err != nil {
		return fmt.Errorf("register mysql tls config: %w", err)
	}
	return nil
}

// generateMysqlConnectionString returns a MySQL connection string using the
// provided configuration. Sessions run in UTC so that expires_at comparisons
// agree with the gateway clock.
func generateMysqlConnectionString(conf config.MysqlConfig) string {
	params := url.Values{}
	params.Set("charset", "utf8mb4")
	params.Set("parseTime", "true")
	params.Set("loc", "UTC")
	params.Set("time_zone", "'-00:00'")
	params.Set("clientFoundRows", "true")
	params.Set("allowNativePasswords", "true")
	if conf.TLSConfig != "" {
		params.Set("tls", conf.TLSConfig)
	}

	return fmt.Sprintf("%s:%s@%s(%s)/%s?%s",
		conf.Username,
		conf.Password,
		conf.Protocol,
		conf.Address,
		conf.Database,
		params.Encode(),
	)
}
