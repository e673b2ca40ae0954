package mysql

import "github.com/go-kit/log"

const defaultMaxAttempts int = 15

// DBOption is used to pass optional arguments to a database connection
type DBOption func(o *dbOptions) error

type dbOptions struct {
	// maxAttempts is the number of pings tried before giving up on the DB
	maxAttempts int
	logger      log.Logger
}

// Logger adds a logger to the datastore
func Logger(l log.Logger) DBOption {
	return func(o *dbOptions) error {
		o.logger = l
		return nil
	}
}

// LimitAttempts sets the number of attempts made to reach the database when
// the datastore is created. The default is 15.
func LimitAttempts(attempts int) DBOption {
	return func(o *dbOptions) error {
		if attempts < 1 {
			attempts = 1
		}
		o.maxAttempts = attempts
		return nil
	}
}
