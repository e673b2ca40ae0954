package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/VividCortex/mysqlerr"
	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/go-sql-driver/mysql"
)

type notFoundError struct {
	Message      string
	ResourceType string
}

var _ fleet.NotFoundError = (*notFoundError)(nil)

func notFound(kind string) *notFoundError {
	return &notFoundError{
		ResourceType: kind,
	}
}

func (e *notFoundError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s was not found in the datastore", e.ResourceType, e.Message)
	}
	return fmt.Sprintf("%s was not found in the datastore", e.ResourceType)
}

func (e *notFoundError) WithMessage(msg string) error {
	e.Message = msg
	return e
}

func (e *notFoundError) IsNotFound() bool {
	return true
}

func isDuplicate(err error) bool {
	var driverErr *mysql.MySQLError
	return errors.As(err, &driverErr) && driverErr.Number == mysqlerr.ER_DUP_ENTRY
}

// storageErr turns a failed query into a fleet.StorageUnavailableError so
// that callers can surface it as a 500 without knowing about the driver.
func storageErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	return ctxerr.Wrap(ctx, fleet.NewStorageUnavailableError(op, err), op)
}
