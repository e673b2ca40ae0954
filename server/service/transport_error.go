package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
)

// erroer interface is implemented by response structs to encode business logic errors
type errorer interface {
	error() error
}

// encodeError writes err as a short text/plain body. Client errors carry
// their message; server errors only the status text, details go to the
// logs and Sentry.
func encodeError(ctx context.Context, err error, w http.ResponseWriter) {
	status := http.StatusInternalServerError
	msg := http.StatusText(status)

	var sce fleet.ErrWithStatusCode
	if errors.As(err, &sce) {
		status = sce.StatusCode()
		if status < http.StatusInternalServerError {
			msg = sce.Error()
		} else {
			msg = http.StatusText(status)
		}
	}

	if status >= http.StatusInternalServerError {
		ctxerr.Handle(ctx, err)
	}

	var uuider fleet.ErrorUUIDer
	if errors.As(err, &uuider) {
		w.Header().Set("X-Error-Id", uuider.UUID())
	}

	body := []byte(msg)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
