package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/stretchr/testify/assert"
)

func TestEncodeError(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc       string
		err        error
		wantStatus int
		wantBody   string
		wantUUID   bool
	}{
		{"missing parameter", fleet.NewMissingParameterError("appru"), http.StatusBadRequest, "Missing appru", true},
		{"wrapped malformed request", ctxerr.Wrap(ctx, fleet.NewMalformedRequestError("invalid SOAP request", errors.New("EOF")), "decode"), http.StatusBadRequest, "invalid SOAP request", true},
		{"auth failed", fleet.NewAuthFailedError("no client certificate"), http.StatusUnauthorized, "Authentication failed", true},
		{"issuance failure", fleet.NewIssuanceFailureError(errors.New("rsa: boom")), http.StatusInternalServerError, "Internal Server Error", true},
		{"storage unavailable", ctxerr.Wrap(ctx, fleet.NewStorageUnavailableError("get candidate", errors.New("dial tcp")), "load"), http.StatusInternalServerError, "Internal Server Error", true},
		{"bad gateway", fleet.NewBadGatewayError("upstream unavailable", errors.New("connection refused")), http.StatusBadGateway, "Bad Gateway", true},
		{"gateway timeout", fleet.NewGatewayTimeoutError("upstream unavailable", context.DeadlineExceeded), http.StatusGatewayTimeout, "Gateway Timeout", true},
		{"untyped", errors.New("secret detail"), http.StatusInternalServerError, "Internal Server Error", false},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			rec := httptest.NewRecorder()
			encodeError(ctx, c.err, rec)

			assert.Equal(t, c.wantStatus, rec.Code)
			assert.Equal(t, c.wantBody, rec.Body.String())
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, len(c.wantBody), rec.Body.Len())
			if c.wantUUID {
				assert.NotEmpty(t, rec.Header().Get("X-Error-Id"))
			} else {
				assert.Empty(t, rec.Header().Get("X-Error-Id"))
			}
		})
	}
}
