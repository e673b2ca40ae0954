package service

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/fleetdm/mdmgateway/server/fleet"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// logging middleware logs the service actions
type loggingMiddleware struct {
	fleet.Service
	logger kitlog.Logger
}

// NewLoggingService takes an existing service and adds a logging wrapper
func NewLoggingService(svc fleet.Service, logger kitlog.Logger) fleet.Service {
	return loggingMiddleware{Service: svc, logger: logger}
}

// loggerDebug returns the the info level if there error is non-nil, otherwise defaulting to the debug level.
func (mw loggingMiddleware) loggerDebug(err error) kitlog.Logger {
	logger := mw.logger
	var ewi fleet.ErrWithInternal
	if errors.As(err, &ewi) {
		logger = kitlog.With(logger, "internal", ewi.Internal())
	}
	if err != nil {
		return level.Info(logger)
	}
	return level.Debug(logger)
}

func (mw loggingMiddleware) GetMDMMicrosoftSTSAuthResponse(ctx context.Context, appru string) (page []byte, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log("method", "GetMDMMicrosoftSTSAuthResponse", "appru", appru, "err", err, "took", time.Since(begin))
	}(time.Now())
	return mw.Service.GetMDMMicrosoftSTSAuthResponse(ctx, appru)
}

func (mw loggingMiddleware) GetMDMMicrosoftDiscoveryResponse(ctx context.Context, messageID string, origin *url.URL) (res []byte, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log("method", "GetMDMMicrosoftDiscoveryResponse", "message_id", messageID, "origin", origin, "err", err, "took", time.Since(begin))
	}(time.Now())
	return mw.Service.GetMDMMicrosoftDiscoveryResponse(ctx, messageID, origin)
}

func (mw loggingMiddleware) GetMDMMicrosoftPolicyResponse(ctx context.Context, messageID string) (res []byte, err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log("method", "GetMDMMicrosoftPolicyResponse", "message_id", messageID, "err", err, "took", time.Since(begin))
	}(time.Now())
	return mw.Service.GetMDMMicrosoftPolicyResponse(ctx, messageID)
}

func (mw loggingMiddleware) AuthenticateMDMManagementRequest(ctx context.Context, gatewayAuth string, clientCert string) (err error) {
	defer func(begin time.Time) {
		mw.loggerDebug(err).Log("method", "AuthenticateMDMManagementRequest", "err", err, "took", time.Since(begin))
	}(time.Now())
	return mw.Service.AuthenticateMDMManagementRequest(ctx, gatewayAuth, clientCert)
}
