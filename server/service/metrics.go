package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/go-kit/kit/metrics"
)

type metricsMiddleware struct {
	fleet.Service
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
}

// NewMetricsService service takes an existing service and wraps it
// with instrumentation middleware.
func NewMetricsService(
	svc fleet.Service,
	requestCount metrics.Counter,
	requestLatency metrics.Histogram,
) fleet.Service {
	return metricsMiddleware{
		Service:        svc,
		requestCount:   requestCount,
		requestLatency: requestLatency,
	}
}

func (mw metricsMiddleware) observe(method string, begin time.Time, err error) {
	lvs := []string{"method", method, "error", fmt.Sprint(err != nil)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw metricsMiddleware) GetMDMMicrosoftSTSAuthResponse(ctx context.Context, appru string) (page []byte, err error) {
	defer func(begin time.Time) { mw.observe("GetMDMMicrosoftSTSAuthResponse", begin, err) }(time.Now())
	return mw.Service.GetMDMMicrosoftSTSAuthResponse(ctx, appru)
}

func (mw metricsMiddleware) GetMDMMicrosoftDiscoveryResponse(ctx context.Context, messageID string, origin *url.URL) (res []byte, err error) {
	defer func(begin time.Time) { mw.observe("GetMDMMicrosoftDiscoveryResponse", begin, err) }(time.Now())
	return mw.Service.GetMDMMicrosoftDiscoveryResponse(ctx, messageID, origin)
}

func (mw metricsMiddleware) GetMDMMicrosoftPolicyResponse(ctx context.Context, messageID string) (res []byte, err error) {
	defer func(begin time.Time) { mw.observe("GetMDMMicrosoftPolicyResponse", begin, err) }(time.Now())
	return mw.Service.GetMDMMicrosoftPolicyResponse(ctx, messageID)
}

func (mw metricsMiddleware) AuthenticateMDMManagementRequest(ctx context.Context, gatewayAuth string, clientCert string) (err error) {
	defer func(begin time.Time) { mw.observe("AuthenticateMDMManagementRequest", begin, err) }(time.Now())
	return mw.Service.AuthenticateMDMManagementRequest(ctx, gatewayAuth, clientCert)
}
