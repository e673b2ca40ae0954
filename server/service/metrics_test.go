package service

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/fleetdm/mdmgateway/server/fleet"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	kitlog "github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	fleet.Service
	err error
}

func (s stubService) GetMDMMicrosoftDiscoveryResponse(ctx context.Context, messageID string, origin *url.URL) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("<discover/>"), nil
}

func (s stubService) AuthenticateMDMManagementRequest(ctx context.Context, gatewayAuth, clientCert string) error {
	return s.err
}

func TestMetricsService(t *testing.T) {
	fieldKeys := []string{"method", "error"}
	countVec := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "api", Subsystem: "service", Name: "request_count"}, fieldKeys)
	latencyVec := prometheus.NewSummaryVec(prometheus.SummaryOpts{Namespace: "api", Subsystem: "service", Name: "request_latency_seconds"}, fieldKeys)
	count := kitprometheus.NewCounter(countVec)
	latency := kitprometheus.NewSummary(latencyVec)

	svc := NewMetricsService(stubService{}, count, latency)
	res, err := svc.GetMDMMicrosoftDiscoveryResponse(t.Context(), "urn:uuid:1", &url.URL{Scheme: "https", Host: "mdm.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []byte("<discover/>"), res)

	svc = NewMetricsService(stubService{err: errors.New("boom")}, count, latency)
	require.Error(t, svc.AuthenticateMDMManagementRequest(t.Context(), "", ""))

	assert.Equal(t, float64(1), testutil.ToFloat64(countVec.WithLabelValues("GetMDMMicrosoftDiscoveryResponse", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(countVec.WithLabelValues("AuthenticateMDMManagementRequest", "true")))
	assert.Equal(t, 2, testutil.CollectAndCount(latencyVec))
}

func TestLoggingService(t *testing.T) {
	var buf bytes.Buffer
	logger := kitlog.NewLogfmtLogger(&buf)

	svc := NewLoggingService(stubService{err: fleet.NewAuthFailedError("no client certificate")}, logger)
	require.Error(t, svc.AuthenticateMDMManagementRequest(t.Context(), "", ""))

	out := buf.String()
	assert.Contains(t, out, "level=info")
	assert.Contains(t, out, "method=AuthenticateMDMManagementRequest")
	assert.Contains(t, out, `internal="no client certificate"`)
	assert.Contains(t, out, `err="Authentication failed"`)

	buf.Reset()
	svc = NewLoggingService(stubService{}, logger)
	_, err := svc.GetMDMMicrosoftDiscoveryResponse(t.Context(), "urn:uuid:1", &url.URL{Scheme: "https", Host: "mdm.example.com"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "level=debug")
	assert.Contains(t, buf.String(), "message_id=urn:uuid:1")
}
