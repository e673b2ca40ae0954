package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/contexts/logging"
	"github.com/fleetdm/mdmgateway/server/fleet"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
	"github.com/go-kit/kit/endpoint"
	kithttp "github.com/go-kit/kit/transport/http"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type errorHandler struct {
	logger kitlog.Logger
}

func (h *errorHandler) Handle(ctx context.Context, err error) {
	// get the request path
	path, _ := ctx.Value(kithttp.ContextKeyRequestPath).(string)
	logger := level.Info(kitlog.With(h.logger, "path", path))

	var ewi fleet.ErrWithInternal
	if errors.As(err, &ewi) {
		logger = kitlog.With(logger, "internal", ewi.Internal())
	}

	var uuider fleet.ErrorUUIDer
	if errors.As(err, &uuider) {
		logger = kitlog.With(logger, "uuid", uuider.UUID())
	}

	logger.Log("err", err)
}

func logRequestEnd(logger kitlog.Logger) func(context.Context, http.ResponseWriter) context.Context {
	return func(ctx context.Context, w http.ResponseWriter) context.Context {
		logCtx, ok := logging.FromContext(ctx)
		if !ok {
			return ctx
		}
		logCtx.Log(ctx, logger)
		return ctx
	}
}

func setRequestsContexts(ctx context.Context, r *http.Request) context.Context {
	ctx = logging.NewContext(ctx, &logging.LoggingContext{})
	ctx = logging.WithStartTime(ctx)
	return ctx
}

// handlerFunc is the signature of the endpoint functions of the front door.
type handlerFunc func(ctx context.Context, request interface{}, svc fleet.Service) (errorer, error)

// requestDecoder is implemented by the request types of the endpoints.
type requestDecoder interface {
	DecodeRequest(ctx context.Context, r *http.Request) (interface{}, error)
}

func newServer(svc fleet.Service, fn handlerFunc, request requestDecoder, opts []kithttp.ServerOption) http.Handler {
	e := endpoint.Endpoint(func(ctx context.Context, request interface{}) (interface{}, error) {
		resp, err := fn(ctx, request, svc)
		if err != nil {
			return nil, err
		}
		if err := resp.error(); err != nil {
			logging.WithErr(ctx, err)
		}
		return resp, nil
	})

	dec := func(ctx context.Context, r *http.Request) (interface{}, error) {
		if request == nil {
			return nil, nil
		}
		return request.DecodeRequest(ctx, r)
	}
	return kithttp.NewServer(e, dec, encodeResponse, opts...)
}

// MakeHandler creates an HTTP handler for the enrollment front door. relay
// receives every enrollment request the gateway does not answer itself; it
// may be nil.
func MakeHandler(
	svc fleet.Service,
	config config.GatewayConfig,
	logger kitlog.Logger,
	relay http.Handler,
) http.Handler {
	mdmAPIOptions := []kithttp.ServerOption{
		kithttp.ServerBefore(
			kithttp.PopulateRequestContext, // populate the request context with common fields
			setRequestsContexts,
		),
		kithttp.ServerErrorHandler(&errorHandler{logger}),
		kithttp.ServerErrorEncoder(encodeError),
		kithttp.ServerAfter(
			logRequestEnd(logger),
		),
	}

	r := mux.NewRouter()
	if config.Logging.TracingEnabled && config.Logging.TracingType == "opentelemetry" {
		r.Use(otelmux.Middleware("mdmgateway"))
	}

	attachMDMRoutes(r, svc, mdmAPIOptions)
	if relay != nil {
		r.PathPrefix(microsoft_mdm.EnrollmentServerPrefix).Handler(relay).Name("mdm_enrollment_relay")
		if config.MDM.RelayManagement {
			r.PathPrefix(microsoft_mdm.ManagementServerPrefix).Handler(relay).Name("mdm_management_relay")
		}
	}
	addMetrics(r)

	return r
}

func attachMDMRoutes(r *mux.Router, svc fleet.Service, opts []kithttp.ServerOption) {
	r.Handle(microsoft_mdm.AuthenticatePath,
		newServer(svc, mdmMicrosoftAuthenticationEndpoint, mdmAuthenticateRequest{}, opts),
	).Methods(http.MethodGet).Name("mdm_microsoft_authenticate")

	r.Handle(microsoft_mdm.DiscoveryPath,
		newServer(svc, mdmMicrosoftDiscoveryProbeEndpoint, nil, opts),
	).Methods(http.MethodGet).Name("mdm_microsoft_discovery_probe")
	r.Handle(microsoft_mdm.DiscoveryPath,
		newServer(svc, mdmMicrosoftDiscoveryEndpoint, SoapRequestContainer{}, opts),
	).Methods(http.MethodPost).Name("mdm_microsoft_discovery")

	r.Handle(microsoft_mdm.PolicyPath,
		newServer(svc, mdmMicrosoftPolicyEndpoint, SoapRequestContainer{}, opts),
	).Methods(http.MethodPost).Name("mdm_microsoft_policy")

	r.Handle(microsoft_mdm.ManagementPath,
		newServer(svc, mdmMicrosoftManagementEndpoint, mdmManagementRequest{}, opts),
	).Methods(http.MethodGet, http.MethodPost).Name("mdm_microsoft_management")
}

// PrometheusMetricsHandler wraps the provided handler with prometheus metrics
// middleware and returns the resulting handler that should be mounted for that
// route.
func PrometheusMetricsHandler(name string, handler http.Handler) http.Handler {
	reg := prometheus.DefaultRegisterer
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	reqCnt := registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests made.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		[]string{"method", "code"},
	)).(*prometheus.CounterVec)

	reqDur := registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "The HTTP request latencies in seconds.",
			ConstLabels: prometheus.Labels{"handler": name},
			// Use default buckets, as they are suited for durations.
		},
		nil,
	)).(*prometheus.HistogramVec)

	// 1KB, 100KB, 1MB, 100MB
	sizeBuckets := []float64{1024, 100 * 1024, 1024 * 1024, 100 * 1024 * 1024}

	resSz := registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem:   "http",
			Name:        "response_size_bytes",
			Help:        "The HTTP response sizes in bytes.",
			ConstLabels: prometheus.Labels{"handler": name},
			Buckets:     sizeBuckets,
		},
		nil,
	)).(*prometheus.HistogramVec)

	return promhttp.InstrumentHandlerDuration(reqDur,
		promhttp.InstrumentHandlerCounter(reqCnt,
			promhttp.InstrumentHandlerResponseSize(resSz, handler)))
}

// addMetrics decorates each handler with prometheus instrumentation
func addMetrics(r *mux.Router) {
	walkFn := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		route.Handler(PrometheusMetricsHandler(route.GetName(), route.GetHandler()))
		return nil
	}
	r.Walk(walkFn) //nolint:errcheck
}
