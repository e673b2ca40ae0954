package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	configpkg "github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/datastore/mysql"
	"github.com/fleetdm/mdmgateway/server/health"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
	"github.com/fleetdm/mdmgateway/server/mdm/microsoft/authority"
	"github.com/fleetdm/mdmgateway/server/service"
	"github.com/fleetdm/mdmgateway/server/service/relay"
	"github.com/fleetdm/mdmgateway/server/version"
	"github.com/getsentry/sentry-go"
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const healthCheckTimeout = 5 * time.Second

func createServeCmd(configManager configpkg.Manager) *cobra.Command {
	// Whether to create the tables on startup
	migrate := false

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Launch the gateway",
		Long: `
Launch the gateway

Use mdmgateway serve to run the HTTP(S) server answering the Windows MDM
enrollment discovery, policy and authentication requests and relaying the
remaining enrollment traffic to the upstream MDM engine.
`,
		Run: func(cmd *cobra.Command, args []string) {
			config := configManager.LoadConfig()
			logger := initLogger(config)

			upstream, err := config.MDM.UpstreamBaseURL()
			if err != nil {
				initFatal(err, "validate upstream")
			}
			if !config.Logging.DisableBanner {
				writeBanner(os.Stderr, config, upstream)
			}

			if config.Logging.TracingEnabled {
				shutdown := initTracing()
				defer shutdown()
			}
			if config.Sentry.Dsn != "" {
				initSentry(config.Sentry.Dsn, logger)
				defer sentry.Recover()
				defer sentry.Flush(2 * time.Second)
			}

			ds, err := mysql.New(config.Mysql, clock.C, mysql.Logger(kitlog.With(logger, "component", "mysql")))
			if err != nil {
				initFatal(err, "initializing datastore")
			}
			defer ds.Close()

			if migrate {
				if err := ds.MigrateTables(cmd.Context()); err != nil {
					initFatal(err, "migrating db schema")
				}
			}

			instanceID := uuid.NewString()
			level.Info(logger).Log("instanceID", instanceID)

			ctx, cancelFunc := context.WithCancel(context.Background())
			defer cancelFunc()

			authorities := newAuthorityCache(ds, clock.C, instanceID, config.MDM, logger)

			ensureAuthority(ctx, authorities, logger)

			mdmSvc, err := service.NewService(authorities, nil, config, kitlog.With(logger, "component", "service"))
			if err != nil {
				initFatal(err, "initializing service")
			}

			mdmSvc = service.NewLoggingService(mdmSvc, kitlog.With(logger, "component", "service"))
			requestCount, requestLatency := newServiceMetrics()
			mdmSvc = service.NewMetricsService(mdmSvc, requestCount, requestLatency)

			newAuthorityRenewalSchedule(ctx, instanceID, ds, authorities, clock.C, config.MDM, logger).Start()

			httpLogger := kitlog.With(logger, "component", "http")

			upstreamRelay := relay.New(upstream,
				relay.WithLogger(kitlog.With(logger, "component", "relay")),
				relay.WithTimeout(config.MDM.UpstreamTimeout),
			)
			mdmHandler := service.MakeHandler(mdmSvc, config, httpLogger, upstreamRelay)

			healthCheckers := map[string]health.Checker{
				"mysql":            ds,
				"device_authority": authorityHealthCheck(ctx, authorities),
			}

			rootMux := http.NewServeMux()
			rootMux.Handle("/healthz", service.PrometheusMetricsHandler("healthz", health.Handler(httpLogger, healthCheckers)))
			rootMux.Handle("/version", service.PrometheusMetricsHandler("version", version.Handler()))
			mountMetrics(rootMux, config.Prometheus, logger)
			rootMux.Handle("/", mdmHandler)

			srv := config.Server.DefaultHTTPServer(ctx, rootMux)
			srv.SetKeepAlivesEnabled(config.Server.Keepalive)
			errs := make(chan error, 2)
			go func() {
				if !config.Server.TLS {
					logger.Log("transport", "http", "address", config.Server.Address, "msg", "listening")
					errs <- srv.ListenAndServe()
				} else {
					logger.Log("transport", "https", "address", config.Server.Address, "msg", "listening")
					srv.TLSConfig = getTLSConfig(config.Server.TLSProfile)
					errs <- srv.ListenAndServeTLS(
						config.Server.Cert,
						config.Server.Key,
					)
				}
			}()
			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig // block on signal
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				errs <- func() error {
					cancelFunc()
					return srv.Shutdown(ctx)
				}()
			}()

			// block on errs signal
			logger.Log("terminated", <-errs)
		},
	}

	serveCmd.PersistentFlags().BoolVar(&migrate, "migrate", false, "Create the device authority tables on startup")

	return serveCmd
}

// writeBanner prints where the gateway listens and where it relays to.
func writeBanner(w io.Writer, config configpkg.GatewayConfig, upstream *url.URL) {
	scheme := "http"
	if config.Server.TLS {
		scheme = "https"
	}
	v := version.Version()
	fmt.Fprintf(w, "mdmgateway %s\n", v.Version)
	fmt.Fprintf(w, "  Windows MDM front door: %s://%s%s\n", scheme, config.Server.Address, microsoft_mdm.DiscoveryPath)
	fmt.Fprintf(w, "  Relaying to:            %s\n", upstream.Redacted())
	if config.MDM.RequireClientCert {
		fmt.Fprintln(w, "  Manage.svc requires a trusted device certificate")
	}
}

func initTracing() (shutdown func()) {
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient())
	if err != nil {
		initFatal(err, "initializing tracing")
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }
}

func initSentry(dsn string, logger kitlog.Logger) {
	v := version.Version()
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: fmt.Sprintf("%s_%s_%s", v.Version, v.Branch, v.Revision),
	}); err != nil {
		initFatal(err, "initializing sentry")
	}
	level.Info(logger).Log("msg", "sentry initialized", "dsn", dsn)
}

func newServiceMetrics() (metrics.Counter, metrics.Histogram) {
	fieldKeys := []string{"method", "error"}
	requestCount := kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "api",
		Subsystem: "service",
		Name:      "request_count",
		Help:      "Number of requests received.",
	}, fieldKeys)
	requestLatency := kitprometheus.NewSummaryFrom(prometheus.SummaryOpts{
		Namespace: "api",
		Subsystem: "service",
		Name:      "request_latency_seconds",
		Help:      "Total duration of requests in seconds.",
	}, fieldKeys)
	return requestCount, requestLatency
}

// mountMetrics serves /metrics behind basic auth. Without credentials the
// endpoint is only mounted when basic auth is explicitly disabled.
func mountMetrics(mux *http.ServeMux, conf configpkg.PrometheusConfig, logger kitlog.Logger) {
	metricsHandler := service.PrometheusMetricsHandler("metrics", promhttp.Handler())
	switch {
	case conf.BasicAuth.Username != "" && conf.BasicAuth.Password != "":
		mux.Handle("/metrics", basicAuthHandler(conf.BasicAuth.Username, conf.BasicAuth.Password, metricsHandler))
	case conf.BasicAuth.Disable:
		level.Info(logger).Log("msg", "metrics endpoint enabled with http basic auth disabled")
		mux.Handle("/metrics", metricsHandler)
	default:
		level.Info(logger).Log("msg", "metrics endpoint disabled (http basic auth credentials not set)")
	}
}

// authorityHealthCheck fails when no device authority is valid, devices
// could then not be verified.
func authorityHealthCheck(ctx context.Context, authorities *authority.Cache) health.CheckerFunc {
	return func() error {
		ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()

		anchors, err := authorities.GetTrustAnchors(ctx)
		if err != nil {
			return err
		}
		if len(anchors) == 0 {
			return errors.New("no valid device authority")
		}
		return nil
	}
}

// basicAuthHandler wraps the given handler behind HTTP Basic Auth.
func basicAuthHandler(username, password string, next http.Handler) http.HandlerFunc {
	hashFn := func(s string) []byte {
		h := sha256.Sum256([]byte(s))
		return h[:]
	}
	expectedUsernameHash := hashFn(username)
	expectedPasswordHash := hashFn(password)

	return func(w http.ResponseWriter, r *http.Request) {
		recvUsername, recvPassword, ok := r.BasicAuth()
		if ok {
			usernameMatch := subtle.ConstantTimeCompare(hashFn(recvUsername), expectedUsernameHash) == 1
			passwordMatch := subtle.ConstantTimeCompare(hashFn(recvPassword), expectedPasswordHash) == 1

			if usernameMatch && passwordMatch {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}

// getTLSConfig returns the settings of the server.tls_compatibility profile,
// following https://wiki.mozilla.org/index.php?title=Security/Server_Side_TLS&oldid=1229478
func getTLSConfig(profile string) *tls.Config {
	cfg := &tls.Config{
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
	}

	switch profile {
	case configpkg.TLSProfileModern:
		cfg.MinVersion = tls.VersionTLS13
	case configpkg.TLSProfileIntermediate:
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		}
	default:
		initFatal(fmt.Errorf("%s is invalid", profile), "set TLS profile")
	}
	return cfg
}
