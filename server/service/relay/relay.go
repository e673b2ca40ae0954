// Package relay forwards the enrollment and management traffic the gateway
// does not answer itself to the upstream MDM engine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdm/mdmgateway/server/fleet"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const defaultTimeout = 30 * time.Second

// Relay is a streaming reverse proxy to the upstream MDM engine. Method,
// headers and body are passed through; hop-by-hop headers are dropped and
// no X-Forwarded-* header is added. Create one with New.
type Relay struct {
	upstream *url.URL
	logger   kitlog.Logger
	timeout  time.Duration
	proxy    *httputil.ReverseProxy
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger used to report upstream failures.
func WithLogger(logger kitlog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithTimeout bounds dialing the upstream and waiting for its response
// headers. The response body is not bounded.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New returns a Relay forwarding requests to upstream. The request path and
// query are appended to the upstream URL.
func New(upstream *url.URL, opts ...Option) *Relay {
	r := &Relay{
		upstream: upstream,
		logger:   kitlog.NewNopLogger(),
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	// Adapted from http.DefaultTransport
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   r.timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   r.timeout,
		ResponseHeaderTimeout: r.timeout,
		ExpectContinueTimeout: 1 * time.Second,
		// the device's Accept-Encoding is forwarded as is, responses are
		// decoded in modifyResponse
		DisableCompression: true,
	}

	r.proxy = &httputil.ReverseProxy{
		Director:       r.direct,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: modifyResponse,
		ErrorHandler:   r.handleError,
	}
	return r
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.proxy.ServeHTTP(w, req)
}

func (r *Relay) direct(req *http.Request) {
	target := r.upstream
	req.Host = target.Host
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path, req.URL.RawPath = joinURLPath(target, req.URL)
	if target.RawQuery == "" || req.URL.RawQuery == "" {
		req.URL.RawQuery = target.RawQuery + req.URL.RawQuery
	} else {
		req.URL.RawQuery = target.RawQuery + "&" + req.URL.RawQuery
	}

	// a nil value keeps httputil from appending the client address
	if _, ok := req.Header["X-Forwarded-For"]; !ok {
		req.Header["X-Forwarded-For"] = nil
	}
	narrowAcceptEncoding(req.Header)
}

// decodableEncodings are the content codings modifyResponse can undo.
var decodableEncodings = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"deflate":  true,
	"zstd":     true,
	"identity": true,
}

// narrowAcceptEncoding drops the codings the relay cannot decode from the
// device's Accept-Encoding, so the upstream never picks one of them.
func narrowAcceptEncoding(h http.Header) {
	values := h.Values("Accept-Encoding")
	if len(values) == 0 {
		return
	}
	var kept []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			coding, _, _ := strings.Cut(part, ";")
			if decodableEncodings[strings.ToLower(strings.TrimSpace(coding))] {
				kept = append(kept, part)
			}
		}
	}
	if len(kept) == 0 {
		h.Del("Accept-Encoding")
		return
	}
	h.Set("Accept-Encoding", strings.Join(kept, ", "))
}

// strippedResponseHeaders are set by the serving layer in front of the
// gateway and must not be applied twice.
var strippedResponseHeaders = []string{"Content-Encoding", "Strict-Transport-Security"}

func modifyResponse(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	for _, h := range strippedResponseHeaders {
		resp.Header.Del(h)
	}

	if encoding == "" || encoding == "identity" {
		return nil
	}
	// the decoded length is unknown
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1

	if !bodyAllowed(resp) {
		return nil
	}

	body, err := decodeBody(encoding, resp.Body)
	if err != nil {
		if errors.Is(err, io.EOF) {
			resp.Body.Close()
			resp.Body = http.NoBody
			return nil
		}
		return err
	}
	resp.Body = body
	return nil
}

func bodyAllowed(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return resp.Body != nil && resp.Body != http.NoBody
}

// errUnsupportedEncoding is returned for responses the relay cannot decode.
var errUnsupportedEncoding = errors.New("unsupported upstream content encoding")

func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "zstd":
		dec, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		rc := dec.IOReadCloser()
		return &decodedBody{Reader: rc, closers: []io.Closer{rc, body}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, strconv.Quote(encoding))
	}
}

// decodedBody streams the decoded upstream body and closes both the
// decoder and the upstream body.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var err error
	for _, c := range b.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Relay) handleError(w http.ResponseWriter, req *http.Request, err error) {
	var gwErr *fleet.GatewayError
	if isTimeout(err) {
		gwErr = fleet.NewGatewayTimeoutError("upstream timeout", err)
	} else {
		gwErr = fleet.NewBadGatewayError("upstream unavailable", err)
	}

	logger := level.Error(r.logger)
	if errors.Is(err, context.Canceled) {
		// the device went away
		logger = level.Debug(r.logger)
	}
	logger.Log(
		"msg", "relay upstream request",
		"method", req.Method,
		"path", req.URL.Path,
		"upstream", r.upstream.Host,
		"status", gwErr.StatusCode(),
		"uuid", gwErr.UUID(),
		"err", err,
	)

	body := []byte(http.StatusText(gwErr.StatusCode()))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Error-Id", gwErr.UUID())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(gwErr.StatusCode())
	_, _ = w.Write(body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Copied from Go source
// https://go.googlesource.com/go/+/go1.22.0/src/net/http/httputil/reverseproxy.go#206
func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	// Same as singleJoiningSlash, but uses EscapedPath to determine
	// whether a slash should be added
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")
	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

// Copied from Go source
// https://go.googlesource.com/go/+/go1.22.0/src/net/http/httputil/reverseproxy.go#194
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
