package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// renderHijacker is implemented by responses that write their own body and
// headers.
type renderHijacker interface {
	hijackRender(ctx context.Context, w http.ResponseWriter)
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		encodeError(ctx, e.error(), w)
		return nil
	}

	if render, ok := response.(renderHijacker); ok {
		render.hijackRender(ctx, w)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// requestOrigin returns the scheme and host the client used to reach the
// gateway. X-Forwarded-Proto and X-Forwarded-Host set by a TLS terminating
// proxy take precedence over the connection state and the Host header.
func requestOrigin(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.ToLower(firstHeaderValue(r.Header.Get("X-Forwarded-Proto"))); proto == "http" || proto == "https" {
		scheme = proto
	}

	host := r.Host
	if fwd := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return &url.URL{Scheme: scheme, Host: host}
}

// firstHeaderValue returns the first entry of a comma separated header
// value, as appended by each proxy on the way.
func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
