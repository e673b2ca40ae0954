package authority

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/fleetdm/mdmgateway/server/mdm/cryptoutil"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/singleflight"
)

const (
	activeKey      = "active"
	activeRenewKey = "active-renew"
	anchorsKey     = "anchors"
)

// AuthorityIssuer issues a new device authority. It is implemented by
// *Issuer.
type AuthorityIssuer interface {
	IssueAuthority(ctx context.Context) (*fleet.DeviceAuthority, error)
}

type activeEntry struct {
	authority *ActiveAuthority
	cachedAt  time.Time
}

type anchorsEntry struct {
	certs    []*x509.Certificate
	pool     *x509.CertPool
	cachedAt time.Time
}

// Cache keeps the active signing authority and the trust anchors in memory
// for a configurable validity. It is safe for concurrent use.
type Cache struct {
	store  fleet.AuthorityStore
	issuer AuthorityIssuer
	clock  clock.Clock
	logger log.Logger

	validity         time.Duration
	renewalThreshold time.Duration

	group       singleflight.Group
	loadTimeout time.Duration

	mu      sync.Mutex
	active  *activeEntry
	anchors *anchorsEntry
	// anchorsGen is bumped on every issuance; anchor loads started under an
	// older generation are not cached.
	anchorsGen uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the logger of the cache.
func WithLogger(logger log.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheValidity sets how long cached entries are served.
func WithCacheValidity(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.validity = d
	}
}

// WithRenewalThreshold sets how close to expiration the active authority
// must be for GetActiveAuthority(ctx, true) to issue a new one.
func WithRenewalThreshold(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.renewalThreshold = d
	}
}

// NewCache returns a cache loading from store and issuing through issuer.
func NewCache(store fleet.AuthorityStore, issuer AuthorityIssuer, c clock.Clock, opts ...CacheOption) *Cache {
	cache := &Cache{
		store:            store,
		issuer:           issuer,
		clock:            c,
		logger:           log.NewNopLogger(),
		validity:         defaultCacheValidity,
		renewalThreshold: defaultRenewalThreshold,
		loadTimeout:      defaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// GetActiveAuthority returns the authority to sign with. A cached entry
// younger than the cache validity is returned as is, unless shouldRenew is
// set. With shouldRenew a new authority is issued when the candidate expires
// within the renewal threshold.
func (c *Cache) GetActiveAuthority(ctx context.Context, shouldRenew bool) (*ActiveAuthority, error) {
	key := activeKey
	if shouldRenew {
		key = activeRenewKey
	} else {
		c.mu.Lock()
		entry := c.active
		c.mu.Unlock()
		if entry != nil && c.clock.Now().Sub(entry.cachedAt) < c.validity {
			return entry.authority, nil
		}
	}

	v, err := c.load(ctx, key, func(ctx context.Context) (interface{}, error) {
		return c.loadActive(ctx, shouldRenew)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActiveAuthority), nil
}

// load runs fn once per key for all concurrent callers. fn gets a context
// detached from the caller that started it, so a device going away does not
// fail the other callers of the same refill. Each caller still stops waiting
// when its own ctx is done.
func (c *Cache) load(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctxerr.Wrap(ctx, ctx.Err(), "wait for "+key)
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Cache) loadActive(ctx context.Context, shouldRenew bool) (*ActiveAuthority, error) {
	var issued bool
	candidate, err := c.store.GetCandidateAuthority(ctx, c.validity)
	switch {
	case fleet.IsNotFound(err):
		level.Info(c.logger).Log("msg", "no device authority found, issuing one")
		candidate, err = c.issuer.IssueAuthority(ctx)
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "issue first authority")
		}
		issued = true
	case err != nil:
		return nil, ctxerr.Wrap(ctx, err, "get candidate authority")
	}

	if shouldRenew && !issued && candidate.ExpiresWithin(c.clock.Now(), c.renewalThreshold) {
		level.Info(c.logger).Log("msg", "device authority due for renewal", "authority_id", candidate.ID, "expires_at", candidate.ExpiresAt)
		candidate, err = c.issuer.IssueAuthority(ctx)
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "renew authority")
		}
		issued = true
	}

	active, err := parseAuthority(candidate)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "parse active authority")
	}

	c.mu.Lock()
	c.active = &activeEntry{authority: active, cachedAt: c.clock.Now()}
	if issued {
		c.anchors = nil
		c.anchorsGen++
	}
	c.mu.Unlock()
	if issued {
		c.group.Forget(anchorsKey)
	}

	return active, nil
}

// GetTrustAnchors returns the certificates of every authority that has not
// expired, oldest first. Rows that cannot be parsed are logged and skipped.
func (c *Cache) GetTrustAnchors(ctx context.Context) ([]*x509.Certificate, error) {
	entry, err := c.trustAnchors(ctx)
	if err != nil {
		return nil, err
	}
	certs := make([]*x509.Certificate, len(entry.certs))
	copy(certs, entry.certs)
	return certs, nil
}

func (c *Cache) trustAnchors(ctx context.Context) (*anchorsEntry, error) {
	c.mu.Lock()
	entry := c.anchors
	c.mu.Unlock()
	if entry != nil && c.clock.Now().Sub(entry.cachedAt) < c.validity {
		return entry, nil
	}

	v, err := c.load(ctx, anchorsKey, func(ctx context.Context) (interface{}, error) {
		return c.loadAnchors(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*anchorsEntry), nil
}

func (c *Cache) loadAnchors(ctx context.Context) (*anchorsEntry, error) {
	c.mu.Lock()
	gen := c.anchorsGen
	c.mu.Unlock()

	rows, err := c.store.ListValidTrustAnchors(ctx, c.clock.Now())
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list trust anchors")
	}

	entry := &anchorsEntry{
		certs: make([]*x509.Certificate, 0, len(rows)),
		pool:  x509.NewCertPool(),
	}
	for _, row := range rows {
		cert, err := cryptoutil.DecodePEMCertificate([]byte(row.PublicKeyPEM))
		if err != nil {
			level.Error(c.logger).Log("msg", "skipping unparsable trust anchor", "authority_id", row.ID, "err", err)
			continue
		}
		entry.certs = append(entry.certs, cert)
		entry.pool.AddCert(cert)
	}
	entry.cachedAt = c.clock.Now()

	c.mu.Lock()
	if gen == c.anchorsGen {
		c.anchors = entry
	}
	c.mu.Unlock()

	return entry, nil
}

// VerifyClientCertificate checks that cert chains to one of the trust
// anchors and may be used for client authentication. intermediates may be
// nil.
func (c *Cache) VerifyClientCertificate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate) error {
	if cert == nil {
		return fleet.NewAuthFailedError("no client certificate")
	}
	anchors, err := c.trustAnchors(ctx)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "load trust anchors")
	}
	if len(anchors.certs) == 0 {
		return fleet.NewAuthFailedError("no valid device authority")
	}

	opts := x509.VerifyOptions{
		Roots:       anchors.pool,
		CurrentTime: c.clock.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if len(intermediates) > 0 {
		opts.Intermediates = x509.NewCertPool()
		for _, ic := range intermediates {
			opts.Intermediates.AddCert(ic)
		}
	}
	if _, err := cert.Verify(opts); err != nil {
		return fleet.NewAuthFailedError("verify client certificate: " + err.Error())
	}
	return nil
}
