package authority

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/fleetdm/mdmgateway/server/mdm/cryptoutil"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

const (
	// IssuanceLockName is the datastore lock held while an authority is
	// generated and persisted.
	IssuanceLockName = "device_authority_issuance"

	issuanceLockExpiration = time.Minute
	defaultKeySize         = 4096
	defaultValidity        = 365 * 24 * time.Hour
	defaultLockWait        = 10 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
)

// Issuer creates new device authorities. Only one gateway instance issues
// at a time; the others wait for the result.
type Issuer struct {
	store  fleet.AuthorityStore
	locker fleet.Locker
	clock  clock.Clock
	logger log.Logger

	keySize          int
	validity         time.Duration
	commonName       string
	organization     string
	cacheValidity    time.Duration
	renewalThreshold time.Duration
	owner            string
	lockWait         time.Duration
	pollInterval     time.Duration
	rand             io.Reader
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithKeySize sets the RSA key size of issued authorities.
func WithKeySize(bits int) IssuerOption {
	return func(i *Issuer) {
		i.keySize = bits
	}
}

// WithAuthorityValidity sets how long issued authorities are valid.
func WithAuthorityValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.validity = d
	}
}

// WithSubject sets the common name and organization of issued authorities.
func WithSubject(commonName, organization string) IssuerOption {
	return func(i *Issuer) {
		i.commonName = commonName
		i.organization = organization
	}
}

// WithIssuerCacheValidity must match the validity of the cache the issuer
// serves, as it drives the candidate selection.
func WithIssuerCacheValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.cacheValidity = d
	}
}

// WithIssuerRenewalThreshold sets how close to expiration the current
// authority must be for a new one to be issued.
func WithIssuerRenewalThreshold(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.renewalThreshold = d
	}
}

// WithOwner sets the lock owner, it defaults to a random UUID.
func WithOwner(owner string) IssuerOption {
	return func(i *Issuer) {
		i.owner = owner
	}
}

// WithLockWait sets how long IssueAuthority waits for another instance
// holding the issuance lock, and how often it checks for its result.
func WithLockWait(wait, poll time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.lockWait = wait
		i.pollInterval = poll
	}
}

// WithRandReader sets the source of randomness for keys and serials.
func WithRandReader(r io.Reader) IssuerOption {
	return func(i *Issuer) {
		i.rand = r
	}
}

// NewIssuer returns an issuer persisting to store and coordinating through
// locker.
func NewIssuer(store fleet.AuthorityStore, locker fleet.Locker, c clock.Clock, logger log.Logger, opts ...IssuerOption) *Issuer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	i := &Issuer{
		store:            store,
		locker:           locker,
		clock:            c,
		logger:           logger,
		keySize:          defaultKeySize,
		validity:         defaultValidity,
		cacheValidity:    defaultCacheValidity,
		renewalThreshold: defaultRenewalThreshold,
		owner:            uuid.NewString(),
		lockWait:         defaultLockWait,
		pollInterval:     defaultPollInterval,
		rand:             rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueAuthority generates, self-signs and persists a new device authority.
// If another caller issued an authority that is not due for renewal while
// this one waited for the issuance lock, that authority is returned instead.
func (i *Issuer) IssueAuthority(ctx context.Context) (*fleet.DeviceAuthority, error) {
	locked, err := i.locker.Lock(ctx, IssuanceLockName, i.owner, issuanceLockExpiration)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "acquire issuance lock")
	}
	if !locked {
		return i.waitForAuthority(ctx)
	}
	defer func() {
		if err := i.locker.Unlock(context.WithoutCancel(ctx), IssuanceLockName, i.owner); err != nil {
			level.Error(i.logger).Log("msg", "release issuance lock", "err", err)
		}
	}()

	current, err := i.store.GetCandidateAuthority(ctx, i.cacheValidity)
	switch {
	case err == nil:
		if !current.ExpiresWithin(i.clock.Now(), i.renewalThreshold) {
			level.Debug(i.logger).Log("msg", "authority issued concurrently", "authority_id", current.ID)
			return current, nil
		}
	case !fleet.IsNotFound(err):
		return nil, ctxerr.Wrap(ctx, err, "re-check candidate authority")
	}

	return i.issue(ctx)
}

func (i *Issuer) issue(ctx context.Context) (*fleet.DeviceAuthority, error) {
	key, err := rsa.GenerateKey(i.rand, i.keySize)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, fleet.NewIssuanceFailureError(err), "generate authority key")
	}

	opts := []cryptoutil.CACertOption{
		cryptoutil.WithValidity(i.validity),
		cryptoutil.WithRand(i.rand),
	}
	if i.commonName != "" {
		opts = append(opts, cryptoutil.WithCommonName(i.commonName))
	}
	if i.organization != "" {
		opts = append(opts, cryptoutil.WithOrganization(i.organization))
	}

	now := i.clock.Now().UTC()
	der, err := cryptoutil.NewCACert(opts...).SelfSign(now, &key.PublicKey, key)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, fleet.NewIssuanceFailureError(err), "self-sign authority")
	}
	certPEM := cryptoutil.PEMCertificate(der)
	cert, err := cryptoutil.DecodePEMCertificate(certPEM)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, fleet.NewIssuanceFailureError(err), "parse issued authority")
	}

	inserted, err := i.store.InsertDeviceAuthority(ctx, &fleet.DeviceAuthority{
		PublicKeyPEM:  string(certPEM),
		PrivateKeyPEM: string(cryptoutil.PEMRSAPrivateKey(key)),
		CreatedAt:     now,
		ExpiresAt:     cert.NotAfter,
	})
	if err != nil {
		return nil, ctxerr.Wrap(ctx, fleet.NewIssuanceFailureError(err), "insert authority")
	}

	level.Info(i.logger).Log(
		"msg", "issued device authority",
		"authority_id", inserted.ID,
		"fingerprint", cryptoutil.CertFingerprintHexStr(cert),
		"expires_at", inserted.ExpiresAt,
	)
	return inserted, nil
}

// waitForAuthority polls the candidate while another instance holds the
// issuance lock. When the wait is over it settles for any candidate, even
// one due for renewal.
func (i *Issuer) waitForAuthority(ctx context.Context) (*fleet.DeviceAuthority, error) {
	deadline := i.clock.Now().Add(i.lockWait)
	for {
		candidate, err := i.store.GetCandidateAuthority(ctx, i.cacheValidity)
		if err != nil && !fleet.IsNotFound(err) {
			return nil, ctxerr.Wrap(ctx, err, "poll candidate authority")
		}
		now := i.clock.Now()
		if candidate != nil && !candidate.ExpiresWithin(now, i.renewalThreshold) {
			return candidate, nil
		}
		if !now.Before(deadline) {
			if candidate != nil {
				level.Warn(i.logger).Log("msg", "issuance lock held elsewhere, using authority due for renewal", "authority_id", candidate.ID)
				return candidate, nil
			}
			return nil, ctxerr.Wrap(ctx, fleet.NewIssuanceFailureError(errors.New("issuance lock held by another instance")), "wait for authority")
		}

		select {
		case <-ctx.Done():
			return nil, ctxerr.Wrap(ctx, fleet.NewIssuanceFailureError(ctx.Err()), "wait for authority")
		case <-i.clock.After(i.pollInterval):
		}
	}
}
