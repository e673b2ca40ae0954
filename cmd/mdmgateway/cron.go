package main

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/fleetdm/mdmgateway/server/mdm/microsoft/authority"
	"github.com/fleetdm/mdmgateway/server/service/schedule"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	authorityRenewalLock = "authority_renewal"

	defaultRenewalInterval = time.Hour
)

// errHandler logs err and reports it through ctxerr.Handle, which sends it
// to Sentry when configured.
func errHandler(ctx context.Context, logger kitlog.Logger, msg string, err error) {
	level.Error(logger).Log("msg", msg, "err", err)
	ctxerr.Handle(ctx, err)
}

// newAuthorityCache wires the issuer and the cache of the device authority
// to the datastore.
func newAuthorityCache(ds fleet.Datastore, c clock.Clock, instanceID string, conf config.MDMConfig, logger kitlog.Logger) *authority.Cache {
	logger = kitlog.With(logger, "component", "device_authority")

	issuer := authority.NewIssuer(ds, ds, c, logger,
		authority.WithOwner(instanceID),
		authority.WithKeySize(conf.AuthorityKeySize),
		authority.WithAuthorityValidity(conf.AuthorityValidity),
		authority.WithSubject(conf.AuthorityCommonName, conf.AuthorityOrganization),
		authority.WithIssuerCacheValidity(conf.CacheValidity),
		authority.WithIssuerRenewalThreshold(conf.RenewalThreshold),
	)
	return authority.NewCache(ds, issuer, c,
		authority.WithLogger(logger),
		authority.WithCacheValidity(conf.CacheValidity),
		authority.WithRenewalThreshold(conf.RenewalThreshold),
	)
}

// activeAuthorityGetter is implemented by *authority.Cache.
type activeAuthorityGetter interface {
	GetActiveAuthority(ctx context.Context, shouldRenew bool) (*authority.ActiveAuthority, error)
}

// ensureAuthority loads the active authority at startup, issuing the first
// one when the datastore has none. Renewal is left to the renewal schedule.
// A failure is not fatal, the first device request retries.
func ensureAuthority(ctx context.Context, authorities activeAuthorityGetter, logger kitlog.Logger) {
	if _, err := authorities.GetActiveAuthority(ctx, false); err != nil {
		errHandler(ctx, logger, "initial device authority", err)
	}
}

// newAuthorityRenewalSchedule returns the schedule that renews the device
// authority ahead of its expiration and, when a retention is configured,
// prunes the authorities that expired before it. Only the instance holding
// the authority_renewal lock runs it.
func newAuthorityRenewalSchedule(
	ctx context.Context,
	instanceID string,
	ds fleet.Datastore,
	authorities activeAuthorityGetter,
	c clock.Clock,
	conf config.MDMConfig,
	logger kitlog.Logger,
) *schedule.Schedule {
	interval := conf.RenewalInterval
	if interval <= 0 {
		interval = defaultRenewalInterval
	}
	logger = kitlog.With(logger, "cron", authorityRenewalLock)

	return schedule.New(
		ctx, authorityRenewalLock, instanceID, interval, ds,
		schedule.WithLogger(logger),
		schedule.WithJob(
			"renew_active_authority",
			func(ctx context.Context) error {
				active, err := authorities.GetActiveAuthority(ctx, true)
				if err != nil {
					return err
				}
				level.Debug(logger).Log("msg", "active device authority", "id", active.ID, "expires_at", active.ExpiresAt)
				return nil
			},
		),
		schedule.WithJob(
			"prune_expired_authorities",
			func(ctx context.Context) error {
				if conf.AuthorityRetention <= 0 {
					return nil
				}
				n, err := ds.PruneDeviceAuthorities(ctx, c.Now().Add(-conf.AuthorityRetention))
				if err != nil {
					return err
				}
				if n > 0 {
					level.Info(logger).Log("msg", "pruned expired device authorities", "count", n)
				}
				return nil
			},
		),
	)
}
