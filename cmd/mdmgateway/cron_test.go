package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/mdm/microsoft/authority"
	"github.com/fleetdm/mdmgateway/server/mock"
	"github.com/getsentry/sentry-go"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthorities struct {
	calls      int
	renewCalls int
	err        error
}

func (f *fakeAuthorities) GetActiveAuthority(ctx context.Context, shouldRenew bool) (*authority.ActiveAuthority, error) {
	f.calls++
	if shouldRenew {
		f.renewCalls++
	}
	if f.err != nil {
		return nil, f.err
	}
	return &authority.ActiveAuthority{ID: 3, ExpiresAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func newLockingStore() *mock.Store {
	ds := new(mock.Store)
	ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
		return true, nil
	}
	ds.UnlockFunc = func(ctx context.Context, name string, owner string) error {
		return nil
	}
	return ds
}

func TestAuthorityRenewalSchedule(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mockClock := clock.NewMockClock(now)

	t.Run("renews and prunes", func(t *testing.T) {
		ds := newLockingStore()
		var lockName, lockOwner string
		ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
			lockName, lockOwner = name, owner
			return true, nil
		}
		var prunedBefore time.Time
		ds.PruneDeviceAuthoritiesFunc = func(ctx context.Context, expiredBefore time.Time) (int64, error) {
			prunedBefore = expiredBefore
			return 2, nil
		}

		authorities := &fakeAuthorities{}
		conf := config.TestConfig().MDM
		conf.AuthorityRetention = 30 * 24 * time.Hour

		ran, err := newAuthorityRenewalSchedule(t.Context(), "instance-1", ds, authorities, mockClock, conf, kitlog.NewNopLogger()).RunNow(t.Context())
		require.NoError(t, err)
		require.True(t, ran)

		assert.Equal(t, authorityRenewalLock, lockName)
		assert.Equal(t, "instance-1", lockOwner)
		assert.Equal(t, 1, authorities.renewCalls)
		assert.True(t, ds.PruneDeviceAuthoritiesFuncInvoked)
		assert.Equal(t, now.Add(-30*24*time.Hour), prunedBefore)
		assert.True(t, ds.UnlockFuncInvoked)
	})

	t.Run("no retention", func(t *testing.T) {
		ds := newLockingStore()
		authorities := &fakeAuthorities{}
		conf := config.TestConfig().MDM
		conf.AuthorityRetention = 0

		ran, err := newAuthorityRenewalSchedule(t.Context(), "instance-1", ds, authorities, mockClock, conf, kitlog.NewNopLogger()).RunNow(t.Context())
		require.NoError(t, err)
		require.True(t, ran)
		assert.Equal(t, 1, authorities.renewCalls)
		assert.False(t, ds.PruneDeviceAuthoritiesFuncInvoked)
	})

	t.Run("renewal failure still prunes", func(t *testing.T) {
		ds := newLockingStore()
		ds.PruneDeviceAuthoritiesFunc = func(ctx context.Context, expiredBefore time.Time) (int64, error) {
			return 0, nil
		}
		authorities := &fakeAuthorities{err: errors.New("issuance failed")}
		conf := config.TestConfig().MDM
		conf.AuthorityRetention = time.Hour

		ran, err := newAuthorityRenewalSchedule(t.Context(), "instance-1", ds, authorities, mockClock, conf, kitlog.NewNopLogger()).RunNow(t.Context())
		require.True(t, ran)
		require.ErrorContains(t, err, "job renew_active_authority: issuance failed")
		assert.True(t, ds.PruneDeviceAuthoritiesFuncInvoked)
	})

	t.Run("lock held by another instance", func(t *testing.T) {
		ds := newLockingStore()
		ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
			return false, nil
		}
		authorities := &fakeAuthorities{}

		ran, err := newAuthorityRenewalSchedule(t.Context(), "instance-2", ds, authorities, mockClock, config.TestConfig().MDM, kitlog.NewNopLogger()).RunNow(t.Context())
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Zero(t, authorities.renewCalls)
	})
}

type sentryEvents struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (s *sentryEvents) Flush(time.Duration) bool       { return true }
func (s *sentryEvents) Configure(sentry.ClientOptions) {}
func (s *sentryEvents) SendEvent(e *sentry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestErrHandlerReportsOnce(t *testing.T) {
	transport := &sentryEvents{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:       "https://public@sentry.example.com/1",
		Transport: transport,
	})
	require.NoError(t, err)

	hub := sentry.CurrentHub()
	prev := hub.Client()
	hub.BindClient(client)
	t.Cleanup(func() { hub.BindClient(prev) })

	errHandler(t.Context(), kitlog.NewNopLogger(), "renew device authority", errors.New("issuance failed"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.events, 1)
	require.NotEmpty(t, transport.events[0].Exception)
}

func TestEnsureAuthorityDoesNotRenew(t *testing.T) {
	authorities := &fakeAuthorities{}
	ensureAuthority(t.Context(), authorities, kitlog.NewNopLogger())
	require.Equal(t, 1, authorities.calls)
	require.Zero(t, authorities.renewCalls)

	// failures are reported, not fatal
	failing := &fakeAuthorities{err: errors.New("db down")}
	ensureAuthority(t.Context(), failing, kitlog.NewNopLogger())
	require.Equal(t, 1, failing.calls)
}
