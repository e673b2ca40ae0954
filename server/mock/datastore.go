// Package mock provides a function-field implementation of fleet.Datastore
// for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/fleetdm/mdmgateway/server/fleet"
)

var _ fleet.Datastore = (*Store)(nil)

type GetCandidateAuthorityFunc func(ctx context.Context, cacheValidity time.Duration) (*fleet.DeviceAuthority, error)

type ListValidTrustAnchorsFunc func(ctx context.Context, now time.Time) ([]*fleet.DeviceAuthority, error)

type InsertDeviceAuthorityFunc func(ctx context.Context, authority *fleet.DeviceAuthority) (*fleet.DeviceAuthority, error)

type PruneDeviceAuthoritiesFunc func(ctx context.Context, expiredBefore time.Time) (int64, error)

type LockFunc func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error)

type UnlockFunc func(ctx context.Context, name string, owner string) error

type HealthCheckFunc func() error

type MigrateTablesFunc func(ctx context.Context) error

type CloseFunc func() error

type Store struct {
	GetCandidateAuthorityFunc        GetCandidateAuthorityFunc
	GetCandidateAuthorityFuncInvoked bool

	ListValidTrustAnchorsFunc        ListValidTrustAnchorsFunc
	ListValidTrustAnchorsFuncInvoked bool

	InsertDeviceAuthorityFunc        InsertDeviceAuthorityFunc
	InsertDeviceAuthorityFuncInvoked bool

	PruneDeviceAuthoritiesFunc        PruneDeviceAuthoritiesFunc
	PruneDeviceAuthoritiesFuncInvoked bool

	LockFunc        LockFunc
	LockFuncInvoked bool

	UnlockFunc        UnlockFunc
	UnlockFuncInvoked bool

	HealthCheckFunc        HealthCheckFunc
	HealthCheckFuncInvoked bool

	MigrateTablesFunc        MigrateTablesFunc
	MigrateTablesFuncInvoked bool

	CloseFunc        CloseFunc
	CloseFuncInvoked bool

	mu sync.Mutex
}

func (s *Store) GetCandidateAuthority(ctx context.Context, cacheValidity time.Duration) (*fleet.DeviceAuthority, error) {
	s.mu.Lock()
	s.GetCandidateAuthorityFuncInvoked = true
	s.mu.Unlock()
	return s.GetCandidateAuthorityFunc(ctx, cacheValidity)
}

func (s *Store) ListValidTrustAnchors(ctx context.Context, now time.Time) ([]*fleet.DeviceAuthority, error) {
	s.mu.Lock()
	s.ListValidTrustAnchorsFuncInvoked = true
	s.mu.Unlock()
	return s.ListValidTrustAnchorsFunc(ctx, now)
}

func (s *Store) InsertDeviceAuthority(ctx context.Context, authority *fleet.DeviceAuthority) (*fleet.DeviceAuthority, error) {
	s.mu.Lock()
	s.InsertDeviceAuthorityFuncInvoked = true
	s.mu.Unlock()
	return s.InsertDeviceAuthorityFunc(ctx, authority)
}

func (s *Store) PruneDeviceAuthorities(ctx context.Context, expiredBefore time.Time) (int64, error) {
	s.mu.Lock()
	s.PruneDeviceAuthoritiesFuncInvoked = true
	s.mu.Unlock()
	return s.PruneDeviceAuthoritiesFunc(ctx, expiredBefore)
}

func (s *Store) Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
	s.mu.Lock()
	s.LockFuncInvoked = true
	s.mu.Unlock()
	return s.LockFunc(ctx, name, owner, expiration)
}

func (s *Store) Unlock(ctx context.Context, name string, owner string) error {
	s.mu.Lock()
	s.UnlockFuncInvoked = true
	s.mu.Unlock()
	return s.UnlockFunc(ctx, name, owner)
}

func (s *Store) HealthCheck() error {
	s.mu.Lock()
	s.HealthCheckFuncInvoked = true
	s.mu.Unlock()
	return s.HealthCheckFunc()
}

func (s *Store) MigrateTables(ctx context.Context) error {
	s.mu.Lock()
	s.MigrateTablesFuncInvoked = true
	s.mu.Unlock()
	return s.MigrateTablesFunc(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.CloseFuncInvoked = true
	s.mu.Unlock()
	return s.CloseFunc()
}
