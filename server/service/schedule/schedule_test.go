package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetdm/mdmgateway/server/mock"
	"github.com/stretchr/testify/require"
)

func TestScheduleRunsJobsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan string)
	record := func(ctx context.Context, id string) {
		select {
		case ran <- id:
		case <-ctx.Done():
		}
	}
	s := New(ctx, "authority_renewal", "instance_1", 20*time.Millisecond, NopLocker{},
		WithJob("renew", func(ctx context.Context) error {
			record(ctx, "renew")
			return errors.New("issuance failed")
		}),
		WithJob("audit", func(ctx context.Context) error {
			record(ctx, "audit")
			panic("bad authority row")
		}),
		WithJob("prune", func(ctx context.Context) error {
			record(ctx, "prune")
			return nil
		}),
	)
	s.Start()

	// a failing or panicking job does not stop the jobs after it, and the
	// next run starts over from the first job
	want := []string{"renew", "audit", "prune", "renew", "audit", "prune"}
	for i, id := range want {
		select {
		case got := <-ran:
			require.Equal(t, id, got, "job %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for job %d (%s)", i, id)
		}
	}

	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not stop")
	}
}

type countingLocker struct {
	mu     sync.Mutex
	locks  int
	owners map[string]int
}

func (l *countingLocker) Lock(_ context.Context, name string, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks++
	if l.owners == nil {
		l.owners = make(map[string]int)
	}
	l.owners[name+"/"+owner]++
	return true, nil
}

func (l *countingLocker) Unlock(context.Context, string, string) error {
	return nil
}

func TestScheduleTakesLockEachRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	locker := &countingLocker{}
	var mu sync.Mutex
	runs := 0
	s := New(ctx, "authority_renewal", "instance_1", 10*time.Millisecond, locker,
		WithJob("renew", func(ctx context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		}),
	)
	s.Start()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	locker.mu.Lock()
	defer locker.mu.Unlock()
	require.Positive(t, runs)
	require.GreaterOrEqual(t, locker.locks, runs)
	require.Equal(t, map[string]int{"authority_renewal/instance_1": locker.locks}, locker.owners)
}

func TestScheduleReleaseLock(t *testing.T) {
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	ds := new(mock.Store)
	var mockLock struct {
		owner  string
		expiry time.Time
		count  int

		mu sync.Mutex
	}
	lockCount := func() int {
		mockLock.mu.Lock()
		defer mockLock.mu.Unlock()
		return mockLock.count
	}

	ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
		mockLock.mu.Lock()
		defer mockLock.mu.Unlock()

		now := time.Now()
		if mockLock.owner == owner || now.After(mockLock.expiry) {
			mockLock.owner = owner
			mockLock.expiry = now.Add(expiration)
			mockLock.count = mockLock.count + 1

			return true, nil
		}
		return false, nil
	}

	unlock := make(chan int)
	ds.UnlockFunc = func(context.Context, string, string) error {
		unlock <- 1
		return nil
	}

	schedInterval := 100 * time.Millisecond
	jobDuration := 250 * time.Millisecond

	var jobCount int
	s := New(ctx, "test_sched", "test_instance", schedInterval, ds, WithJob("test_job", func(ctx context.Context) error {
		time.Sleep(jobDuration)
		jobCount++
		return nil
	}))
	s.Start()

	select {
	// the run lasts longer than the lock expiration, so the lock is
	// extended at least twice before it is released
	case <-unlock:
		require.Equal(t, 1, jobCount)
		require.GreaterOrEqual(t, lockCount(), 3)
	case <-time.After(3 * time.Second):
		t.Errorf("timeout")
	}

	select {
	case <-unlock:
		require.Equal(t, 2, jobCount)
	case <-time.After(3 * time.Second):
		t.Errorf("timeout")
	}
}

func TestScheduleNotLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ds := new(mock.Store)
	ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
		return false, nil
	}

	jobRan := false
	s := New(ctx, "test_not_leader", "test_instance", 10*time.Millisecond, ds,
		WithJob("test_job", func(ctx context.Context) error {
			jobRan = true
			return nil
		}),
	)
	s.Start()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-s.Done():
		require.False(t, jobRan)
		require.True(t, ds.LockFuncInvoked)
		require.False(t, ds.UnlockFuncInvoked)
	case <-time.After(5 * time.Second):
		t.Error("timeout")
	}
}

func TestRunNow(t *testing.T) {
	ds := new(mock.Store)
	ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
		require.Equal(t, "authority_renewal", name)
		require.Equal(t, "instance_1", owner)
		require.Equal(t, time.Hour, expiration)
		return true, nil
	}
	ds.UnlockFunc = func(ctx context.Context, name string, owner string) error {
		return nil
	}

	var order []string
	s := New(t.Context(), "authority_renewal", "instance_1", time.Hour, ds,
		WithJob("renew", func(ctx context.Context) error {
			order = append(order, "renew")
			return errors.New("renew failed")
		}),
		WithJob("prune", func(ctx context.Context) error {
			order = append(order, "prune")
			return nil
		}),
	)

	ran, err := s.RunNow(t.Context())
	require.True(t, ran)
	require.ErrorContains(t, err, "job renew: renew failed")
	require.Equal(t, []string{"renew", "prune"}, order)
	require.True(t, ds.UnlockFuncInvoked)

	ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
		return false, nil
	}
	ds.UnlockFuncInvoked = false
	ran, err = s.RunNow(t.Context())
	require.False(t, ran)
	require.NoError(t, err)
	require.False(t, ds.UnlockFuncInvoked)

	ds.LockFunc = func(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
		return false, errors.New("db down")
	}
	_, err = s.RunNow(t.Context())
	require.ErrorContains(t, err, "db down")
}
