// Package schedule runs periodic jobs on a single gateway instance at a
// time, coordinated through a datastore lock.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
)

// Locker is the datastore lock used to elect the instance running a
// schedule.
type Locker interface {
	Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error)
	Unlock(ctx context.Context, name string, owner string) error
}

// JobFn is the signature of a job.
type JobFn func(context.Context) error

// Job is a named job of a schedule.
type Job struct {
	ID string
	Fn JobFn
}

// Schedule runs its jobs in order every interval, on the instance holding
// the schedule lock.
type Schedule struct {
	ctx        context.Context
	name       string
	instanceID string
	logger     log.Logger

	interval time.Duration
	locker   Locker
	jobs     []Job

	done chan struct{}
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithLogger sets a logger for the schedule.
func WithLogger(l log.Logger) Option {
	return func(s *Schedule) {
		s.logger = l
	}
}

// WithJob adds a job to the schedule. Jobs run in the order they are added.
func WithJob(id string, fn JobFn) Option {
	return func(s *Schedule) {
		s.jobs = append(s.jobs, Job{ID: id, Fn: fn})
	}
}

// New creates a schedule. Call Start to run it until ctx is done.
func New(ctx context.Context, name string, instanceID string, interval time.Duration, locker Locker, opts ...Option) *Schedule {
	sch := &Schedule{
		ctx:        ctx,
		name:       name,
		instanceID: instanceID,
		logger:     log.NewNopLogger(),
		interval:   interval,
		locker:     locker,
		done:       make(chan struct{}),
	}
	for _, fn := range opts {
		fn(sch)
	}
	return sch
}

// Start runs the schedule in its own goroutine. The first run happens one
// interval after Start.
func (s *Schedule) Start() {
	go func() {
		defer close(s.done)

		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		for {
			select {
			case <-s.ctx.Done():
				level.Debug(s.logger).Log("msg", "done")
				return
			case <-timer.C:
				if _, err := s.runWithLock(s.ctx); err != nil {
					level.Error(s.logger).Log("msg", "run jobs", "err", err)
					ctxerr.Handle(s.ctx, err)
				}
				timer.Reset(s.interval)
			}
		}
	}()
}

// Done returns a channel closed once the schedule stopped.
func (s *Schedule) Done() <-chan struct{} {
	return s.done
}

// RunNow runs the jobs once, synchronously, if the schedule lock can be
// acquired. It reports whether the jobs ran and the errors of the jobs
// that failed.
func (s *Schedule) RunNow(ctx context.Context) (bool, error) {
	return s.runWithLock(ctx)
}

func (s *Schedule) runWithLock(ctx context.Context) (bool, error) {
	interval := s.interval
	locked, err := s.locker.Lock(ctx, s.name, s.instanceID, interval)
	if err != nil {
		return false, ctxerr.Wrap(ctx, err, "acquire schedule lock")
	}
	if !locked {
		level.Debug(s.logger).Log("msg", "not the leader, skipping")
		return false, nil
	}

	stopHold := s.holdLock(ctx, interval)
	defer func() {
		stopHold()
		if err := s.locker.Unlock(context.WithoutCancel(ctx), s.name, s.instanceID); err != nil {
			level.Error(s.logger).Log("msg", "release schedule lock", "err", err)
		}
	}()

	var errs *multierror.Error
	for _, job := range s.jobs {
		level.Debug(s.logger).Log("msg", "starting", "jobID", job.ID)
		if err := runJob(ctx, job.Fn); err != nil {
			level.Error(s.logger).Log("msg", "job failed", "jobID", job.ID, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return true, errs.ErrorOrNil()
}

// holdLock extends the schedule lock every 8/10ths of the interval until
// the returned function is called.
func (s *Schedule) holdLock(ctx context.Context, interval time.Duration) func() {
	ticker := time.NewTicker(interval * 8 / 10)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.locker.Lock(ctx, s.name, s.instanceID, interval); err != nil {
					level.Error(s.logger).Log("msg", "extend schedule lock", "err", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func runJob(ctx context.Context, fn JobFn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
