// Package jobs runs background work grouped in named families.
//
// Callers wait for or cancel all pending work of one family without
// naming individual jobs.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/resource"
)

// Family groups related jobs.
type Family string

const (
	FamilyManualRefresh Family = "manual-refresh"
	FamilyAutoRefresh   Family = "auto-refresh"
	FamilyAutoBuild     Family = "auto-build"
)

// ErrShutdown is returned when scheduling on a stopped manager.
var ErrShutdown = errors.New("job manager is shut down")

// Func is the body of a job.
type Func func(ctx context.Context) error

// State is the lifecycle state of a job.
type State int

const (
	Waiting State = iota
	Running
	Done
)

// Job is one scheduled unit of work.
type Job struct {
	ID     string
	Family Family
	Name   string

	fn     Func
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

// State returns the job's lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the job's result once it is done.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job finished or was canceled.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is done and returns its result.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return resource.Canceled(ctx.Err())
	}
}

// Cancel stops the job. A waiting job never runs.
func (j *Job) Cancel() {
	j.cancel()
}

// Manager schedules and tracks jobs.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[Family]map[*Job]struct{}
	closed bool
}

// NewManager returns a running manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[Family]map[*Job]struct{}),
	}
}

// Schedule runs fn after delay as a job of family.
func (m *Manager) Schedule(family Family, name string, delay time.Duration, fn Func) (*Job, error) {
	return m.schedule(family, name, delay, fn, false)
}

// ScheduleOnce is Schedule, except that a job of the same family and
// name that has not started yet absorbs the request and is returned
// instead.
func (m *Manager) ScheduleOnce(family Family, name string, delay time.Duration, fn Func) (*Job, error) {
	return m.schedule(family, name, delay, fn, true)
}

func (m *Manager) schedule(family Family, name string, delay time.Duration, fn Func, coalesce bool) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	if coalesce {
		for j := range m.jobs[family] {
			if j.Name == name && j.State() == Waiting {
				return j, nil
			}
		}
	}
	ctx, cancel := context.WithCancel(m.ctx)
	j := &Job{
		ID:     ulid.Make().String(),
		Family: family,
		Name:   name,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	set := m.jobs[family]
	if set == nil {
		set = make(map[*Job]struct{})
		m.jobs[family] = set
	}
	set[j] = struct{}{}
	m.wg.Add(1)
	go m.run(j, delay)
	return j, nil
}

type jobKey struct{}

// FromContext returns the job whose function received ctx.
func FromContext(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(jobKey{}).(*Job)
	return j, ok
}

func (m *Manager) run(j *Job, delay time.Duration) {
	defer m.wg.Done()
	defer j.cancel()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-j.ctx.Done():
			timer.Stop()
		}
	}

	j.mu.Lock()
	if err := j.ctx.Err(); err != nil {
		j.state = Done
		j.err = resource.Canceled(err)
		j.mu.Unlock()
		m.forget(j)
		close(j.done)
		return
	}
	j.state = Running
	j.mu.Unlock()

	logger := logging.L().With(zap.String("job_id", j.ID), zap.String("family", string(j.Family)), zap.String("job", j.Name))
	logger.Debug("job started")
	start := time.Now()
	ctx := context.WithValue(j.ctx, jobKey{}, j)
	err := j.fn(logging.WithOperation(ctx, j.ID, zap.String("job", j.Name)))

	j.mu.Lock()
	j.state = Done
	j.err = err
	j.mu.Unlock()
	m.forget(j)
	close(j.done)

	metrics.RecordJob(string(j.Family), err == nil)
	if err != nil && !errors.Is(err, resource.ErrCanceled) {
		logger.Warn("job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	logger.Debug("job finished", zap.Duration("duration", time.Since(start)))
}

func (m *Manager) forget(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.jobs[j.Family]; set != nil {
		delete(set, j)
		if len(set) == 0 {
			delete(m.jobs, j.Family)
		}
	}
}

// Find returns the unfinished jobs of family.
func (m *Manager) Find(family Family) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs[family]))
	for j := range m.jobs[family] {
		out = append(out, j)
	}
	return out
}

// Join waits until no job of family is left, including jobs scheduled
// while waiting.
func (m *Manager) Join(ctx context.Context, family Family) error {
	for {
		pending := m.Find(family)
		if len(pending) == 0 {
			return nil
		}
		for _, j := range pending {
			select {
			case <-j.done:
			case <-ctx.Done():
				return resource.Canceled(ctx.Err())
			}
		}
	}
}

// Cancel cancels every job of family.
func (m *Manager) Cancel(family Family) {
	for _, j := range m.Find(family) {
		j.Cancel()
	}
}

// Shutdown cancels all jobs, refuses new ones and waits for running
// ones to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Debug("job manager stopped")
		return nil
	case <-ctx.Done():
		return resource.Canceled(ctx.Err())
	}
}
