// Package jobqueue runs module work on a bounded worker pool. Each job carries
// its own policy: a rate-limit key with a per-minute budget, how many times to
// try, and how to back off between transient failures.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrStopped     = errors.New("job queue stopped")
)

// Status of a submitted job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done reports whether s is final.
func (s Status) Done() bool { return s == StatusSucceeded || s == StatusFailed }

// Job is one unit of work.
type Job struct {
	Name     string
	TenantID string
	Run      func(ctx context.Context) (any, error)
}

// Policy controls how a job is paced and retried.
type Policy struct {
	// RateKey groups jobs that share a limiter, normally the module id.
	RateKey       string
	RatePerMinute int

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout time.Duration

	// Deadline bounds the whole job, retries included. A job past its
	// deadline is not tried again. Zero means none.
	Deadline time.Time

	// Retryable decides whether a failed attempt is tried again.
	// Defaults to module.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy is five attempts backing off up to an hour.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Retryable == nil {
		p.Retryable = module.IsTransient
	}
	return p
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	IsRetrying  bool       `json:"is_retrying"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type entry struct {
	mu   sync.Mutex
	st   JobStatus
	err  error
	done chan struct{}

	// owned by whichever goroutine runs the current attempt
	job      Job
	policy   Policy
	ctx      context.Context
	cancel   context.CancelFunc
	bo       *backoff.ExponentialBackOff
	attempts int
	reserved bool
	result   any
	start    time.Time
}

func (e *entry) snapshot() JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (e *entry) update(fn func(*JobStatus)) {
	e.mu.Lock()
	fn(&e.st)
	e.mu.Unlock()
}

// Hooks observe queue activity. Nil fields are skipped.
type Hooks struct {
	OnSubmit      func(name string)
	OnRateWait    func(key string, waited time.Duration)
	OnRetry       func(name string, attempt int, delay time.Duration)
	OnFinish      func(name string, status Status, attempts int, duration time.Duration)
	OnQueueLength func(waiting int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithHooks sets metric hooks.
func WithHooks(h Hooks) Option { return func(q *Queue) { q.hooks = h } }

// WithDefaultRate sets the per-minute budget used when a policy has a rate key but no rate.
func WithDefaultRate(perMinute int) Option { return func(q *Queue) { q.defaultRate = perMinute } }

// WithRetention sets how long finished jobs stay queryable.
func WithRetention(d time.Duration) Option { return func(q *Queue) { q.retention = d } }

// Queue is a worker pool with per-key rate limits and job status tracking.
type Queue struct {
	pool   *workerpool.WorkerPool
	logger log.Logger
	hooks  Hooks

	defaultRate int
	retention   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	jobs     map[string]*entry
	limiters map[string]*rate.Limiter
	timers   map[string]*time.Timer
	submits  int
	stopped  bool
}

// New starts a queue with size workers.
func New(size int, opts ...Option) *Queue {
	if size <= 0 {
		size = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pool:        workerpool.New(size),
		logger:      log.Nop(),
		defaultRate: 10,
		retention:   time.Hour,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*entry),
		limiters:    make(map[string]*rate.Limiter),
		timers:      make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = log.Nop()
	}
	return q
}

// Submit enqueues job and returns its id immediately. The job runs detached
// from ctx; only Stop or the policy deadline cancel it. Rate-limit delays and
// retry backoff wait on timers, never inside a worker.
func (q *Queue) Submit(ctx context.Context, job Job, p Policy) (string, error) {
	if job.Run == nil {
		return "", fmt.Errorf("submit %q: nil run func", job.Name)
	}
	p = p.withDefaults()

	e := &entry{
		st: JobStatus{
			ID:          ulid.Make().String(),
			Name:        job.Name,
			TenantID:    job.TenantID,
			Status:      StatusQueued,
			SubmittedAt: time.Now(),
		},
		done:   make(chan struct{}),
		job:    job,
		policy: p,
	}
	e.bo = backoff.NewExponentialBackOff()
	e.bo.InitialInterval = p.InitialBackoff
	e.bo.MaxInterval = p.MaxBackoff
	e.bo.MaxElapsedTime = 0
	e.bo.Reset()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if p.Deadline.IsZero() {
		e.ctx, e.cancel = context.WithCancel(q.ctx)
	} else {
		e.ctx, e.cancel = context.WithDeadline(q.ctx, p.Deadline)
	}
	q.jobs[e.st.ID] = e
	q.submits++
	if q.submits%256 == 0 {
		q.pruneLocked(time.Now())
	}
	// submitting under the lock keeps Stop from closing the pool in between
	q.pool.Submit(func() { q.attempt(e) })
	q.mu.Unlock()

	if q.hooks.OnSubmit != nil {
		q.hooks.OnSubmit(job.Name)
	}
	q.logger.Info(ctx, "job submitted", "job_id", e.st.ID, "job", job.Name, "tenant_id", job.TenantID)

	if q.hooks.OnQueueLength != nil {
		q.hooks.OnQueueLength(q.pool.WaitingQueueSize())
	}
	return e.st.ID, nil
}

// attempt runs one try of e on a worker. Anything that has to wait (rate
// limit or backoff) is handed to a timer and the worker is released.
func (q *Queue) attempt(e *entry) {
	L := q.logger.With("job_id", e.st.ID, "job", e.job.Name, "tenant_id", e.job.TenantID)
	p := e.policy

	if err := e.ctx.Err(); err != nil {
		q.finish(e, err)
		return
	}
	if !e.reserved {
		if d := q.reserve(p); d > 0 {
			e.reserved = true
			if q.hooks.OnRateWait != nil {
				q.hooks.OnRateWait(p.RateKey, d)
			}
			q.later(e, d)
			return
		}
	}
	e.reserved = false

	if e.attempts == 0 {
		e.start = time.Now()
	}
	e.attempts++
	attempts := e.attempts
	e.update(func(s *JobStatus) {
		s.Attempts = attempts
		s.Status = StatusRunning
		if s.StartedAt == nil {
			s.StartedAt = &e.start
		}
	})

	runCtx := e.ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(e.ctx, p.Timeout)
		defer cancel()
	}
	res, err := e.job.Run(runCtx)
	e.result = res
	if err == nil {
		q.finish(e, nil)
		return
	}
	if !p.Retryable(err) || attempts >= p.MaxAttempts || e.ctx.Err() != nil {
		q.finish(e, err)
		return
	}

	d := e.bo.NextBackOff()
	if dl, ok := e.ctx.Deadline(); ok && time.Now().Add(d).After(dl) {
		q.finish(e, err)
		return
	}
	e.update(func(s *JobStatus) {
		s.Status = StatusRetrying
		s.IsRetrying = true
		s.Error = err.Error()
	})
	if q.hooks.OnRetry != nil {
		q.hooks.OnRetry(e.job.Name, attempts, d)
	}
	L.Warn(e.ctx, "job attempt failed, retrying", "attempt", attempts, "delay", d, "error", err)
	q.later(e, d)
}

// later puts e back on the pool after d. A stopped queue fails it instead.
func (q *Queue) later(e *entry, d time.Duration) {
	id := e.st.ID
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.finish(e, ErrStopped)
		return
	}
	defer q.mu.Unlock()
	q.timers[id] = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, id)
		if q.stopped {
			q.mu.Unlock()
			q.finish(e, ErrStopped)
			return
		}
		q.pool.Submit(func() { q.attempt(e) })
		q.mu.Unlock()
	})
}

// finish records the final status and releases waiters.
func (q *Queue) finish(e *entry, err error) {
	e.cancel()
	end := time.Now()
	start := e.start
	if start.IsZero() {
		start = end
	}
	status := StatusSucceeded
	e.mu.Lock()
	e.st.Attempts = e.attempts
	e.st.IsRetrying = false
	e.st.FinishedAt = &end
	e.st.Result = e.result
	if err != nil {
		status = StatusFailed
		e.err = err
		e.st.Error = err.Error()
	} else {
		e.st.Error = ""
	}
	e.st.Status = status
	e.mu.Unlock()
	close(e.done)

	if q.hooks.OnFinish != nil {
		q.hooks.OnFinish(e.job.Name, status, e.attempts, end.Sub(start))
	}
	L := q.logger.With("job_id", e.st.ID, "job", e.job.Name, "tenant_id", e.job.TenantID)
	if err != nil {
		L.Error(context.Background(), err, "job failed", "attempts", e.attempts)
	} else {
		L.Info(context.Background(), "job succeeded", "attempts", e.attempts, "duration", end.Sub(start))
	}
}

// reserve takes a token from the policy's limiter and returns how long the
// job must wait for it. Over-budget jobs are delayed, never dropped.
func (q *Queue) reserve(p Policy) time.Duration {
	if p.RateKey == "" {
		return 0
	}
	return q.limiter(p.RateKey, p.RatePerMinute).Reserve().Delay()
}

func (q *Queue) limiter(key string, perMinute int) *rate.Limiter {
	q.mu.RLock()
	lim, ok := q.limiters[key]
	q.mu.RUnlock()
	if ok {
		return lim
	}

	if perMinute <= 0 {
		perMinute = q.defaultRate
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if lim, ok := q.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	q.limiters[key] = lim
	return lim
}

// Status returns a snapshot of a job.
func (q *Queue) Status(id string) (JobStatus, bool) {
	q.mu.RLock()
	e, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return JobStatus{}, false
	}
	return e.snapshot(), true
}

// Wait blocks until the job finishes or ctx is done. On ctx expiry it
// returns the current snapshot together with ctx's error.
func (q *Queue) Wait(ctx context.Context, id string) (JobStatus, error) {
	q.mu.RLock()
	e, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
}

// Err returns the final error of a finished job.
func (q *Queue) Err(id string) error {
	q.mu.RLock()
	e, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Waiting returns the number of queued jobs not yet picked up by a worker.
func (q *Queue) Waiting() int { return q.pool.WaitingQueueSize() }

// Stop refuses new jobs and waits for queued ones. If ctx expires first,
// running jobs are canceled and Stop returns once the workers exit.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	var parked []string
	for id, t := range q.timers {
		if t.Stop() {
			parked = append(parked, id)
		}
		delete(q.timers, id)
	}
	q.mu.Unlock()

	// jobs parked on a timer never reach a worker again
	for _, id := range parked {
		q.mu.RLock()
		e := q.jobs[id]
		q.mu.RUnlock()
		if e != nil {
			q.finish(e, ErrStopped)
		}
	}

	drained := make(chan struct{})
	go func() {
		q.pool.StopWait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}

func (q *Queue) pruneLocked(now time.Time) {
	for id, e := range q.jobs {
		s := e.snapshot()
		if s.Status.Done() && s.FinishedAt != nil && now.Sub(*s.FinishedAt) > q.retention {
			delete(q.jobs, id)
		}
	}
}
