package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/metrics"
)

// Options configure a Pool. Zero values fall back to defaults.
type Options struct {
	Workers      int
	QueueSize    int           // per worker
	FrameTTL     time.Duration // ProcessFrame jobs older than this are dropped
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// OnFailure is called once for every job that finished with an error
	OnFailure func(job Job, h *Handle, err error)
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = constants.WorkerPoolSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = constants.WorkerQueueSize
	}
	if o.FrameTTL <= 0 {
		o.FrameTTL = constants.FrameTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = constants.MaxJobAttempts
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = constants.RetryInitialInterval
	}
	if o.RetryMax <= 0 {
		o.RetryMax = constants.RetryMaxInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type task struct {
	job      Job
	handle   *Handle
	enqueued time.Time
}

// Stats are the pool's counters.
type Stats struct {
	Workers   int `json:"workers"`
	Pending   int `json:"pending"`
	Submitted int `json:"submitted"`
	Rejected  int `json:"rejected"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
}

// Pool is a fixed set of workers, each with its own bounded queue.
type Pool struct {
	handler Handler
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	queues []chan *task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	statsMu sync.Mutex
	stats   Stats
}

// NewPool starts the workers.
func NewPool(handler Handler, opts Options) *Pool {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With("component", "dispatch"),
		now:     time.Now,
		queues:  make([]chan *task, opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
		stats:   Stats{Workers: opts.Workers},
	}
	for i := range p.queues {
		p.queues[i] = make(chan *task, opts.QueueSize)
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("dispatcher started", "workers", opts.Workers, "queue_size", opts.QueueSize)
	return p
}

// pin maps a session to its worker.
func (p *Pool) pin(sessionID int64) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(sessionID))
	h := fnv.New32a()
	_, _ = h.Write(buf[:])
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Submit enqueues the job without blocking.
func (p *Pool) Submit(job Job) (*Handle, error) {
	if job == nil {
		return nil, ErrNilJob
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.count(func(s *Stats) { s.Rejected++ })
		return nil, ErrClosed
	}

	t := &task{job: job, handle: newHandle(uuid.NewString(), job), enqueued: p.now()}
	q := p.queues[p.pin(job.Session())]
	select {
	case q <- t:
		p.opts.Metrics.QueueChanged(1)
		p.count(func(s *Stats) { s.Submitted++ })
		return t.handle, nil
	default:
		p.count(func(s *Stats) { s.Rejected++ })
		return nil, fmt.Errorf("%w: session %d", ErrQueueFull, job.Session())
	}
}

func (p *Pool) worker(i int) {
	defer p.wg.Done()
	for t := range p.queues[i] {
		p.opts.Metrics.QueueChanged(-1)
		p.run(t)
	}
}

type jobIDKey struct{}

// JobID returns the ID of the job a handler is running. Every attempt of a
// retried job sees the same ID.
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// deadline returns when a frame job stops being relevant.
func (p *Pool) deadline(t *task) (time.Time, bool) {
	f, ok := t.job.(ProcessFrame)
	if !ok {
		return time.Time{}, false
	}
	submitted := f.SubmittedAt
	if submitted.IsZero() {
		submitted = t.enqueued
	}
	return submitted.Add(p.opts.FrameTTL), true
}

func (p *Pool) stale(t *task) bool {
	d, ok := p.deadline(t)
	return ok && p.now().After(d)
}

// jobContext bounds frame jobs by their deadline, so detection and retries
// stop once the frame is stale.
func (p *Pool) jobContext(t *task) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(p.ctx, jobIDKey{}, t.handle.ID)
	if d, ok := p.deadline(t); ok {
		return context.WithDeadline(ctx, d)
	}
	return context.WithCancel(ctx)
}

func expired(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (p *Pool) run(t *task) {
	kind := string(t.job.Kind())

	if p.stale(t) {
		p.finish(t, nil, ErrStale, 0)
		return
	}

	ctx, cancel := p.jobContext(t)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInitial
	b.MaxInterval = p.opts.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)

	var (
		result   any
		attempts int
	)
	operation := func() error {
		if attempts > 0 && (p.stale(t) || expired(ctx)) {
			return backoff.Permanent(ErrStale)
		}
		attempts++
		res, err := p.handler.Handle(ctx, t.job)
		if err == nil {
			result = res
			return nil
		}
		if expired(ctx) && !errors.Is(err, ErrStale) {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrStale, err))
		}
		if !database.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.opts.Metrics.JobRetried(kind)
		p.count(func(s *Stats) { s.Retries++ })
		p.logger.Warn("retrying job after transient failure",
			"job_id", t.handle.ID,
			"kind", kind,
			"session_id", t.job.Session(),
			"attempt", attempts,
			"wait", wait,
			"error", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && !errors.Is(err, ErrStale) && expired(ctx) {
		// the deadline passed while waiting between attempts
		err = fmt.Errorf("%w: %w", ErrStale, err)
	}
	p.finish(t, result, err, attempts)
}

func (p *Pool) finish(t *task, result any, err error, attempts int) {
	kind := string(t.job.Kind())
	t.handle.resolve(result, err, attempts)

	if err == nil {
		p.opts.Metrics.JobDone(kind, "ok")
		p.count(func(s *Stats) { s.Succeeded++ })
		return
	}

	outcome := "failed"
	switch {
	case errors.Is(err, ErrStale):
		outcome = "stale"
	case errors.Is(err, database.ErrSessionNotActive):
		outcome = "session_not_active"
	case database.IsTransient(err):
		outcome = "exhausted"
	}
	p.opts.Metrics.JobDone(kind, outcome)
	p.count(func(s *Stats) { s.Failed++ })

	p.logger.Debug("job failed",
		"job_id", t.handle.ID,
		"kind", kind,
		"session_id", t.job.Session(),
		"outcome", outcome,
		"attempts", attempts,
		"error", err)

	if p.opts.OnFailure != nil {
		p.opts.OnFailure(t.job, t.handle, err)
	}
}

func (p *Pool) count(f func(*Stats)) {
	p.statsMu.Lock()
	f(&p.stats)
	p.statsMu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	for _, q := range p.queues {
		s.Pending += len(q)
	}
	return s
}

// Shutdown rejects new jobs and waits for queued ones to finish. When ctx
// expires first, running jobs are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}
