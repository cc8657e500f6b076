package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pagewright/asynccore/internal/events"
)

// eventSource labels events emitted by the queue.
const eventSource = "job_queue"

// Errors returned by queue operations.
var (
	// ErrNoHandler is returned by Enqueue for a job type with no
	// registered handler.
	ErrNoHandler = errors.New("queue: no handler registered for job type")

	// ErrInvalidPriority is returned by Enqueue for an unknown priority.
	ErrInvalidPriority = errors.New("queue: invalid priority")

	// ErrNotStarted is returned by Enqueue before Start has run.
	ErrNotStarted = errors.New("queue: not started")
)

// Handler executes one job. The returned value is serialized to JSON and
// stored as the job result. A returned error triggers retry-with-backoff
// until the job's retry budget is exhausted.
type Handler func(ctx context.Context, job *Job) (any, error)

// Config holds queue tuning.
type Config struct {
	// Concurrency is the maximum number of jobs executing simultaneously.
	Concurrency int

	// TickInterval is the period of the scheduler's wake cycle.
	TickInterval time.Duration

	// BaseRetryDelay seeds the exponential backoff between retries of a
	// failed job: delay = BaseRetryDelay * 2^(retries-1).
	BaseRetryDelay time.Duration

	// DefaultMaxRetries applies to jobs enqueued without an explicit limit.
	DefaultMaxRetries int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		TickInterval:      5 * time.Second,
		BaseRetryDelay:    time.Second,
		DefaultMaxRetries: 3,
	}
}

// Option customizes a single enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	priority   Priority
	maxRetries *int
}

// WithPriority sets the job priority (default normal).
func WithPriority(p Priority) Option {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithMaxRetries overrides the configured default retry budget.
func WithMaxRetries(n int) Option {
	return func(o *enqueueOptions) { o.maxRetries = &n }
}

// Filter narrows the result of Jobs. Zero fields match everything.
type Filter struct {
	Status Status
	Type   JobType
}

// Stats summarizes queue state.
type Stats struct {
	Total      int              `json:"total"`
	Running    int              `json:"running"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
	Handlers   []JobType        `json:"handlers"`
}

// Queue is the priority job queue. It exclusively owns the job collection
// and its persisted mirror; all mutation goes through the scheduler loop or
// the explicit cancel/clear operations.
type Queue struct {
	store  JobStore
	bus    *events.Bus
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[uint64]*Job
	nextID   uint64
	running  int
	handlers map[JobType]Handler
	started  bool

	// retryTimers holds the delayed re-attempt timers so Stop can cancel
	// them. Timers are best effort: a crash loses them, and the recovery
	// pass (running → pending) is the durability guarantee instead.
	retryTimers map[uint64]*time.Timer

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue over the given store. Call RegisterHandler for every
// job type, then Start.
func New(store JobStore, bus *events.Bus, config Config, logger *slog.Logger) *Queue {
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.BaseRetryDelay <= 0 {
		config.BaseRetryDelay = time.Second
	}
	return &Queue{
		store:       store,
		bus:         bus,
		config:      config,
		logger:      logger.With("component", "job_queue"),
		jobs:        make(map[uint64]*Job),
		nextID:      1,
		handlers:    make(map[JobType]Handler),
		retryTimers: make(map[uint64]*time.Timer),
		wake:        make(chan struct{}, 1),
	}
}

// RegisterHandler binds a handler to a job type. Registration is required
// before any job of that type can be enqueued or executed.
func (q *Queue) RegisterHandler(typ JobType, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[typ] = handler
}

// Start loads persisted jobs, runs crash recovery, and launches the
// scheduler loop. Any job found in running state is unconditionally reset
// to pending with its start time cleared: a crash never loses a job, but
// may re-execute one (at-least-once).
func (q *Queue) Start(ctx context.Context) error {
	jobs, nextID, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted jobs: %w", err)
	}

	q.mu.Lock()
	q.nextID = nextID
	recovered := 0
	for _, job := range jobs {
		if job.Status == StatusRunning {
			job.Status = StatusPending
			job.StartedAt = nil
			recovered++

			if job.MaxRetries > 0 && job.Retries >= job.MaxRetries-1 {
				q.logger.Warn("recovered job is at the edge of its retry budget",
					"job_id", job.ID,
					"job_type", job.Type,
					"retries", job.Retries,
					"max_retries", job.MaxRetries)
			}
		}
		q.jobs[job.ID] = job
		if job.ID >= q.nextID {
			q.nextID = job.ID + 1
		}
	}
	q.started = true
	persistErr := q.persistLocked(ctx)
	q.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}

	q.logger.Info("job queue started",
		"loaded", len(jobs),
		"recovered", recovered,
		"concurrency", q.config.Concurrency)

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(1)
	go q.schedule(runCtx)

	q.signalWake()
	return nil
}

// Stop halts the scheduler and cancels pending retry timers. Jobs already
// executing run to completion.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}

	q.mu.Lock()
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// Enqueue persists a new pending job and wakes the scheduler. The job type
// must have a registered handler; the failure mode is immediate rather than
// a terminal job failure at execution time.
func (q *Queue) Enqueue(ctx context.Context, typ JobType, payload any, opts ...Option) (uint64, error) {
	options := enqueueOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.priority.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, options.priority)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize job payload: %w", err)
	}

	maxRetries := q.config.DefaultMaxRetries
	if options.maxRetries != nil {
		maxRetries = *options.maxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return 0, ErrNotStarted
	}
	if _, ok := q.handlers[typ]; !ok {
		q.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrNoHandler, typ)
	}

	job := &Job{
		ID:         q.nextID,
		Type:       typ,
		Payload:    raw,
		Priority:   options.priority,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}
	q.nextID++
	q.jobs[job.ID] = job
	persistErr := q.persistLocked(ctx)
	if persistErr != nil {
		// Roll back the in-memory insert so memory and mirror stay in step.
		delete(q.jobs, job.ID)
		q.nextID--
		q.mu.Unlock()
		return 0, persistErr
	}
	q.mu.Unlock()

	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"job_type", typ,
		"priority", options.priority)

	q.emitJob(ctx, events.TypeJobEnqueued, job)
	q.signalWake()

	return job.ID, nil
}

// Cancel moves a pending job to cancelled. Returns false when the job does
// not exist or has already started; a running job cannot be cancelled
// mid-flight.
func (q *Queue) Cancel(ctx context.Context, id uint64) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return false
	}

	job.Status = StatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	if timer, ok := q.retryTimers[id]; ok {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist job cancellation", "job_id", id, "error", err)
	}
	snapshot := job.clone()
	q.mu.Unlock()

	q.emitJob(ctx, events.TypeJobCancelled, snapshot)
	return true
}

// Job returns a copy of the job with the given ID.
func (q *Queue) Job(id uint64) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Jobs returns copies of all jobs matching the filter, ordered by ID.
func (q *Queue) Jobs(filter Filter) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		out = append(out, job.clone())
	}
	sortJobsByID(out)
	return out
}

// ClearCompleted removes all completed jobs and returns how many were
// removed.
func (q *Queue) ClearCompleted(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, job := range q.jobs {
		if job.Status == StatusCompleted {
			delete(q.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		if err := q.persistLocked(ctx); err != nil {
			q.logger.Error("failed to persist completed-job cleanup", "error", err)
		}
	}
	return removed
}

// Stats summarizes the queue's current state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Total:      len(q.jobs),
		Running:    q.running,
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[Priority]int),
	}
	for _, job := range q.jobs {
		stats.ByStatus[job.Status]++
		stats.ByPriority[job.Priority]++
	}
	for typ := range q.handlers {
		stats.Handlers = append(stats.Handlers, typ)
	}
	sort.Slice(stats.Handlers, func(i, j int) bool {
		return stats.Handlers[i] < stats.Handlers[j]
	})
	return stats
}

// schedule is the wake cycle: a periodic tick plus explicit wake signals
// after enqueue, completion, and retry timers.
func (q *Queue) schedule(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchOne(ctx)
		case <-q.wake:
			q.dispatchOne(ctx)
		}
	}
}

// signalWake nudges the scheduler without blocking; a pending signal is
// enough.
func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchOne starts at most one job: the pending job with the highest
// priority, ties broken by earliest creation time, then lowest ID.
func (q *Queue) dispatchOne(ctx context.Context) {
	q.mu.Lock()

	if q.running >= q.config.Concurrency {
		q.mu.Unlock()
		return
	}

	var next *Job
	for _, job := range q.jobs {
		if job.Status != StatusPending {
			continue
		}
		// Jobs waiting out a backoff window are not eligible; their timer
		// re-triggers the scheduler when the window closes.
		if _, waiting := q.retryTimers[job.ID]; waiting {
			continue
		}
		if next == nil || jobLess(job, next) {
			next = job
		}
	}
	if next == nil {
		q.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	next.Status = StatusRunning
	next.StartedAt = &now
	q.running++
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist job start", "job_id", next.ID, "error", err)
	}
	handler := q.handlers[next.Type]
	snapshot := next.clone()
	morePending := q.hasEligiblePendingLocked()
	q.mu.Unlock()

	q.emitJob(ctx, events.TypeJobStarted, snapshot)

	q.wg.Add(1)
	go q.execute(ctx, snapshot, handler)

	// One start per wake; re-trigger so remaining capacity fills on the
	// next cycle without waiting for the tick.
	if morePending {
		q.signalWake()
	}
}

// jobLess orders candidate jobs: priority descending, then creation time
// ascending, then ID ascending.
func jobLess(a, b *Job) bool {
	if a.Priority.rank() != b.Priority.rank() {
		return a.Priority.rank() > b.Priority.rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// hasEligiblePendingLocked reports whether any pending job is ready to
// start. Caller must hold q.mu.
func (q *Queue) hasEligiblePendingLocked() bool {
	for _, job := range q.jobs {
		if job.Status != StatusPending {
			continue
		}
		if _, waiting := q.retryTimers[job.ID]; waiting {
			continue
		}
		return true
	}
	return false
}

// execute runs one job's handler and applies the outcome. The concurrency
// slot is released on every path.
func (q *Queue) execute(ctx context.Context, job *Job, handler Handler) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
		q.signalWake()
	}()

	logger := q.logger.With("job_id", job.ID, "job_type", job.Type)

	if handler == nil {
		// Handlers are checked at enqueue, but a recovered job may carry a
		// type the current process never registered. Terminal, no retries.
		logger.Error("no handler registered for job type")
		q.finishJob(ctx, job.ID, StatusFailed, nil,
			fmt.Sprintf("no handler registered for job type %q", job.Type))
		return
	}

	logger.Info("executing job", "attempt", job.Retries+1)

	result, err := q.runHandler(ctx, job, handler)
	if err == nil {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			logger.Warn("failed to serialize job result", "error", marshalErr)
			raw = nil
		}
		logger.Info("job completed")
		q.finishJob(ctx, job.ID, StatusCompleted, raw, "")
		return
	}

	logger.Error("job execution failed", "error", err, "retries", job.Retries)
	q.handleFailure(ctx, job.ID, err)
}

// runHandler invokes the handler, converting a panic into an error so one
// bad handler cannot take down the scheduler.
func (q *Queue) runHandler(ctx context.Context, job *Job, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// finishJob records a terminal outcome for the job and emits the matching
// lifecycle event.
func (q *Queue) finishJob(ctx context.Context, id uint64, status Status, result json.RawMessage, errMsg string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.Result = result
	job.Error = errMsg
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist job outcome", "job_id", id, "error", err)
	}
	snapshot := job.clone()
	q.mu.Unlock()

	switch status {
	case StatusCompleted:
		q.emitJob(ctx, events.TypeJobCompleted, snapshot)
	case StatusFailed:
		q.emitJob(ctx, events.TypeJobFailed, snapshot)
	}
}

// handleFailure applies retry-in-place semantics: while budget remains the
// job returns to pending and a backoff timer re-triggers the scheduler;
// once retries are exhausted the job fails terminally.
func (q *Queue) handleFailure(ctx context.Context, id uint64, execErr error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}

	job.Retries++
	job.Error = execErr.Error()

	if job.Retries >= job.MaxRetries {
		now := time.Now().UTC()
		job.Status = StatusFailed
		job.CompletedAt = &now
		if err := q.persistLocked(ctx); err != nil {
			q.logger.Error("failed to persist job failure", "job_id", id, "error", err)
		}
		snapshot := job.clone()
		q.mu.Unlock()

		q.emitJob(ctx, events.TypeJobFailed, snapshot)
		return
	}

	job.Status = StatusPending
	job.StartedAt = nil
	delay := q.config.BaseRetryDelay << (job.Retries - 1)
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist job retry state", "job_id", id, "error", err)
	}

	q.retryTimers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, id)
		q.mu.Unlock()
		q.signalWake()
	})
	snapshot := job.clone()
	q.mu.Unlock()

	q.logger.Info("scheduled job retry",
		"job_id", id,
		"retries", snapshot.Retries,
		"max_retries", snapshot.MaxRetries,
		"delay", delay)

	q.emitJob(ctx, events.TypeJobRetrying, snapshot)
}

// emitJob publishes a job lifecycle event without blocking the scheduler.
func (q *Queue) emitJob(ctx context.Context, typ events.Type, job *Job) {
	q.bus.EmitNonBlocking(ctx, typ, events.JobEvent{
		JobID:    job.ID,
		JobType:  string(job.Type),
		Priority: string(job.Priority),
		Retries:  job.Retries,
		Error:    job.Error,
	}, eventSource)
}

// persistLocked writes the full job snapshot through the store. Caller must
// hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	jobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	sortJobsByID(jobs)
	return q.store.Save(ctx, jobs, q.nextID)
}

func sortJobsByID(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}
