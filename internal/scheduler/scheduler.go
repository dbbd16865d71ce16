package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avdm/gop2pd/internal/logging"
)

var (
	ErrTaskExists   = errors.New("task already registered")
	ErrTaskUnknown  = errors.New("unknown task")
	ErrNotStarted   = errors.New("scheduler not started")
	ErrAlreadyRun   = errors.New("scheduler already started")
	ErrStopTimedOut = errors.New("tasks did not drain within the grace period")
)

// TaskFunc is the body of a scheduled task. It must honor ctx
// cancellation: on shutdown the scheduler cancels and waits a bounded
// grace period for in-flight runs to return.
type TaskFunc func(ctx context.Context) error

// Task describes a named periodic or one-shot task.
type Task struct {
	ID         string
	Fn         TaskFunc
	Interval   time.Duration
	RunOnStart bool
	OneShot    bool
	// After lists task ids whose first completion must precede this
	// task's first run.
	After []string
}

// ErrorHandler receives non-fatal task errors; the engine forwards
// them to the event bus.
type ErrorHandler func(taskID string, err error)

const (
	defaultGracePeriod     = 30 * time.Second
	defaultFailureBudget   = 5
	maxBackoffInterval     = 5 * time.Minute
)

type taskState struct {
	spec Task

	runs      atomic.Int64
	lastRun   atomic.Int64 // unix nanos, 0 = never
	running   atomic.Bool
	triggerCh chan struct{}

	// completed is closed after the first successful or failed run;
	// dependency edges wait on it.
	completed     chan struct{}
	completedOnce sync.Once

	mu              sync.Mutex
	failures        int
	currentInterval time.Duration
}

func (st *taskState) interval() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.currentInterval
}

// Scheduler runs named tasks concurrently with respect to each other,
// at most one in-flight execution per task. Ticks that land while the
// previous run is still in flight are skipped, never queued.
type Scheduler struct {
	logger        logging.Logger
	onError       ErrorHandler
	gracePeriod   time.Duration
	failureBudget int

	mu      sync.Mutex
	tasks   map[string]*taskState
	order   []string
	started bool
	paused  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithErrorHandler sets the callback invoked for every task error.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) { s.onError = h }
}

// WithGracePeriod overrides the shutdown drain budget.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.gracePeriod = d }
}

// WithFailureBudget overrides how many consecutive failures widen the
// task interval.
func WithFailureBudget(n int) Option {
	return func(s *Scheduler) { s.failureBudget = n }
}

// New creates an empty scheduler.
func New(logger logging.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	s := &Scheduler{
		logger:        logger,
		gracePeriod:   defaultGracePeriod,
		failureBudget: defaultFailureBudget,
		tasks:         make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. All registration happens before Start.
func (s *Scheduler) Register(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyRun
	}
	if t.ID == "" || t.Fn == nil {
		return fmt.Errorf("task needs id and fn")
	}
	if !t.OneShot && t.Interval <= 0 {
		return fmt.Errorf("periodic task %q needs a positive interval", t.ID)
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	for _, dep := range t.After {
		if _, ok := s.tasks[dep]; !ok {
			return fmt.Errorf("%w: dependency %s of %s", ErrTaskUnknown, dep, t.ID)
		}
	}
	s.tasks[t.ID] = &taskState{
		spec:            t,
		triggerCh:       make(chan struct{}, 1),
		completed:       make(chan struct{}),
		currentInterval: t.Interval,
	}
	s.order = append(s.order, t.ID)
	return nil
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyRun
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, id := range s.order {
		st := s.tasks[id]
		s.wg.Add(1)
		go s.runLoop(st)
	}
	return nil
}

// Pause prevents new ticks. In-flight runs complete normally. An
// explicit Trigger still runs: pausing is about the ticker, not about
// operator actions.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume restores periodic execution.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports whether the ticker is suspended.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Trigger runs a task immediately, respecting the one-at-a-time rule:
// if the task is mid-run the trigger is dropped.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	st, ok := s.tasks[id]
	started := s.started
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskUnknown, id)
	}
	if !started {
		return ErrNotStarted
	}
	select {
	case st.triggerCh <- struct{}{}:
	default: // a trigger is already pending
	}
	return nil
}

// TriggerAndWait runs a task immediately and blocks until that run
// completes (or ctx is done). Used by the boot sequence to order the
// initial syncs.
func (s *Scheduler) TriggerAndWait(ctx context.Context, id string) error {
	s.mu.Lock()
	st, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskUnknown, id)
	}
	before := st.runs.Load()
	if err := s.Trigger(id); err != nil {
		return err
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if st.runs.Load() > before && !st.running.Load() {
				return nil
			}
		}
	}
}

// Stop cancels all tasks cooperatively and waits up to the grace
// period for in-flight runs to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.gracePeriod):
		return ErrStopTimedOut
	}
}

// Runs returns how many times a task has executed.
func (s *Scheduler) Runs(id string) (int64, error) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTaskUnknown, id)
	}
	return st.runs.Load(), nil
}

// LastRun returns when a task last started, zero if never.
func (s *Scheduler) LastRun(id string) (time.Time, error) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTaskUnknown, id)
	}
	nanos := st.lastRun.Load()
	if nanos == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

func (s *Scheduler) runLoop(st *taskState) {
	defer s.wg.Done()

	// Dependency edges: wait for each listed task's first completion.
	for _, dep := range st.spec.After {
		s.mu.Lock()
		depState := s.tasks[dep]
		s.mu.Unlock()
		select {
		case <-s.ctx.Done():
			return
		case <-depState.completed:
		}
	}

	if st.spec.RunOnStart {
		s.execute(st)
	}

	if st.spec.OneShot {
		if !st.spec.RunOnStart {
			// One-shots without RunOnStart wait for an explicit trigger.
			select {
			case <-s.ctx.Done():
			case <-st.triggerCh:
				s.execute(st)
			}
		}
		return
	}

	timer := time.NewTimer(st.interval())
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			if !s.paused.Load() {
				s.execute(st)
			}
			timer.Reset(st.interval())
		case <-st.triggerCh:
			s.execute(st)
		}
	}
}

// execute runs the task body once, guarding against overlap. A tick
// arriving while the previous run is in flight is skipped.
func (s *Scheduler) execute(st *taskState) {
	if !st.running.CompareAndSwap(false, true) {
		s.logger.Debug("tick skipped, previous run in flight", "task", st.spec.ID)
		return
	}
	defer st.running.Store(false)

	st.lastRun.Store(time.Now().UnixNano())
	err := st.spec.Fn(s.ctx)
	st.runs.Add(1)
	st.completedOnce.Do(func() { close(st.completed) })

	st.mu.Lock()
	if err != nil {
		st.failures++
		if st.failures >= s.failureBudget {
			// Widen the interval exponentially, capped at 5 minutes.
			widened := st.spec.Interval << uint(st.failures-s.failureBudget+1)
			if widened <= 0 || widened > maxBackoffInterval {
				widened = maxBackoffInterval
			}
			st.currentInterval = widened
		}
	} else {
		st.failures = 0
		st.currentInterval = st.spec.Interval
	}
	failures := st.failures
	interval := st.currentInterval
	st.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("task failed", "task", st.spec.ID, "error", err,
			"consecutive", failures, "interval", interval)
		if s.onError != nil {
			s.onError(st.spec.ID, err)
		}
	}
}
