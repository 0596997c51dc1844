package openmemory

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs named maintenance tasks on fixed intervals. Each task is a
// singleton: a tick that arrives while the previous run is still going is
// skipped, never queued.

// TaskStats is a snapshot of one task's run history.
type TaskStats struct {
	Name           string
	TotalRuns      int64
	Failures       int64
	FailureStreak  int64
	LastError      string
	LastDurationMs int64
	LastRunAt      time.Time
}

// Task is one registered maintenance job.
type task struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      func(ctx context.Context) error

	running atomic.Bool

	mu    sync.Mutex
	stats TaskStats
}

// Scheduler owns the task registry and their goroutines.
type Scheduler struct {
	logger  *zap.Logger
	clock   func() time.Time
	onError func(name string, streak int64, err error)

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewScheduler builds an idle scheduler. onError fires on every task failure
// with the current consecutive-failure streak; it may be nil.
func NewScheduler(logger *zap.Logger, clock func() time.Time,
	onError func(name string, streak int64, err error)) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger,
		clock:   clock,
		onError: onError,
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a task and starts its loop. The first run is delayed by a
// random jitter in [0, interval/10) so co-registered tasks spread out.
func (s *Scheduler) Register(name string, interval, timeout time.Duration, run func(ctx context.Context) error) {
	t := &task{name: name, interval: interval, timeout: timeout, run: run}
	t.stats.Name = name

	s.mu.Lock()
	s.tasks[name] = t
	s.mu.Unlock()

	s.rngMu.Lock()
	jitter := time.Duration(s.rng.Int63n(int64(interval)/10 + 1))
	s.rngMu.Unlock()

	s.wg.Add(1)
	go s.loop(t, jitter)
}

func (s *Scheduler) loop(t *task, jitter time.Duration) {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	s.execute(t)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.execute(t)
		}
	}
}

func (s *Scheduler) execute(t *task) {
	if !t.running.CompareAndSwap(false, true) {
		s.logger.Debug("task still running, tick skipped", zap.String("task", t.name))
		return
	}
	defer t.running.Store(false)

	ctx := s.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := s.clock()
	err := t.run(ctx)
	elapsed := s.clock().Sub(start)

	t.mu.Lock()
	t.stats.TotalRuns++
	t.stats.LastRunAt = start
	t.stats.LastDurationMs = elapsed.Milliseconds()
	if err != nil {
		t.stats.Failures++
		t.stats.FailureStreak++
		t.stats.LastError = err.Error()
	} else {
		t.stats.FailureStreak = 0
		t.stats.LastError = ""
	}
	streak := t.stats.FailureStreak
	t.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed",
			zap.String("task", t.name),
			zap.Int64("streak", streak),
			zap.Error(err))
		if s.onError != nil {
			s.onError(t.name, streak, err)
		}
		return
	}
	s.logger.Debug("task finished",
		zap.String("task", t.name),
		zap.Duration("took", elapsed))
}

// RunNow executes a task immediately, outside its schedule. Returns NotFound
// for unknown names and Conflict when the task is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return Errf(CodeNotFound, "task %s", name)
	}
	if t.running.Load() {
		return Errf(CodeConflict, "task %s already running", name)
	}
	s.execute(t)
	t.mu.Lock()
	lastErr := t.stats.LastError
	t.mu.Unlock()
	if lastErr != "" {
		return Errf(CodeInternal, "task %s: %s", name, lastErr)
	}
	return nil
}

// Stats returns a snapshot per registered task.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]TaskStats, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, t.stats)
		t.mu.Unlock()
	}
	return out
}

// StopAll cancels every loop and waits up to grace for in-flight runs.
func (s *Scheduler) StopAll(grace time.Duration) {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("scheduler stop timed out", zap.Duration("grace", grace))
	}
}
