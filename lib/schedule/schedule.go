// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package schedule runs recurring jobs on a fixed worker pool. Every job
// holds at most one pending execution: asking for a job that is already
// queued or running joins the existing task instead of queueing another.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/defaults"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentSchedule)

// Task is one queued or running execution of a job. Every caller that
// asked for the job while this execution was pending shares the same task.
type Task struct {
	id   uuid.UUID
	key  string
	done chan struct{}
	err  error
}

// ID identifies the task across the API.
func (t *Task) ID() uuid.UUID { return t.id }

// Key names the job the task belongs to.
func (t *Task) Key() string { return t.key }

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err reports the task outcome. It is only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Job is a recurring unit of work.
type Job struct {
	// Key uniquely names the job. It doubles as the handle for ad-hoc runs.
	Key string
	// Run does the work. It must return promptly once ctx is cancelled.
	Run func(ctx context.Context) error
	// Interval schedules the next run one interval after the previous one
	// finished, no matter what triggered it.
	Interval time.Duration
	// Schedule fires the job at wall-clock times instead of an interval.
	// Exactly one of Interval and Schedule must be set.
	Schedule cron.Schedule
	// Immediate makes an interval job run at startup rather than a full
	// interval later.
	Immediate bool
	// Timeout bounds a single run. Zero picks the smaller of Interval and
	// the global maximum task runtime.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the job definition.
func (j *Job) CheckAndSetDefaults() error {
	if j.Key == "" {
		return trace.BadParameter("job is missing a key")
	}
	if j.Run == nil {
		return trace.BadParameter("job %q has no run function", j.Key)
	}
	if j.Interval <= 0 && j.Schedule == nil {
		return trace.BadParameter("job %q needs an interval or a schedule", j.Key)
	}
	if j.Interval > 0 && j.Schedule != nil {
		return trace.BadParameter("job %q cannot have both an interval and a schedule", j.Key)
	}
	return nil
}

// Config configures a Scheduler.
type Config struct {
	// Clock drives job timing. A real clock when nil.
	Clock clockwork.Clock
	// Workers is the size of the worker pool.
	Workers int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Workers < 0 {
		return trace.BadParameter("workers must be positive")
	}
	if c.Workers == 0 {
		c.Workers = defaults.SchedulerWorkers
	}
	return nil
}

// Info is a point-in-time snapshot of scheduler load.
type Info struct {
	Workers      int
	PendingTasks int
	RunningTasks int
}

// Scheduler owns the worker pool and the job timing loops.
type Scheduler struct {
	clock   clockwork.Clock
	workers int
	metrics *schedulerMetrics

	mu       sync.Mutex
	jobs     map[string]*Job
	queued   map[string]*Task
	running  map[string]*Task
	lastDone map[string]time.Time
	started  bool
	closed   bool

	taskC chan *Task
	wg    sync.WaitGroup

	// loopCtx stops the timing loops and idle workers, taskCtx cancels
	// runs that outstay the shutdown grace period.
	loopCtx     context.Context
	cancelLoops context.CancelFunc
	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// New creates a stopped scheduler. Register jobs with AddJob, then Start.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newSchedulerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		clock:    cfg.Clock,
		workers:  cfg.Workers,
		metrics:  metrics,
		jobs:     make(map[string]*Job),
		queued:   make(map[string]*Task),
		running:  make(map[string]*Task),
		lastDone: make(map[string]time.Time),
	}, nil
}

// AddJob registers a job. All jobs must be registered before Start.
func (s *Scheduler) AddJob(job Job) error {
	if err := job.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return trace.BadParameter("jobs cannot be added after the scheduler has started")
	}
	if _, ok := s.jobs[job.Key]; ok {
		return trace.AlreadyExists("job %q is already registered", job.Key)
	}
	s.jobs[job.Key] = &job
	return nil
}

// Jobs returns the registered job keys, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for key := range s.jobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Start spawns the worker pool and one timing loop per job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return trace.BadParameter("scheduler has already started")
	}
	s.started = true

	// coalescing keeps at most one queued task per job, so a buffer of
	// len(jobs) means sends never block
	s.taskC = make(chan *Task, len(s.jobs))
	s.loopCtx, s.cancelLoops = context.WithCancel(context.Background())
	s.taskCtx, s.cancelTasks = context.WithCancel(context.Background())

	now := s.clock.Now()
	for key, job := range s.jobs {
		if job.Schedule != nil {
			continue
		}
		if job.Immediate {
			// due right away, as if a run completed a full interval ago
			s.lastDone[key] = now.Add(-job.Interval)
		} else {
			s.lastDone[key] = now
		}
	}

	for range s.workers {
		s.wg.Add(1)
		go s.worker()
	}
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.jobLoop(job)
	}

	log.Info("Scheduler started", "workers", s.workers, "jobs", len(s.jobs))
	return nil
}

// Enqueue requests a run of the named job. When a task for the job is
// already queued or running that task is returned instead of a new one.
func (s *Scheduler) Enqueue(key string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil, trace.CompareFailed("scheduler is not running")
	}
	if _, ok := s.jobs[key]; !ok {
		return nil, trace.NotFound("no job named %q", key)
	}
	if task, ok := s.queued[key]; ok {
		return task, nil
	}
	if task, ok := s.running[key]; ok {
		return task, nil
	}

	task := &Task{id: uuid.New(), key: key, done: make(chan struct{})}
	s.queued[key] = task
	s.metrics.pendingTasks.Inc()
	s.taskC <- task
	return task, nil
}

// Info reports pool size and queue depth.
func (s *Scheduler) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Workers:      s.workers,
		PendingTasks: len(s.queued),
		RunningTasks: len(s.running),
	}
}

// Stop prevents new work from being queued and waits for inflight tasks
// to finish. When ctx expires first the tasks are cancelled and Stop waits
// for them to acknowledge.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelLoops()
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		log.Warn("Shutdown grace period expired, cancelling running tasks")
		s.cancelTasks()
		<-finished
		err = ctx.Err()
	}
	s.cancelTasks()
	s.drainQueued()
	return trace.Wrap(err)
}

// drainQueued fails tasks that were queued but never picked up. Only
// called after the workers have exited.
func (s *Scheduler) drainQueued() {
	for {
		select {
		case task := <-s.taskC:
			s.mu.Lock()
			delete(s.queued, task.key)
			s.mu.Unlock()
			s.metrics.pendingTasks.Dec()
			task.err = trace.CompareFailed("scheduler stopped before the task ran")
			close(task.done)
		default:
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case task := <-s.taskC:
			s.runTask(task)
		}
	}
}

func (s *Scheduler) runTask(task *Task) {
	s.mu.Lock()
	delete(s.queued, task.key)
	s.running[task.key] = task
	job := s.jobs[task.key]
	s.mu.Unlock()
	s.metrics.pendingTasks.Dec()
	s.metrics.runningTasks.Inc()

	log.Debug("Task starting", "job", task.key, "task_id", task.id)
	start := s.clock.Now()
	runCtx, cancel := context.WithTimeout(s.taskCtx, s.timeoutFor(job))
	err := job.Run(runCtx)
	cancel()
	elapsed := s.clock.Since(start)

	s.mu.Lock()
	delete(s.running, task.key)
	s.lastDone[task.key] = s.clock.Now()
	s.mu.Unlock()
	s.metrics.runningTasks.Dec()

	result := resultOK
	if err != nil {
		result = resultError
		log.Warn("Task failed", "job", task.key, "task_id", task.id, "error", err)
	}
	s.metrics.runsTotal.WithLabelValues(task.key, result).Inc()
	s.metrics.runSeconds.Observe(elapsed.Seconds())

	task.err = err
	close(task.done)
}

// timeoutFor picks the runtime bound for one run of the job.
func (s *Scheduler) timeoutFor(job *Job) time.Duration {
	timeout := defaults.MaxTaskRuntime
	if job.Timeout > 0 {
		timeout = job.Timeout
	} else if job.Interval > 0 && job.Interval < timeout {
		timeout = job.Interval
	}
	return timeout
}

func (s *Scheduler) jobLoop(job *Job) {
	defer s.wg.Done()
	for {
		if !s.waitUntilDue(job) {
			return
		}
		task, err := s.Enqueue(job.Key)
		if err != nil {
			return
		}
		select {
		case <-s.loopCtx.Done():
			return
		case <-task.Done():
		}
	}
}

// waitUntilDue sleeps until the job should fire, returning false when the
// scheduler shuts down first. An interval job is due one interval after
// the last completion, which ad-hoc runs move forward, so the deadline is
// recomputed after every wake. Cron firing times never move.
func (s *Scheduler) waitUntilDue(job *Job) bool {
	if job.Schedule != nil {
		next := job.Schedule.Next(s.clock.Now())
		select {
		case <-s.loopCtx.Done():
			return false
		case <-s.clock.After(next.Sub(s.clock.Now())):
			return true
		}
	}
	for {
		s.mu.Lock()
		due := s.lastDone[job.Key].Add(job.Interval)
		s.mu.Unlock()

		wait := due.Sub(s.clock.Now())
		if wait <= 0 {
			return true
		}
		select {
		case <-s.loopCtx.Done():
			return false
		case <-s.clock.After(wait):
		}
	}
}
