package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// ErrSend wraps transport failures of a scheduled or one-shot transmission.
var ErrSend = errors.New("transmit send")

// Sender is the outbound side of the transport.
type Sender interface {
	Send(can.Frame) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(can.Frame) error

func (f SenderFunc) Send(fr can.Frame) error { return f(fr) }

const defaultWorkers = 4

type task struct {
	job    *Job
	cancel context.CancelFunc
}

// Scheduler owns the ordered job list and runs one repeating task per started
// job. Tasks share a pool of workers: at most Workers sends are in flight at a
// time.
type Scheduler struct {
	mu    sync.Mutex
	jobs  []*Job
	tasks map[taskID]*task
	next  taskID

	sender  Sender
	workers int
	sem     *semaphore.Weighted
	sent    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onList  func()
	onJob   func(*Job)
	onError func(error)
	logger  *slog.Logger
}

type Option func(*Scheduler)

// WithWorkers sets the pool size (values <= 0 keep the default).
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithOnListChanged is called after the job list changes.
func WithOnListChanged(fn func()) Option { return func(s *Scheduler) { s.onList = fn } }

// WithOnJobUpdated is called after a job's enabled flag or counter changes.
func WithOnJobUpdated(fn func(*Job)) Option { return func(s *Scheduler) { s.onJob = fn } }

// WithOnError receives send failures; the schedule keeps running.
func WithOnError(fn func(error)) Option { return func(s *Scheduler) { s.onError = fn } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewScheduler(sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[taskID]*task),
		sender:  sender,
		workers: defaultWorkers,
		logger:  logging.Component("transmit"),
	}
	for _, o := range opts {
		o(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.workers))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add appends a job to the list.
func (s *Scheduler) Add(j *Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	s.listChanged()
}

// Remove cancels the job's task and drops it from the list.
func (s *Scheduler) Remove(j *Job) {
	s.mu.Lock()
	s.cancelTaskLocked(j)
	j.setEnabled(false)
	if i := slices.Index(s.jobs, j); i >= 0 {
		s.jobs = slices.Delete(s.jobs, i, i+1)
	}
	s.mu.Unlock()
	s.listChanged()
}

// RemoveAt removes the job at list position i; it reports whether i was valid.
func (s *Scheduler) RemoveAt(i int) bool {
	s.mu.Lock()
	if i < 0 || i >= len(s.jobs) {
		s.mu.Unlock()
		return false
	}
	j := s.jobs[i]
	s.mu.Unlock()
	s.Remove(j)
	return true
}

// Start begins periodic transmission of j. It is a no-op when a task is
// already active, when the period is not positive or after Close.
func (s *Scheduler) Start(j *Job) {
	s.mu.Lock()
	if j.task != 0 || !j.Periodic() || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.next++
	id := s.next
	ctx, cancel := context.WithCancel(s.ctx)
	s.tasks[id] = &task{job: j, cancel: cancel}
	j.task = id
	j.setEnabled(true)
	s.wg.Add(1)
	s.gaugesLocked()
	s.mu.Unlock()

	s.logger.Debug("transmit_start", "job", j.String())
	s.jobUpdated(j)
	go s.run(ctx, j)
}

// Stop cancels the job's task. It does not wait for the task goroutine: an
// invocation already past its cancellation check may still complete once.
func (s *Scheduler) Stop(j *Job) {
	s.mu.Lock()
	s.cancelTaskLocked(j)
	was := j.setEnabled(false)
	s.mu.Unlock()
	if was {
		s.logger.Debug("transmit_stop", "job", j.String(), "count", j.Count())
		s.jobUpdated(j)
	}
}

func (s *Scheduler) StartAll() {
	for _, j := range s.Jobs() {
		s.Start(j)
	}
}

func (s *Scheduler) StopAll() {
	for _, j := range s.Jobs() {
		s.Stop(j)
	}
}

// Clear stops every job, empties the list and fans out one list change.
func (s *Scheduler) Clear() {
	s.StopAll()
	s.mu.Lock()
	s.jobs = nil
	s.mu.Unlock()
	s.listChanged()
}

// SetJobs replaces the list with jobs (none started).
func (s *Scheduler) SetJobs(jobs []*Job) {
	s.Clear()
	for _, j := range jobs {
		s.Add(j)
	}
}

// ResetCount zeroes the job's counter; the global sent counter is unaffected.
func (s *Scheduler) ResetCount(j *Job) {
	j.resetCount()
	s.jobUpdated(j)
}

func (s *Scheduler) ResetAllCounts() {
	for _, j := range s.Jobs() {
		s.ResetCount(j)
	}
}

// HasStarted reports whether at least one job is enabled.
func (s *Scheduler) HasStarted() bool {
	return slices.ContainsFunc(s.Jobs(), (*Job).Enabled)
}

// HasStopped reports whether at least one job is disabled.
func (s *Scheduler) HasStopped() bool {
	return slices.ContainsFunc(s.Jobs(), func(j *Job) bool { return !j.Enabled() })
}

// Jobs returns the current list. The slice is a copy; the jobs are live.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.jobs)
}

// Active returns the number of running tasks.
func (s *Scheduler) Active() int { s.mu.Lock(); n := len(s.tasks); s.mu.Unlock(); return n }

// Sent returns the lifetime count of transmissions, failed ones included.
func (s *Scheduler) Sent() uint64 { return s.sent.Load() }

// Transmit sends j once, immediately, whether or not it is periodic.
func (s *Scheduler) Transmit(j *Job) error { return s.fire(j) }

// SendFrame sends f once outside any job. It counts towards Sent but raises
// no job event.
func (s *Scheduler) SendFrame(f can.Frame) error {
	err := s.sender.Send(f)
	s.countSent()
	return s.sendFailed(f, err)
}

// Close stops all tasks and waits for their goroutines to exit.
func (s *Scheduler) Close() {
	s.StopAll()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		if ctx.Err() != nil {
			s.sem.Release(1)
			return
		}
		_ = s.fire(j)
		s.sem.Release(1)
		// fixed delay between the end of one send and the start of the next
		t.Reset(j.period)
	}
}

// fire runs one invocation of j. The invocation is counted and announced
// whether or not the send succeeded; a failure is reported afterwards.
func (s *Scheduler) fire(j *Job) error {
	err := s.sender.Send(j.frame)
	j.incCount()
	s.countSent()
	s.jobUpdated(j)
	return s.sendFailed(j.frame, err)
}

func (s *Scheduler) countSent() {
	s.sent.Add(1)
	metrics.IncTx()
}

func (s *Scheduler) sendFailed(f can.Frame, err error) error {
	if err == nil {
		return nil
	}
	wrap := fmt.Errorf("%w: %s: %v", ErrSend, f, err)
	metrics.IncError(metrics.ErrSend)
	s.logger.Warn("transmit_send_error", "frame", f.String(), "error", err)
	if s.onError != nil {
		s.onError(wrap)
	}
	return wrap
}

func (s *Scheduler) cancelTaskLocked(j *Job) {
	if t, ok := s.tasks[j.task]; ok {
		t.cancel()
		delete(s.tasks, j.task)
	}
	j.task = 0
	s.gaugesLocked()
}

func (s *Scheduler) gaugesLocked() { metrics.SetTransmitJobs(len(s.jobs), len(s.tasks)) }

func (s *Scheduler) listChanged() {
	s.mu.Lock()
	s.gaugesLocked()
	s.mu.Unlock()
	if s.onList != nil {
		s.onList()
	}
}

func (s *Scheduler) jobUpdated(j *Job) {
	if s.onJob != nil {
		s.onJob(j)
	}
}
