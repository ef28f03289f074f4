package transmit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
)

// taskID indexes the scheduler's task table; zero means no active task.
type taskID uint64

// Job is a user configured outbound frame. Frame and period are fixed at
// creation; the enabled flag, counter and task handle are managed by the
// Scheduler.
type Job struct {
	frame   can.Frame
	period  time.Duration
	enabled atomic.Bool
	count   atomic.Uint64
	task    taskID // guarded by Scheduler.mu
}

// NewJob creates a job. A period <= 0 makes a one-shot job that can only be
// sent with Scheduler.Transmit.
func NewJob(f can.Frame, period time.Duration) *Job {
	return &Job{frame: f, period: period}
}

func (j *Job) Frame() can.Frame       { return j.frame }
func (j *Job) Period() time.Duration  { return j.period }
func (j *Job) Enabled() bool          { return j.enabled.Load() }
func (j *Job) Count() uint64          { return j.count.Load() }
func (j *Job) Periodic() bool         { return j.period > 0 }
func (j *Job) String() string         { return fmt.Sprintf("%s@%s", j.frame, j.period) }
func (j *Job) resetCount()            { j.count.Store(0) }
func (j *Job) setEnabled(v bool) bool { return j.enabled.Swap(v) }
func (j *Job) incCount()              { j.count.Add(1) }
