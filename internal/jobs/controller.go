// Package jobs implements the job lifecycle controller: it tracks one
// backend synthesis job at a time, polls its status on a fixed interval,
// keeps a live elapsed-seconds counter, and stops on completion, failure or
// a communication error.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/scheduler"
)

// Fixed lifecycle intervals.
const (
	DefaultPollInterval = 2000 * time.Millisecond
	DefaultTickInterval = time.Second
	defaultFetchTimeout = 30 * time.Second
)

// StatusIdle is the controller status when no job is tracked.
const StatusIdle core.JobStatus = "idle"

// User-facing messages.
const (
	msgJobFailed      = "job failed"
	msgFmtFetchFailed = "failed to fetch job status: %v"
)

var (
	// ErrInvalidJobID is returned when a job id is not positive.
	ErrInvalidJobID = errors.New("job id must be positive")
	// ErrJobNotTerminal is returned when adopting a job that is still running.
	ErrJobNotTerminal = errors.New("job is not in a terminal state")
)

// StatusFetcher fetches the current record of a job.
type StatusFetcher interface {
	GetJob(ctx context.Context, id int64) (core.Job, error)
}

// State is a snapshot of the controller's observable state.
type State struct {
	JobID          int64          `json:"job_id,omitempty"`
	CurrentJob     *core.Job      `json:"current_job,omitempty"`
	Status         core.JobStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	ElapsedSeconds int            `json:"elapsed_seconds"`
	Polling        bool           `json:"polling"`
}

// Options tunes a Controller. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	TickInterval time.Duration
	FetchTimeout time.Duration

	// OnSuccess is called once when the tracked job completes.
	OnSuccess func(job core.Job)
	// OnError is called once with the user-facing message when the job
	// fails or its status cannot be fetched.
	OnError func(message string)
	// OnChange is called after every state change.
	OnChange func(state State)
}

// Controller owns at most one polling session.
type Controller struct {
	mu        sync.Mutex
	api       StatusFetcher
	scheduler scheduler.Scheduler
	log       *logger.Logger
	opts      Options

	state      State
	sessionID  uint64
	fetching   bool
	cancelPoll scheduler.CancelFunc
	cancelTick scheduler.CancelFunc
	version    uint64

	// emitMu orders delivery; emitted is the newest version delivered.
	emitMu  sync.Mutex
	emitted uint64

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]chan State
}

// NewController creates an idle controller.
func NewController(
	api StatusFetcher,
	sched scheduler.Scheduler,
	log *logger.Logger,
	opts Options,
) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}

	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}

	return &Controller{
		api:         api,
		scheduler:   sched,
		log:         log,
		opts:        opts,
		state:       State{Status: StatusIdle},
		subscribers: make(map[int]chan State),
	}
}

// StartJob begins a new polling session for jobID, superseding any active
// one. The first status fetch is issued immediately.
func (c *Controller) StartJob(jobID int64) error {
	if jobID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidJobID, jobID)
	}

	c.mu.Lock()
	c.stopTimersLocked()
	c.sessionID++
	session := c.sessionID
	c.fetching = false
	c.state = State{
		JobID:   jobID,
		Status:  core.JobStatusPending,
		Polling: true,
	}
	c.cancelPoll = c.scheduler.Every(c.opts.PollInterval, func() { c.poll(session) })
	c.cancelTick = c.scheduler.Every(c.opts.TickInterval, func() { c.tick(session) })
	snapshot, version := c.changeLocked()
	c.mu.Unlock()

	c.log.Info("Started polling job %d (session %d)", jobID, session)
	c.emit(snapshot, version)

	c.scheduler.Go(func() { c.poll(session) })

	return nil
}

// StopJob abandons the current session and returns to the initial state.
// Calling it while idle is a no-op.
func (c *Controller) StopJob() {
	c.mu.Lock()

	if c.isInitialLocked() {
		c.mu.Unlock()

		return
	}

	c.stopTimersLocked()
	c.sessionID++
	c.fetching = false
	c.state = State{Status: StatusIdle}
	snapshot, version := c.changeLocked()
	c.mu.Unlock()

	c.emit(snapshot, version)
}

// ResetJob clears the error while keeping the job, status and elapsed time.
func (c *Controller) ResetJob() {
	c.mu.Lock()

	if c.state.Error == "" {
		c.mu.Unlock()

		return
	}

	c.state.Error = ""
	snapshot, version := c.changeLocked()
	c.mu.Unlock()

	c.emit(snapshot, version)
}

// LoadCompletedJob adopts an already terminal job, e.g. one picked from
// history, without polling. Any active session is invalidated.
func (c *Controller) LoadCompletedJob(job core.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %d is %s", ErrJobNotTerminal, job.ID, job.Status)
	}

	c.mu.Lock()
	c.stopTimersLocked()
	c.sessionID++
	c.fetching = false

	adopted := job
	c.state = State{
		JobID:      job.ID,
		CurrentJob: &adopted,
		Status:     job.Status,
	}

	if job.Status == core.JobStatusFailed {
		c.state.Error = failureMessage(job)
	}

	snapshot, version := c.changeLocked()
	c.mu.Unlock()

	c.emit(snapshot, version)

	return nil
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// Subscribe returns a channel that always holds the most recent state
// change not yet received. The returned function unsubscribes.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = ch
	c.subMu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subscribers, id)
			c.subMu.Unlock()
		})
	}
}

// Close tears the controller down, cancelling all timers.
func (c *Controller) Close() {
	c.StopJob()
}

// poll fetches the job once and applies the result if the session is
// still current. Ticks that fire while a fetch is in flight are skipped.
func (c *Controller) poll(session uint64) {
	c.mu.Lock()

	if !c.activeLocked(session) || c.fetching {
		c.mu.Unlock()

		return
	}

	c.fetching = true
	jobID := c.state.JobID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	job, err := c.api.GetJob(ctx, jobID)

	cancel()

	c.mu.Lock()

	if !c.activeLocked(session) {
		c.mu.Unlock()
		c.log.Info("Dropping stale status response for job %d", jobID)

		return
	}

	c.fetching = false

	if err != nil {
		c.stopTimersLocked()
		c.state.Polling = false
		c.state.Error = fmt.Sprintf(msgFmtFetchFailed, err)
		message := c.state.Error
		snapshot, version := c.changeLocked()
		c.mu.Unlock()

		c.log.Error("Polling job %d failed: %v", jobID, err)
		c.emit(snapshot, version)
		c.notifyError(message)

		return
	}

	if job.Status.Rank() < c.state.Status.Rank() {
		current := c.state.Status
		c.mu.Unlock()
		c.log.Warn("Ignoring status regression for job %d: %s -> %s", jobID, current, job.Status)

		return
	}

	c.state.CurrentJob = &job
	c.state.Status = job.Status

	switch job.Status {
	case core.JobStatusCompleted:
		c.stopTimersLocked()
		c.state.Polling = false
		snapshot, version := c.changeLocked()
		c.mu.Unlock()

		c.log.Info("Job %d completed after %ds", jobID, snapshot.ElapsedSeconds)
		c.emit(snapshot, version)

		if c.opts.OnSuccess != nil {
			c.opts.OnSuccess(*snapshot.CurrentJob)
		}
	case core.JobStatusFailed:
		c.stopTimersLocked()
		c.state.Polling = false
		c.state.Error = failureMessage(job)
		message := c.state.Error
		snapshot, version := c.changeLocked()
		c.mu.Unlock()

		c.log.Warn("Job %d failed: %s", jobID, message)
		c.emit(snapshot, version)
		c.notifyError(message)
	default:
		snapshot, version := c.changeLocked()
		c.mu.Unlock()

		c.emit(snapshot, version)
	}
}

// tick advances the elapsed-seconds counter independently of fetches.
func (c *Controller) tick(session uint64) {
	c.mu.Lock()

	if !c.activeLocked(session) {
		c.mu.Unlock()

		return
	}

	c.state.ElapsedSeconds++
	snapshot, version := c.changeLocked()
	c.mu.Unlock()

	c.emit(snapshot, version)
}

func (c *Controller) activeLocked(session uint64) bool {
	return session == c.sessionID && c.state.Polling
}

func (c *Controller) isInitialLocked() bool {
	return c.state.Status == StatusIdle && c.state.JobID == 0 && c.state.Error == "" &&
		c.cancelPoll == nil && c.cancelTick == nil
}

func (c *Controller) stopTimersLocked() {
	if c.cancelPoll != nil {
		c.cancelPoll()
		c.cancelPoll = nil
	}

	if c.cancelTick != nil {
		c.cancelTick()
		c.cancelTick = nil
	}
}

func (c *Controller) snapshotLocked() State {
	snapshot := c.state
	if c.state.CurrentJob != nil {
		job := *c.state.CurrentJob
		snapshot.CurrentJob = &job
	}

	return snapshot
}

// changeLocked records a state change and returns its snapshot with a
// version that orders delivery.
func (c *Controller) changeLocked() (State, uint64) {
	c.version++

	return c.snapshotLocked(), c.version
}

func (c *Controller) notifyError(message string) {
	if c.opts.OnError != nil {
		c.opts.OnError(message)
	}
}

// emit delivers changes one at a time. A snapshot overtaken by a newer one
// is dropped, so observers never step back to an older state.
func (c *Controller) emit(state State, version uint64) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if version <= c.emitted {
		return
	}

	c.emitted = version

	if c.opts.OnChange != nil {
		c.opts.OnChange(state)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- state:
			continue
		default:
		}

		// Replace the unread state with the newer one.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- state:
		default:
		}
	}
}

func failureMessage(job core.Job) string {
	if job.ErrorMessage != "" {
		return job.ErrorMessage
	}

	return msgJobFailed
}
