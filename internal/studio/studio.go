// Package studio drives the job submission flow: reference audio is gated,
// the job is created on the backend and handed to the lifecycle controller.
package studio

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/jobs"
	"github.com/book-expert/tts-studio/internal/validation"
)

var (
	// ErrNoJobID is returned when the backend accepts a job without an id.
	ErrNoJobID = errors.New("backend returned no job id")
	// ErrNotTracking is returned by Wait when no job is tracked.
	ErrNotTracking = errors.New("no job is being tracked")
)

// ValidationError reports reference audio rejected by the gate.
type ValidationError struct {
	Result validation.Result
}

func (e *ValidationError) Error() string {
	return e.Result.Error
}

// JobError carries the user-facing message of a failed or lost job.
type JobError struct {
	JobID   int64
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d: %s", e.JobID, e.Message)
}

// Validator checks candidate reference audio.
type Validator interface {
	Validate(ctx context.Context, file core.AudioFile) validation.Result
}

// Tracker is the lifecycle controller as seen by the studio.
type Tracker interface {
	StartJob(jobID int64) error
	StopJob()
	State() jobs.State
	Subscribe() (<-chan jobs.State, func())
}

// Studio submits jobs and follows them to completion.
type Studio struct {
	api     core.JobAPI
	tracker Tracker
	gate    Validator
	log     *logger.Logger
}

// New creates a studio.
func New(api core.JobAPI, tracker Tracker, gate Validator, log *logger.Logger) *Studio {
	return &Studio{api: api, tracker: tracker, gate: gate, log: log}
}

// Submit validates any reference audio, creates the job and starts
// tracking it. Rejected audio is never sent to the backend.
func (s *Studio) Submit(ctx context.Context, req core.CreateJobRequest) (core.CreateJobResponse, error) {
	if req.Mode == core.ModeVoiceClone && req.ReferenceAudio != nil {
		result := s.gate.Validate(ctx, *req.ReferenceAudio)
		if !result.Valid {
			s.log.Warn("Reference audio %q rejected: %s", req.ReferenceAudio.Name, result.Error)

			return core.CreateJobResponse{}, &ValidationError{Result: result}
		}
	}

	resp, err := s.api.CreateJob(ctx, req)
	if err != nil {
		return core.CreateJobResponse{}, fmt.Errorf("failed to submit job: %w", err)
	}

	if resp.JobID <= 0 {
		return resp, ErrNoJobID
	}

	s.log.Info("Submitted %s job %d", req.Mode, resp.JobID)

	err = s.tracker.StartJob(resp.JobID)
	if err != nil {
		return resp, fmt.Errorf("failed to track job %d: %w", resp.JobID, err)
	}

	return resp, nil
}

// Watch starts tracking an existing job.
func (s *Studio) Watch(jobID int64) error {
	return s.tracker.StartJob(jobID)
}

// Wait blocks until the tracked job completes, fails or is abandoned.
func (s *Studio) Wait(ctx context.Context) (core.Job, error) {
	updates, unsubscribe := s.tracker.Subscribe()
	defer unsubscribe()

	for {
		job, done, err := outcome(s.tracker.State())
		if done {
			return job, err
		}

		select {
		case <-ctx.Done():
			return core.Job{}, ctx.Err()
		case <-updates:
		}
	}
}

// Delete stops tracking jobID if it is the current job and deletes it on
// the backend.
func (s *Studio) Delete(ctx context.Context, jobID int64) error {
	if s.tracker.State().JobID == jobID {
		s.tracker.StopJob()
	}

	err := s.api.DeleteJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", jobID, err)
	}

	s.log.Info("Deleted job %d", jobID)

	return nil
}

func outcome(state jobs.State) (core.Job, bool, error) {
	if state.Polling {
		return core.Job{}, false, nil
	}

	switch {
	case state.Status == core.JobStatusCompleted && state.CurrentJob != nil:
		return *state.CurrentJob, true, nil
	case state.Error != "":
		return core.Job{}, true, &JobError{JobID: state.JobID, Message: state.Error}
	case state.Status == core.JobStatusFailed:
		return core.Job{}, true, &JobError{JobID: state.JobID, Message: "job failed"}
	default:
		return core.Job{}, true, ErrNotTracking
	}
}
