// Package notify broadcasts job lifecycle state over NATS and accepts
// remote watch commands.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/jobs"
	"github.com/google/uuid"
)

// DefaultStateSubject is the subject state events are published on.
const DefaultStateSubject = "tts.studio.job.state"

// MessagePublisher is satisfied by *nats.Conn.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// JobStateEvent is one published controller state.
type JobStateEvent struct {
	Header         events.EventHeader `json:"header"`
	JobID          int64              `json:"job_id"`
	Status         core.JobStatus     `json:"status"`
	Error          string             `json:"error,omitempty"`
	ElapsedSeconds int                `json:"elapsed_seconds"`
	Polling        bool               `json:"polling"`
	AudioURL       string             `json:"audio_url,omitempty"`
}

// Publisher marshals controller states onto a subject.
type Publisher struct {
	conn    MessagePublisher
	subject string
	log     *logger.Logger
}

// NewPublisher creates a publisher. An empty subject selects
// DefaultStateSubject.
func NewPublisher(conn MessagePublisher, subject string, log *logger.Logger) *Publisher {
	if subject == "" {
		subject = DefaultStateSubject
	}

	return &Publisher{conn: conn, subject: subject, log: log}
}

// Publish sends state as a JobStateEvent.
func (p *Publisher) Publish(ctx context.Context, state jobs.State) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	data, err := json.Marshal(NewJobStateEvent(state))
	if err != nil {
		return fmt.Errorf("failed to marshal job state event: %w", err)
	}

	err = p.conn.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish job state to %s: %w", p.subject, err)
	}

	return nil
}

// OnChange adapts Publish to the controller's change hook. Failures are
// logged.
func (p *Publisher) OnChange(state jobs.State) {
	err := p.Publish(context.Background(), state)
	if err != nil {
		p.log.Warn("Dropping job state event for job %d: %v", state.JobID, err)
	}
}

// NewJobStateEvent converts a controller snapshot into an event.
func NewJobStateEvent(state jobs.State) JobStateEvent {
	event := JobStateEvent{
		Header:         newHeader(state.JobID),
		JobID:          state.JobID,
		Status:         state.Status,
		Error:          state.Error,
		ElapsedSeconds: state.ElapsedSeconds,
		Polling:        state.Polling,
	}

	if state.CurrentJob != nil {
		event.AudioURL = state.CurrentJob.AudioReference()
	}

	return event
}

// WorkflowID is the stable workflow identifier of a job's events.
func WorkflowID(jobID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("tts-job:"+strconv.FormatInt(jobID, 10))).String()
}

func newHeader(jobID int64) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: WorkflowID(jobID),
		EventID:    uuid.NewString(),
		UserID:     "",
		TenantID:   "",
	}
}
