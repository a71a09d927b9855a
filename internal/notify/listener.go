package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/jobs"
	"github.com/nats-io/nats.go"
)

// DefaultCommandSubject is the subject remote commands arrive on.
const DefaultCommandSubject = "tts.studio.job.command"

// Command actions.
const (
	ActionWatch = "watch"
	ActionStop  = "stop"
	ActionReset = "reset"
	ActionState = "state"
)

// ErrUnknownAction is returned for unsupported command actions.
var ErrUnknownAction = errors.New("unknown command action")

// JobController is the part of the controller driven by commands.
type JobController interface {
	StartJob(jobID int64) error
	StopJob()
	ResetJob()
	State() jobs.State
}

// Command asks the studio to act on its tracked job.
type Command struct {
	Header events.EventHeader `json:"header"`
	Action string             `json:"action"`
	JobID  int64              `json:"job_id,omitempty"`
}

// CommandReply answers a Command with the resulting state.
type CommandReply struct {
	Header events.EventHeader `json:"header"`
	OK     bool               `json:"ok"`
	Error  string             `json:"error,omitempty"`
	State  JobStateEvent      `json:"state"`
}

// Listener applies commands received on a NATS subject to a controller.
type Listener struct {
	natsConnection *nats.Conn
	subject        string
	controller     JobController
	log            *logger.Logger
}

// NewListener creates a listener. An empty subject selects
// DefaultCommandSubject.
func NewListener(natsConnection *nats.Conn, subject string, controller JobController, log *logger.Logger) *Listener {
	if subject == "" {
		subject = DefaultCommandSubject
	}

	return &Listener{
		natsConnection: natsConnection,
		subject:        subject,
		controller:     controller,
		log:            log,
	}
}

// Run serves commands until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.natsConnection.Subscribe(l.subject, l.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", l.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (l *Listener) handleMessage(msg *nats.Msg) {
	var command Command

	err := json.Unmarshal(msg.Data, &command)
	if err != nil {
		l.log.Error("Failed to parse command: %v", err)
		l.reply(msg, events.EventHeader{}, fmt.Errorf("failed to unmarshal command: %w", err))

		return
	}

	err = l.apply(command)
	if err != nil {
		l.log.Warn("Command %q for job %d failed: %v", command.Action, command.JobID, err)
	}

	l.reply(msg, command.Header, err)
}

func (l *Listener) apply(command Command) error {
	switch command.Action {
	case ActionWatch:
		return l.controller.StartJob(command.JobID)
	case ActionStop:
		l.controller.StopJob()
	case ActionReset:
		l.controller.ResetJob()
	case ActionState:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, command.Action)
	}

	return nil
}

func (l *Listener) reply(msg *nats.Msg, header events.EventHeader, commandErr error) {
	if msg.Reply == "" {
		return
	}

	state := NewJobStateEvent(l.controller.State())
	if header.WorkflowID != "" {
		state.Header.WorkflowID = header.WorkflowID
	}

	reply := CommandReply{Header: state.Header, OK: commandErr == nil, State: state}
	if commandErr != nil {
		reply.Error = commandErr.Error()
	}

	data, err := json.Marshal(reply)
	if err != nil {
		l.log.Error("Failed to marshal command reply: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		l.log.Error("Failed to publish command reply: %v", err)
	}
}
