package core

import "time"

// JobStatus is the backend-reported state of a synthesis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Rank orders statuses along pending -> processing -> terminal.
// Unknown statuses rank lowest.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	default:
		return 0
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one asynchronous synthesis request as reported by the backend.
type Job struct {
	ID           int64          `json:"id"`
	Status       JobStatus      `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	AudioURL     string         `json:"audio_url,omitempty"`
	DownloadURL  string         `json:"download_url,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// AudioReference returns the location of the synthesized audio, if any.
func (j Job) AudioReference() string {
	if j.AudioURL != "" {
		return j.AudioURL
	}

	return j.DownloadURL
}

// JobMode selects the synthesis flavour.
type JobMode string

const (
	ModeCustomVoice JobMode = "custom_voice"
	ModeVoiceDesign JobMode = "voice_design"
	ModeVoiceClone  JobMode = "voice_clone"
)

// Valid reports whether m is a known mode.
func (m JobMode) Valid() bool {
	switch m {
	case ModeCustomVoice, ModeVoiceDesign, ModeVoiceClone:
		return true
	default:
		return false
	}
}

// CreateJobRequest carries the synthesis parameters of a new job.
type CreateJobRequest struct {
	Mode          JobMode
	Text          string
	Language      string
	Speaker       string
	Instruct      string
	ReferenceText string
	// ReferenceAudio is required for voice cloning and ignored otherwise.
	ReferenceAudio *AudioFile
}

// CreateJobResponse is returned by the job creation API.
type CreateJobResponse struct {
	JobID   int64     `json:"job_id"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}
