// Package core defines the shared domain types and collaborator interfaces
// of the TTS studio client.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// JobAPI is the subset of the backend consumed by the job lifecycle.
type JobAPI interface {
	CreateJob(ctx context.Context, req CreateJobRequest) (CreateJobResponse, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	DeleteJob(ctx context.Context, id int64) error
}

// AudioFile is a candidate audio input, either uploaded or recorded.
type AudioFile struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Size returns the file size in bytes.
func (f AudioFile) Size() int64 {
	return int64(len(f.Data))
}
