// Package capture records reference audio from a microphone, converts the
// take to 16-bit PCM WAV, validates it and stores it as a blob.
package capture

import (
	"context"
	"errors"

	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/book-expert/tts-studio/internal/core"
)

// Errors reported by microphone sources.
var (
	ErrNotSupported     = errors.New("audio capture is not supported on this platform")
	ErrOverconstrained  = errors.New("no device satisfies the requested constraints")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no capture device found")
)

// Constraints describe the requested capture format. Zero values leave the
// choice to the device.
//
// The voice processing flags are hints. MalgoSource captures raw frames
// because miniaudio applies no echo cancellation, noise suppression or gain
// control, so only sources with a processing stage honour them.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// PreferredConstraints requests a clean, unprocessed high-quality signal.
func PreferredConstraints(sampleRate, channels int) Constraints {
	return Constraints{
		SampleRate:       sampleRate,
		Channels:         channels,
		EchoCancellation: false,
		NoiseSuppression: false,
		AutoGainControl:  false,
	}
}

// DefaultConstraints accepts whatever the device offers, with the platform's
// default voice processing.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// IsDefault reports whether c leaves the format to the device.
func (c Constraints) IsDefault() bool {
	return c.SampleRate == 0 && c.Channels == 0
}

// MicrophoneSource opens capture streams.
type MicrophoneSource interface {
	Supported() bool
	Open(ctx context.Context, constraints Constraints) (Stream, error)
	IsTypeSupported(mimeType string) bool
}

// Stream is one open capture device.
type Stream interface {
	// MIMEType is the stream's native encoding.
	MIMEType() string
	// Start begins delivering encoded fragments of the given type.
	Start(mimeType string, onFragment func(fragment []byte)) error
	// Stop flushes outstanding fragments and returns once no more will be
	// delivered.
	Stop() error
	// Release frees the device. It is safe to call more than once.
	Release()
}

// AudioDecoder turns a complete encoded take into samples.
type AudioDecoder interface {
	Decode(ctx context.Context, data []byte, mimeType string) (audio.PCMBuffer, error)
}

// BlobStore keeps finished recordings.
type BlobStore = core.ObjectStore
